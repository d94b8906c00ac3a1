package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// openTestStore connects to the database named by TEST_DATABASE_URL and runs
// the migration. Skipped when no test instance is configured.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	store, err := Open(url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func newTestSession(players ...string) *Session {
	return &Session{
		ID:              uuid.NewString(),
		Players:         players,
		BackendInstance: "backend-test",
		CreatedAt:       time.Now().UTC(),
	}
}

func TestMigrate_AddsMissingColumns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Rebuild the pre-upgrade schema and let the migration bring it forward.
	if _, err := store.db.ExecContext(ctx, `DROP TABLE IF EXISTS sessions`); err != nil {
		t.Fatalf("drop sessions: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `
		CREATE TABLE sessions (
		  session_id text PRIMARY KEY,
		  players text NOT NULL,
		  backend_instance text,
		  created_at timestamptz DEFAULT now()
		)
	`); err != nil {
		t.Fatalf("create legacy sessions: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate over legacy schema: %v", err)
	}
	for _, col := range []string{"compute_unit_id", "ended_at", "connect_host", "connect_port"} {
		exists, err := store.columnExists(ctx, "sessions", col)
		if err != nil {
			t.Fatalf("columnExists(%s): %v", col, err)
		}
		if !exists {
			t.Errorf("column %s missing after migration", col)
		}
	}

	// Idempotent on an already-current schema.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("repeated migrate: %v", err)
	}
}

func TestSetEndpoint_WriteOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := newTestSession("p1", "p2")
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetEndpoint(ctx, sess.ID, "unit-a", "10.0.0.9", 30555); err != nil {
		t.Fatalf("set endpoint: %v", err)
	}

	// A second write must not overwrite the published address.
	if err := store.SetEndpoint(ctx, sess.ID, "unit-b", "10.9.9.9", 31999); err != nil {
		t.Fatalf("second set endpoint: %v", err)
	}
	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ComputeUnitID != "unit-a" || got.ConnectHost != "10.0.0.9" || got.ConnectPort != 30555 {
		t.Errorf("endpoint = %s/%s:%d, want first write to stick", got.ComputeUnitID, got.ConnectHost, got.ConnectPort)
	}
}

func TestSetEndpoint_EndedSessionIsImmutable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := newTestSession("p1")
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.End(ctx, sess.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := store.SetEndpoint(ctx, sess.ID, "unit-a", "10.0.0.9", 30555); err != nil {
		t.Fatalf("set endpoint on ended session: %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HasEndpoint() {
		t.Errorf("ended session picked up endpoint %s:%d", got.ConnectHost, got.ConnectPort)
	}
}

func TestEnd_ReportsFirstTransitionOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := newTestSession("p1")
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := store.End(ctx, sess.ID)
	if err != nil || !first {
		t.Fatalf("first End() = %v,%v, want true,nil", first, err)
	}
	again, err := store.End(ctx, sess.ID)
	if err != nil || again {
		t.Errorf("second End() = %v,%v, want false,nil", again, err)
	}
	unknown, err := store.End(ctx, uuid.NewString())
	if err != nil || unknown {
		t.Errorf("End() on unknown id = %v,%v, want false,nil", unknown, err)
	}
}

func TestLatestForPlayer_ExactMatchAndOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// "p1" must not match a session that only contains "p12".
	p1, p12 := uuid.NewString(), uuid.NewString()
	older := newTestSession(p1)
	older.CreatedAt = time.Now().UTC().Add(-time.Minute)
	newer := newTestSession(p1, p12+"-mate")
	decoy := newTestSession(p1 + "2")
	for _, s := range []*Session{older, newer, decoy} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := store.LatestForPlayer(ctx, p1)
	if err != nil {
		t.Fatalf("latest for player: %v", err)
	}
	if got.ID != newer.ID {
		t.Errorf("LatestForPlayer = %s, want most recent session %s", got.ID, newer.ID)
	}

	if _, err := store.LatestForPlayer(ctx, uuid.NewString()); err != ErrNotFound {
		t.Errorf("LatestForPlayer on unknown player = %v, want ErrNotFound", err)
	}
}

func TestEndedByUnitPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	live := newTestSession("p1")
	done := newTestSession("p2")
	for _, s := range []*Session{live, done} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := store.End(ctx, done.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	if ended, err := store.EndedByUnitPrefix(ctx, live.ID[:8]); err != nil || ended {
		t.Errorf("EndedByUnitPrefix(live) = %v,%v, want false,nil", ended, err)
	}
	if ended, err := store.EndedByUnitPrefix(ctx, done.ID[:8]); err != nil || !ended {
		t.Errorf("EndedByUnitPrefix(done) = %v,%v, want true,nil", ended, err)
	}
	if ended, err := store.EndedByUnitPrefix(ctx, "no-such-prefix"); err != nil || ended {
		t.Errorf("EndedByUnitPrefix(unknown) = %v,%v, want false,nil", ended, err)
	}
}
