package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// PostgresStore is the source of truth for sessions. The active-session
// index in Redis is only a cache over it.
type PostgresStore struct {
	db *sql.DB
}

func Open(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the schema and adds columns missing from earlier
// deployments. Safe to run on every startup.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
		  session_id text PRIMARY KEY,
		  players text NOT NULL,
		  backend_instance text,
		  created_at timestamptz DEFAULT now()
		);
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	addIfMissing := map[string]string{
		"compute_unit_id": "text",
		"ended_at":        "timestamptz",
		"connect_host":    "text",
		"connect_port":    "int",
	}
	for col, typ := range addIfMissing {
		exists, err := s.columnExists(ctx, "sessions", col)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE sessions ADD COLUMN %s %s;", col, typ)); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
		log.Info().Str("column", col).Msg("session store: added missing column")
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_players (
		  session_id text NOT NULL,
		  player_id text NOT NULL,
		  position int NOT NULL,
		  PRIMARY KEY (session_id, player_id)
		);
	`); err != nil {
		return fmt.Errorf("create session_players table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS session_players_player_idx ON session_players (player_id);
	`); err != nil {
		return fmt.Errorf("create session_players index: %w", err)
	}
	return nil
}

func (s *PostgresStore) columnExists(ctx context.Context, table, column string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_name = $1 AND column_name = $2
	`, table, column).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	return true, nil
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, players, backend_instance, created_at)
		VALUES ($1, $2, $3, $4)
	`, sess.ID, joinPlayers(sess.Players), sess.BackendInstance, sess.CreatedAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for i, p := range sess.Players {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_players (session_id, player_id, position)
			VALUES ($1, $2, $3)
		`, sess.ID, p, i); err != nil {
			return fmt.Errorf("insert session player: %w", err)
		}
	}
	return tx.Commit()
}

// SetEndpoint publishes the provisioned unit and connect address. The guard
// keeps ended sessions immutable and a non-empty endpoint write-once.
func (s *PostgresStore) SetEndpoint(ctx context.Context, id, unitID, host string, port int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET compute_unit_id = $2, connect_host = $3, connect_port = $4
		WHERE session_id = $1 AND ended_at IS NULL AND coalesce(connect_host, '') = ''
	`, id, unitID, host, port)
	if err != nil {
		return fmt.Errorf("set session endpoint: %w", err)
	}
	return nil
}

// End marks the session ended. It reports whether this call performed the
// transition; repeated or unknown-id calls return first=false without error.
func (s *PostgresStore) End(ctx context.Context, id string) (first bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = now()
		WHERE session_id = $1 AND ended_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end session rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, players, backend_instance, compute_unit_id,
		       connect_host, connect_port, created_at, ended_at
		FROM sessions WHERE session_id = $1
	`, id)
	return scanSession(row)
}

// LatestForPlayer returns the most recently created session containing the
// player, matched exactly through the membership table.
func (s *PostgresStore) LatestForPlayer(ctx context.Context, playerID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.session_id, s.players, s.backend_instance, s.compute_unit_id,
		       s.connect_host, s.connect_port, s.created_at, s.ended_at
		FROM sessions s
		JOIN session_players sp ON sp.session_id = s.session_id
		WHERE sp.player_id = $1
		ORDER BY s.created_at DESC
		LIMIT 1
	`, playerID)
	return scanSession(row)
}

// EndedByUnitPrefix reports whether the session whose id starts with the
// given prefix has ended. Unknown prefixes report false: a provisioned unit
// with no session row is left alone by reconciliation.
func (s *PostgresStore) EndedByUnitPrefix(ctx context.Context, prefix string) (bool, error) {
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT ended_at FROM sessions WHERE session_id LIKE $1 || '%' LIMIT 1
	`, prefix).Scan(&endedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup session by prefix: %w", err)
	}
	return endedAt.Valid, nil
}

// ActiveRecent lists sessions not yet ended and created within the window.
// Fallback for the active-session index when Redis is unavailable.
func (s *PostgresStore) ActiveRecent(ctx context.Context, window time.Duration) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, players, backend_instance, compute_unit_id,
		       connect_host, connect_port, created_at, ended_at
		FROM sessions
		WHERE ended_at IS NULL AND created_at > now() - ($1 * interval '1 second')
		ORDER BY created_at DESC
	`, window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess     Session
		players  string
		instance sql.NullString
		unit     sql.NullString
		host     sql.NullString
		port     sql.NullInt64
		endedAt  sql.NullTime
	)
	err := row.Scan(&sess.ID, &players, &instance, &unit, &host, &port, &sess.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Players = splitPlayers(players)
	sess.BackendInstance = instance.String
	sess.ComputeUnitID = unit.String
	sess.ConnectHost = host.String
	sess.ConnectPort = int(port.Int64)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

func joinPlayers(players []string) string {
	return strings.Join(players, ",")
}

func splitPlayers(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
