package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestRedisStore_FIFO(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	for i := 0; i < 12; i++ {
		if err := s.Enqueue(ctx, fmt.Sprintf("p%d", i)); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	n, err := s.Len(ctx)
	if err != nil || n != 12 {
		t.Fatalf("Len() = %d,%v, want 12,nil", n, err)
	}

	batch, err := s.DequeueBatch(ctx, 12)
	if err != nil {
		t.Fatalf("DequeueBatch() error: %v", err)
	}
	if len(batch) != 12 {
		t.Fatalf("DequeueBatch() returned %d players, want 12", len(batch))
	}
	for i, p := range batch {
		if want := fmt.Sprintf("p%d", i); p != want {
			t.Errorf("batch[%d] = %q, want %q", i, p, want)
		}
	}

	n, _ = s.Len(ctx)
	if n != 0 {
		t.Errorf("Len() after full dequeue = %d, want 0", n)
	}
}

func TestRedisStore_ShortRead(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	_ = s.Enqueue(ctx, "a")
	_ = s.Enqueue(ctx, "b")

	batch, err := s.DequeueBatch(ctx, 12)
	if err != nil {
		t.Fatalf("DequeueBatch() error: %v", err)
	}
	if len(batch) != 2 || batch[0] != "a" || batch[1] != "b" {
		t.Errorf("DequeueBatch(12) = %v, want [a b]", batch)
	}
}

func TestRedisStore_NonOverlappingBatches(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	for i := 0; i < 24; i++ {
		_ = s.Enqueue(ctx, fmt.Sprintf("p%d", i))
	}

	first, err := s.DequeueBatch(ctx, 12)
	if err != nil {
		t.Fatalf("first DequeueBatch() error: %v", err)
	}
	second, err := s.DequeueBatch(ctx, 12)
	if err != nil {
		t.Fatalf("second DequeueBatch() error: %v", err)
	}

	seen := make(map[string]bool, 24)
	for _, p := range first {
		seen[p] = true
	}
	for _, p := range second {
		if seen[p] {
			t.Errorf("player %s appears in both batches", p)
		}
	}
	if len(first)+len(second) != 24 {
		t.Errorf("batches cover %d players, want 24", len(first)+len(second))
	}
}

func TestRedisStore_OldestWait(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.Enqueue(ctx, "p1"); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	s.now = func() time.Time { return base.Add(20 * time.Second) }
	w, err := s.OldestWaitSeconds(ctx)
	if err != nil {
		t.Fatalf("OldestWaitSeconds() error: %v", err)
	}
	if w < 19.9 || w > 20.1 {
		t.Errorf("OldestWaitSeconds() = %f, want ~20", w)
	}
}

func TestRedisStore_OldestWait_MissingTimestamp(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	_ = s.Enqueue(ctx, "p1")
	mr.Del(queuedAtKey("p1"))

	w, err := s.OldestWaitSeconds(ctx)
	if err != nil {
		t.Fatalf("OldestWaitSeconds() error: %v", err)
	}
	if w != 0 {
		t.Errorf("OldestWaitSeconds() with expired timestamp = %f, want 0", w)
	}
}

func TestRedisStore_DequeueCleansTimestamps(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	_ = s.Enqueue(ctx, "p1")
	if !mr.Exists(queuedAtKey("p1")) {
		t.Fatal("enqueue timestamp key missing after Enqueue()")
	}

	if _, err := s.DequeueBatch(ctx, 1); err != nil {
		t.Fatalf("DequeueBatch() error: %v", err)
	}
	if mr.Exists(queuedAtKey("p1")) {
		t.Error("enqueue timestamp key not cleaned up after dequeue")
	}
}
