package queue

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	playerID   string
	enqueuedAt time.Time
}

// LocalStore is the in-process fallback queue used when the shared store is
// unreachable. It is safe for concurrent use within one backend replica but
// cannot coordinate flushes across replicas; running more than one replica
// against it can double-match players.
type LocalStore struct {
	mu      sync.Mutex
	entries []localEntry
	now     func() time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{now: time.Now}
}

func (s *LocalStore) Enqueue(_ context.Context, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, localEntry{playerID: playerID, enqueuedAt: s.now()})
	return nil
}

func (s *LocalStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *LocalStore) PeekOldest(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return "", false, nil
	}
	return s.entries[0].playerID, true, nil
}

func (s *LocalStore) OldestWaitSeconds(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, nil
	}
	return s.now().Sub(s.entries[0].enqueuedAt).Seconds(), nil
}

func (s *LocalStore) DequeueBatch(_ context.Context, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.entries) {
		n = len(s.entries)
	}
	players := make([]string, 0, n)
	for _, e := range s.entries[:n] {
		players = append(players, e.playerID)
	}
	s.entries = append([]localEntry(nil), s.entries[n:]...)
	return players, nil
}
