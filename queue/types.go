package queue

import "context"

// Store is the matchmaking queue contract. Implementations keep FIFO order
// of enqueued players and pair each entry with its enqueue time.
//
// DequeueBatch removes up to n players in FIFO order. A short read is legal:
// concurrent backend replicas may drain the shared queue between the caller's
// length check and its dequeue.
type Store interface {
	Enqueue(ctx context.Context, playerID string) error
	Len(ctx context.Context) (int, error)
	PeekOldest(ctx context.Context) (string, bool, error)
	OldestWaitSeconds(ctx context.Context) (float64, error)
	DequeueBatch(ctx context.Context, n int) ([]string, error)
}
