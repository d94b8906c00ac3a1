package provision

import "time"

// RetryPolicy bounds a destructive operation: attempts and the delay between
// them. Kept as data so tests can run it against a fake sleep.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultDestroyPolicy retries deletes up to 3 times with exponential
// backoff (1s, 2s).
func DefaultDestroyPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
	}
}
