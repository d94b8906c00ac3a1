package events

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Publishes arrive from concurrent HTTP handlers; the lazy client init must
// hold up under that. A missing credentials file makes every init attempt
// fail deterministically without touching the network, so this exercises the
// guarded init path (and, under -race, the concurrent first-publish case).
func TestPublishEvent_ConcurrentFirstPublish(t *testing.T) {
	creds := filepath.Join(t.TempDir(), "missing-credentials.json")
	p := NewPubsubPublisher("test-project", "session-events", creds)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.PublishEvent(context.Background(), &SessionEvent{
				EnvelopeVersion: "1.0",
				Type:            TypeSessionCreated,
				SessionID:       "s1",
				Timestamp:       time.Now(),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Errorf("PublishEvent[%d] = nil error with unreadable credentials", i)
		}
	}
	if p.client != nil || p.topic != nil {
		t.Error("failed init left a partially constructed client behind")
	}
}

func TestPublishEvent_InitFailureIsRetried(t *testing.T) {
	creds := filepath.Join(t.TempDir(), "missing-credentials.json")
	p := NewPubsubPublisher("test-project", "session-events", creds)

	for i := 0; i < 2; i++ {
		if err := p.PublishEvent(context.Background(), &SessionEvent{Type: TypeSessionEnded, SessionID: "s1"}); err == nil {
			t.Fatalf("PublishEvent attempt %d = nil error with unreadable credentials", i+1)
		}
	}
}
