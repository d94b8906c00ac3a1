package events

import (
	"context"
	"time"
)

type EventType string

const (
	TypeSessionCreated EventType = "session-created"
	TypeSessionEnded   EventType = "session-ended"
)

// SessionEvent is the lifecycle envelope published when a session is created
// or ended.
type SessionEvent struct {
	EnvelopeVersion string    `json:"envelopeVersion"`
	Type            EventType `json:"type"`
	SessionID       string    `json:"sessionId"`
	Players         []string  `json:"players,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type Publisher interface {
	PublishEvent(ctx context.Context, ev *SessionEvent) error
}
