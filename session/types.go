package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no session matches a lookup.
var ErrNotFound = errors.New("session not found")

// Session is the durable record of one matched group of players bound to one
// provisioned game server. Once EndedAt is set the record is immutable; the
// connect endpoint, once non-empty, never changes.
type Session struct {
	ID              string
	Players         []string
	BackendInstance string
	ComputeUnitID   string
	ConnectHost     string
	ConnectPort     int
	CreatedAt       time.Time
	EndedAt         *time.Time
}

// Ended reports whether the session has reached its terminal state.
func (s *Session) Ended() bool { return s.EndedAt != nil }

// HasEndpoint reports whether a usable connect address has been published.
func (s *Session) HasEndpoint() bool { return s.ConnectHost != "" && s.ConnectPort != 0 }

// ActiveSession is one entry of the active-session index.
type ActiveSession struct {
	SessionID     string `json:"session_id"`
	ComputeUnitID string `json:"compute_unit_id"`
}
