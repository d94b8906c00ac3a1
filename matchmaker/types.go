package matchmaker

import (
	"context"
	"time"

	"game-session-backend/session"
)

// Status values returned to polling players.
const (
	StatusPending = "pending"
	StatusMatched = "matched"
	StatusEnded   = "ended"
)

type JoinRequest struct {
	PlayerID string `json:"player_id"`
}

type JoinResponse struct {
	SessionID   string   `json:"session_id"`
	Players     []string `json:"players"`
	ConnectHost string   `json:"connect_host,omitempty"`
	ConnectPort int      `json:"connect_port,omitempty"`
}

type StatusResponse struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id,omitempty"`
	ConnectHost string `json:"connect_host,omitempty"`
	ConnectPort int    `json:"connect_port,omitempty"`
}

type EndRequest struct {
	SessionID string `json:"session_id"`
}

type EndResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type ActiveResponse struct {
	Count    int                     `json:"count"`
	Sessions []session.ActiveSession `json:"sessions"`
	Source   string                  `json:"source"`
}

type CleanupResponse struct {
	Cleaned int `json:"cleaned"`
}

// SessionStore is the durable session record surface the matchmaker needs.
type SessionStore interface {
	Create(ctx context.Context, s *session.Session) error
	SetEndpoint(ctx context.Context, id, unitID, host string, port int) error
	End(ctx context.Context, id string) (first bool, err error)
	LatestForPlayer(ctx context.Context, playerID string) (*session.Session, error)
	EndedByUnitPrefix(ctx context.Context, prefix string) (bool, error)
	ActiveRecent(ctx context.Context, window time.Duration) ([]session.Session, error)
}

// Index is the best-effort active-session cache. Every method may fail
// without affecting correctness.
type Index interface {
	Track(ctx context.Context, id, unitID, host string, port int) error
	Untrack(ctx context.Context, id string) error
	Endpoint(ctx context.Context, id string) (host string, port int, ok bool, err error)
	Active(ctx context.Context) ([]session.ActiveSession, error)
}

// Provisioner allocates and destroys one compute unit per session.
type Provisioner interface {
	Allocate(ctx context.Context, sessionID string, players []string) (unitID, host string, port int, err error)
	Destroy(ctx context.Context, sessionID string) error
	Reconcile(ctx context.Context, ended func(ctx context.Context, sessionPrefix string) (bool, error)) (int, error)
}
