package matchmaker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"game-session-backend/events"
	"game-session-backend/metrics"
	"game-session-backend/queue"
	"game-session-backend/session"
)

// Policy is the queue admission policy: flush a full session immediately, or
// flush whatever is queued once enough players have waited long enough.
// Full sessions are preferred; the wait-based partial flush bounds worst-case
// queue latency at the cost of uneven session sizes.
type Policy struct {
	FullSize   int
	MinPartial int
	FlushWait  time.Duration
}

// activeFallbackWindow limits the Postgres fallback of the active-session
// listing to recent sessions, mirroring the index's own TTL bound.
const activeFallbackWindow = 5 * time.Minute

// Matchmaker owns queue admission and session lifecycle. Cross-replica
// correctness rests on the shared queue's atomic batch dequeue, never on
// in-process locking.
type Matchmaker struct {
	policy   Policy
	shared   queue.Store // nil when the shared store is unreachable
	local    queue.Store
	sessions SessionStore
	index    Index // nil when the shared store is unreachable
	prov     Provisioner
	pub      events.Publisher // nil when lifecycle events are not configured
	instance string
	now      func() time.Time
}

func New(policy Policy, shared queue.Store, sessions SessionStore, index Index, prov Provisioner, pub events.Publisher, instance string) *Matchmaker {
	return &Matchmaker{
		policy:   policy,
		shared:   shared,
		local:    queue.NewLocalStore(),
		sessions: sessions,
		index:    index,
		prov:     prov,
		pub:      pub,
		instance: instance,
		now:      time.Now,
	}
}

// PendingToken embeds the player id so repeated polls recognize the player.
func PendingToken(playerID string) string {
	return "pending:" + playerID
}

// Join enqueues the player and evaluates the admission policy. When a flush
// triggers, the call blocks through provisioning (up to the readiness
// deadline); the session is durably recorded before that wait, so an
// impatient HTTP caller loses nothing by timing out.
func (m *Matchmaker) Join(ctx context.Context, playerID string) (*JoinResponse, error) {
	q := m.shared
	if q != nil {
		if err := q.Enqueue(ctx, playerID); err != nil {
			log.Warn().Err(err).Str("playerId", playerID).Msg("matchmaker: shared queue unavailable, using local fallback")
			q = nil
		}
	}
	if q == nil {
		q = m.local
		if err := q.Enqueue(ctx, playerID); err != nil {
			return nil, fmt.Errorf("enqueue player: %w", err)
		}
	}

	batch, kind, err := m.admit(ctx, q)
	if err != nil {
		// The player is queued; admission can succeed on a later join.
		log.Warn().Err(err).Str("playerId", playerID).Msg("matchmaker: admission check failed")
		return &JoinResponse{SessionID: PendingToken(playerID), Players: []string{playerID}}, nil
	}
	if len(batch) == 0 {
		return &JoinResponse{SessionID: PendingToken(playerID), Players: []string{playerID}}, nil
	}

	sess, err := m.flush(ctx, batch, kind)
	if err != nil {
		return nil, err
	}
	return &JoinResponse{
		SessionID:   sess.ID,
		Players:     sess.Players,
		ConnectHost: sess.ConnectHost,
		ConnectPort: sess.ConnectPort,
	}, nil
}

// admit decides whether the queue should flush now and, if so, atomically
// removes the batch. A concurrent replica may shrink the queue between the
// length check and the dequeue; the resulting short batch is tolerated.
func (m *Matchmaker) admit(ctx context.Context, q queue.Store) ([]string, string, error) {
	n, err := q.Len(ctx)
	if err != nil {
		return nil, "", err
	}
	metrics.QueueDepth.Set(float64(n))

	if n >= m.policy.FullSize {
		batch, err := q.DequeueBatch(ctx, m.policy.FullSize)
		return batch, "full", err
	}
	if n >= m.policy.MinPartial {
		wait, err := q.OldestWaitSeconds(ctx)
		if err != nil {
			return nil, "", err
		}
		if wait >= m.policy.FlushWait.Seconds() {
			batch, err := q.DequeueBatch(ctx, n)
			return batch, "partial", err
		}
	}
	return nil, "", nil
}

// flush creates the session record, provisions its compute unit and
// publishes the connect address.
func (m *Matchmaker) flush(ctx context.Context, players []string, kind string) (*session.Session, error) {
	sess := &session.Session{
		ID:              uuid.NewString(),
		Players:         players,
		BackendInstance: m.instance,
		CreatedAt:       m.now(),
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.FlushesTotal.WithLabelValues(kind).Inc()
	log.Info().Str("sessionId", sess.ID).Int("players", len(players)).Str("kind", kind).Msg("matchmaker: flushed queue into session")

	m.publish(ctx, events.TypeSessionCreated, sess.ID, players)

	start := m.now()
	unitID, host, port, err := m.prov.Allocate(ctx, sess.ID, players)
	metrics.ProvisionDuration.Observe(m.now().Sub(start).Seconds())
	if err != nil {
		// The row stays; players poll as pending and reconciliation or a
		// manual end cleans up.
		return nil, fmt.Errorf("allocate game server for session %s: %w", sess.ID, err)
	}

	if err := m.sessions.SetEndpoint(ctx, sess.ID, unitID, host, port); err != nil {
		return nil, fmt.Errorf("publish endpoint for session %s: %w", sess.ID, err)
	}
	sess.ComputeUnitID = unitID
	sess.ConnectHost = host
	sess.ConnectPort = port

	if m.index != nil {
		if err := m.index.Track(ctx, sess.ID, unitID, host, port); err != nil {
			log.Warn().Err(err).Str("sessionId", sess.ID).Msg("matchmaker: failed to track session in index")
		}
	}
	log.Info().Str("sessionId", sess.ID).Str("unit", unitID).Str("host", host).Int("port", port).Msg("matchmaker: session provisioned")
	return sess, nil
}

// Status resolves a player's most recent session: ended beats matched beats
// pending. Store failures degrade to pending rather than exposing detail.
func (m *Matchmaker) Status(ctx context.Context, playerID string) (*StatusResponse, error) {
	sess, err := m.sessions.LatestForPlayer(ctx, playerID)
	if err == session.ErrNotFound {
		return &StatusResponse{Status: StatusPending}, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("playerId", playerID).Msg("matchmaker: status lookup failed")
		return &StatusResponse{Status: StatusPending}, nil
	}
	if sess.Ended() {
		return &StatusResponse{Status: StatusEnded, SessionID: sess.ID}, nil
	}

	if m.index != nil {
		host, port, ok, err := m.index.Endpoint(ctx, sess.ID)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", sess.ID).Msg("matchmaker: index endpoint lookup failed")
		} else if ok {
			return &StatusResponse{Status: StatusMatched, SessionID: sess.ID, ConnectHost: host, ConnectPort: port}, nil
		}
	}
	if sess.HasEndpoint() {
		// Cache miss or expiry; the durable row is authoritative.
		return &StatusResponse{Status: StatusMatched, SessionID: sess.ID, ConnectHost: sess.ConnectHost, ConnectPort: sess.ConnectPort}, nil
	}
	return &StatusResponse{Status: StatusPending, SessionID: sess.ID}, nil
}

// End marks the session ended and tears down its compute unit. Idempotent:
// only the first call fires teardown; later calls observe the same terminal
// state. The session is marked ended even when teardown fails, so the
// reconcile sweep can retry destruction later.
func (m *Matchmaker) End(ctx context.Context, sessionID string) (*EndResponse, error) {
	first, err := m.sessions.End(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !first {
		return &EndResponse{Status: StatusEnded, SessionID: sessionID}, nil
	}

	if m.index != nil {
		if err := m.index.Untrack(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("matchmaker: failed to untrack session")
		}
	}
	m.publish(ctx, events.TypeSessionEnded, sessionID, nil)

	if err := m.prov.Destroy(ctx, sessionID); err != nil {
		metrics.TeardownFailures.Inc()
		log.Error().Err(err).Str("sessionId", sessionID).Msg("matchmaker: teardown failed; reconciliation will retry")
		return nil, fmt.Errorf("destroy session %s: %w", sessionID, err)
	}
	log.Info().Str("sessionId", sessionID).Msg("matchmaker: session ended")
	return &EndResponse{Status: StatusEnded, SessionID: sessionID}, nil
}

// Active lists running sessions from the index, falling back to the durable
// store when the index is unavailable.
func (m *Matchmaker) Active(ctx context.Context) (*ActiveResponse, error) {
	if m.index != nil {
		active, err := m.index.Active(ctx)
		if err == nil {
			return &ActiveResponse{Count: len(active), Sessions: active, Source: "redis"}, nil
		}
		log.Warn().Err(err).Msg("matchmaker: active-session index unavailable, falling back to durable store")
	}

	sessions, err := m.sessions.ActiveRecent(ctx, activeFallbackWindow)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	active := make([]session.ActiveSession, 0, len(sessions))
	for _, s := range sessions {
		unit := s.ComputeUnitID
		if unit == "" {
			unit = "unknown"
		}
		active = append(active, session.ActiveSession{SessionID: s.ID, ComputeUnitID: unit})
	}
	return &ActiveResponse{Count: len(active), Sessions: active, Source: "postgres"}, nil
}

// CleanupOrphans destroys compute units whose session has already ended.
func (m *Matchmaker) CleanupOrphans(ctx context.Context) (int, error) {
	return m.prov.Reconcile(ctx, m.sessions.EndedByUnitPrefix)
}

func (m *Matchmaker) publish(ctx context.Context, typ events.EventType, sessionID string, players []string) {
	if m.pub == nil {
		return
	}
	ev := &events.SessionEvent{
		EnvelopeVersion: "1.0",
		Type:            typ,
		SessionID:       sessionID,
		Players:         players,
		Timestamp:       m.now(),
	}
	if err := m.pub.PublishEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Str("type", string(typ)).Msg("matchmaker: failed to publish lifecycle event")
	}
}
