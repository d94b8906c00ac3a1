package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	queueKey = "matchmaking_queue"
	// queuedAtTTL bounds leakage of per-player timestamp keys if a player
	// never gets flushed.
	queuedAtTTL = time.Hour
)

// RedisStore is the shared matchmaking queue. The queue itself is a Redis
// list; each entry's enqueue time lives under a per-player key with a TTL.
// Safe across backend replicas: batch removal happens inside one MULTI/EXEC.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func queuedAtKey(playerID string) string {
	return "matchmaking:queued_at:" + playerID
}

func (s *RedisStore) Enqueue(ctx context.Context, playerID string) error {
	if err := s.rdb.RPush(ctx, queueKey, playerID).Err(); err != nil {
		return err
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.rdb.Set(ctx, queuedAtKey(playerID), ts, queuedAtTTL).Err(); err != nil {
		// Queue entry is in; a missing timestamp only delays the wait-based
		// partial flush for this player.
		log.Warn().Err(err).Str("playerId", playerID).Msg("queue: failed to record enqueue timestamp")
	}
	return nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.rdb.LLen(ctx, queueKey).Result()
	return int(n), err
}

func (s *RedisStore) PeekOldest(ctx context.Context) (string, bool, error) {
	v, err := s.rdb.LIndex(ctx, queueKey, 0).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) OldestWaitSeconds(ctx context.Context) (float64, error) {
	oldest, ok, err := s.PeekOldest(ctx)
	if err != nil || !ok {
		return 0, err
	}
	raw, err := s.rdb.Get(ctx, queuedAtKey(oldest)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	wait := s.now().Sub(time.UnixMilli(ms)).Seconds()
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// DequeueBatch pops up to n players as one atomic unit so concurrent
// replicas never observe overlapping batches.
func (s *RedisStore) DequeueBatch(ctx context.Context, n int) ([]string, error) {
	cmds := make([]*redis.StringCmd, 0, n)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := 0; i < n; i++ {
			cmds = append(cmds, pipe.LPop(ctx, queueKey))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}

	players := make([]string, 0, n)
	for _, cmd := range cmds {
		v, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		players = append(players, v)
	}

	if len(players) > 0 {
		if _, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, p := range players {
				pipe.Del(ctx, queuedAtKey(p))
			}
			return nil
		}); err != nil {
			// TTL handles stragglers.
			log.Warn().Err(err).Int("players", len(players)).Msg("queue: failed to clean up enqueue timestamps")
		}
	}
	return players, nil
}
