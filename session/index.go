package session

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeSetKey = "active_sessions"
	// indexTTL bounds staleness of the cached endpoint if a teardown never
	// reaches Redis. The durable store stays authoritative.
	indexTTL = time.Hour
)

// RedisIndex is the best-effort active-session index: session id set plus a
// TTL-bounded endpoint cache. Callers must tolerate absence and fall back to
// the durable store.
type RedisIndex struct {
	rdb *redis.Client
}

func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

func unitKey(id string) string { return "session:" + id + ":pod" }
func hostKey(id string) string { return "session:" + id + ":host" }
func portKey(id string) string { return "session:" + id + ":port" }

func (x *RedisIndex) Track(ctx context.Context, id, unitID, host string, port int) error {
	_, err := x.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, activeSetKey, id)
		pipe.Set(ctx, unitKey(id), unitID, indexTTL)
		pipe.Set(ctx, hostKey(id), host, indexTTL)
		pipe.Set(ctx, portKey(id), strconv.Itoa(port), indexTTL)
		return nil
	})
	return err
}

func (x *RedisIndex) Untrack(ctx context.Context, id string) error {
	_, err := x.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, activeSetKey, id)
		pipe.Del(ctx, unitKey(id), hostKey(id), portKey(id))
		return nil
	})
	return err
}

// Endpoint returns the cached connect address. ok is false when either half
// is missing or expired.
func (x *RedisIndex) Endpoint(ctx context.Context, id string) (host string, port int, ok bool, err error) {
	host, err = x.rdb.Get(ctx, hostKey(id)).Result()
	if err == redis.Nil {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	raw, err := x.rdb.Get(ctx, portKey(id)).Result()
	if err == redis.Nil {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	port, convErr := strconv.Atoi(raw)
	if convErr != nil || host == "" || port == 0 {
		return "", 0, false, nil
	}
	return host, port, true, nil
}

func (x *RedisIndex) Active(ctx context.Context) ([]ActiveSession, error) {
	ids, err := x.rdb.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ActiveSession, 0, len(ids))
	for _, id := range ids {
		unit, err := x.rdb.Get(ctx, unitKey(id)).Result()
		if err == redis.Nil {
			unit = "unknown"
		} else if err != nil {
			return nil, err
		}
		out = append(out, ActiveSession{SessionID: id, ComputeUnitID: unit})
	}
	return out, nil
}
