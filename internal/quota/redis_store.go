package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSnapshotKey = "bridge:ratelimits"

// Counters are only meaningful until the day after their reset boundary;
// anything older is garbage.
const redisSnapshotTTL = 48 * time.Hour

// RedisStore keeps the limiter snapshot in Redis instead of on disk, for
// operators that already run one. Selected by config; the file store remains
// the default.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and pings; the caller decides whether to fall back
// to the file store on error.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("rate-limit store using redis", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb}, nil
}

// Load fetches and decodes the snapshot; a missing or corrupt value degrades
// to an empty store.
func (s *RedisStore) Load() (map[Scope]map[string]Counter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := s.rdb.Get(ctx, redisSnapshotKey).Bytes()
	if err == redis.Nil {
		return map[Scope]map[string]Counter{}, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[Scope]map[string]persistedCounter
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("rate-limit redis snapshot corrupt, starting empty", "error", err)
		return map[Scope]map[string]Counter{}, nil
	}

	now := time.Now()
	out := make(map[Scope]map[string]Counter, len(raw))
	for scope, byKey := range raw {
		out[scope] = make(map[string]Counter, len(byKey))
		for key, pc := range byKey {
			resetAt := time.Unix(pc.ResetAt, 0)
			if now.Before(resetAt) {
				out[scope][key] = Counter{Count: pc.Count, ResetAt: resetAt}
			}
		}
	}
	return out, nil
}

// Save stores the snapshot with a TTL so stale instances age out.
func (s *RedisStore) Save(snapshot map[Scope]map[string]Counter) error {
	raw := make(map[Scope]map[string]persistedCounter, len(snapshot))
	for scope, byKey := range snapshot {
		raw[scope] = make(map[string]persistedCounter, len(byKey))
		for key, c := range byKey {
			raw[scope][key] = persistedCounter{Count: c.Count, ResetAt: c.ResetAt.Unix()}
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.rdb.Set(ctx, redisSnapshotKey, data, redisSnapshotTTL).Err()
}

// Close shuts down the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
