package engine

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFailureScript records one failure atomically.
// KEYS[1] = entry key (e.g. "fedroom:backoff:$event")
// ARGV[1] = failure time (unix millis)
// ARGV[2] = expiry (seconds)
var redisFailureScript = redis.NewScript(`
local key = KEYS[1]
local tries = redis.call("HINCRBY", key, "tries", 1)
redis.call("HSET", key, "last", ARGV[1])
redis.call("EXPIRE", key, tonumber(ARGV[2]))
return tries
`)

// RedisBackoff is a RateLimiter shared through Redis, so every server
// process in a fleet backs off the same bad events.
//
// Redis errors fail open: an id is allowed when its entry cannot be read.
// Handle times stay process-local.
type RedisBackoff struct {
	client   redis.UniversalClient
	prefix   string
	base     time.Duration
	handling *HandleTimes
}

// NewRedisBackoff creates a registry on an existing client.
// base <= 0 selects DefaultBackoffBase.
func NewRedisBackoff(client redis.UniversalClient, base time.Duration) *RedisBackoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return &RedisBackoff{
		client:   client,
		prefix:   "fedroom:backoff:",
		base:     base,
		handling: NewHandleTimes(),
	}
}

// DialRedisBackoff connects to a single Redis server.
func DialRedisBackoff(addr, password string, db int, base time.Duration) *RedisBackoff {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisBackoff(rdb, base)
}

// Ping checks the connection.
func (b *RedisBackoff) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (b *RedisBackoff) Close() error {
	return b.client.Close()
}

func (b *RedisBackoff) key(id string) string {
	return b.prefix + id
}

// Allowed implements RateLimiter.
func (b *RedisBackoff) Allowed(ctx context.Context, id string, now time.Time) bool {
	vals, err := b.client.HMGet(ctx, b.key(id), "tries", "last").Result()
	if err != nil {
		slog.Warn("backoff lookup failed", "event_id", id, "error", err)
		return true
	}
	tries, ok1 := parseRedisInt(vals[0])
	last, ok2 := parseRedisInt(vals[1])
	if !ok1 || !ok2 {
		return true
	}
	return now.Sub(time.UnixMilli(last)) >= backoffWindow(b.base, tries)
}

// Failure implements RateLimiter.
func (b *RedisBackoff) Failure(ctx context.Context, id string, now time.Time) {
	expiry := int64(MaxBackoff/time.Second) * 2
	if err := redisFailureScript.Run(ctx, b.client, []string{b.key(id)}, now.UnixMilli(), expiry).Err(); err != nil {
		slog.Warn("backoff record failed", "event_id", id, "error", err)
	}
}

// Success implements RateLimiter.
func (b *RedisBackoff) Success(ctx context.Context, id string) {
	if err := b.client.Del(ctx, b.key(id)).Err(); err != nil {
		slog.Warn("backoff clear failed", "event_id", id, "error", err)
	}
}

// Handling implements RateLimiter.
func (b *RedisBackoff) Handling() *HandleTimes {
	return b.handling
}

func parseRedisInt(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
