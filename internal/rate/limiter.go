package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces fixed-window rate limits over Redis counters. It is the
// shared gate for login, registration, and refresh attempts, keyed per IP
// and per identifier.
//
// The limiter FAILS OPEN: when Redis is unreachable, Allow returns true and
// the failure is reported through the warn hook. Rate limiting must not
// become a single point of outage for login.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	warn   func(string, ...any)
}

// New creates a [Limiter] backed by the given Redis client. Keys are
// namespaced under prefix so per-IP and per-identifier windows never collide.
func New(redisClient redis.UniversalClient, prefix string, warn func(string, ...any)) *Limiter {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		warn:   warn,
	}
}

// Key composes the deterministic counter key {prefix}:rl:{kind}:{identifier}.
func (l *Limiter) Key(kind, identifier string) string {
	return l.prefix + ":rl:" + kind + ":" + identifier
}

// Allow atomically increments the counter for key and reports whether the
// call is within budget. The request that pushes the count to exactly limit
// is allowed; limit+1 is denied. The first writer in a window sets the TTL,
// so a late TTL-set can never leave the window unbounded.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := l.incrementWithTTL(ctx, key, window)
	if err != nil {
		l.warn("authgate: rate limiter unavailable, failing open")
		return true, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count <= int64(limit), nil
}

// Remaining returns how many calls are left in the current window. A missing
// counter means the full budget remains.
func (l *Limiter) Remaining(ctx context.Context, key string, limit int) (int, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return limit, nil
		}
		return limit, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining), nil
}

// ResetIn returns the time until the current window for key expires.
// A missing counter returns zero.
func (l *Limiter) ResetIn(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.redis.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Clear removes the counter for key, ending its window early.
func (l *Limiter) Clear(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}

	return count, nil
}
