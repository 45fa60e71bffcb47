package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutConfig holds thresholds and lock durations for failed-attempt
// counting per account and per IP.
type LockoutConfig struct {
	MaxLoginAttempts int
	LockDuration     time.Duration
	IPMaxAttempts    int
	IPLockDuration   time.Duration
	EnableIPLockout  bool
}

// Lockout tracks consecutive failed login attempts and locks the account or
// IP once the configured threshold is reached. Counters live in Redis so the
// lock holds across process replicas.
//
// Unlike the rate [Limiter], lockout reads fail CLOSED only for explicit
// IsLocked checks driven by prior failures already recorded; an increment
// that lands after a caller timeout still counts, which is intentional.
type Lockout struct {
	redis  redis.UniversalClient
	prefix string
	config LockoutConfig
}

// NewLockout creates a [Lockout] backed by the given Redis client.
func NewLockout(redisClient redis.UniversalClient, prefix string, cfg LockoutConfig) *Lockout {
	return &Lockout{redis: redisClient, prefix: prefix, config: cfg}
}

func (l *Lockout) userKey(identifier string) string {
	return l.prefix + ":lock:user:" + identifier
}

func (l *Lockout) ipKey(ip string) string {
	return l.prefix + ":lock:ip:" + ip
}

// UserLocked reports whether the identifier has reached the failure threshold.
func (l *Lockout) UserLocked(ctx context.Context, identifier string) (bool, error) {
	count, err := l.count(ctx, l.userKey(identifier))
	if err != nil {
		return false, err
	}
	return count >= int64(l.config.MaxLoginAttempts), nil
}

// IPLocked reports whether the IP has reached the failure threshold.
func (l *Lockout) IPLocked(ctx context.Context, ip string) (bool, error) {
	if !l.config.EnableIPLockout || ip == "" {
		return false, nil
	}
	count, err := l.count(ctx, l.ipKey(ip))
	if err != nil {
		return false, err
	}
	return count >= int64(l.config.IPMaxAttempts), nil
}

// RecordFailure increments the failure counters for the identifier and IP.
// It returns whether the account counter has now reached its threshold.
func (l *Lockout) RecordFailure(ctx context.Context, identifier, ip string) (bool, error) {
	count, err := l.incrementWithTTL(ctx, l.userKey(identifier), l.config.LockDuration)
	if err != nil {
		return false, err
	}

	if l.config.EnableIPLockout && ip != "" {
		if _, err := l.incrementWithTTL(ctx, l.ipKey(ip), l.config.IPLockDuration); err != nil {
			return false, err
		}
	}

	return count >= int64(l.config.MaxLoginAttempts), nil
}

// Reset clears the identifier's failure counter after a successful login.
// The per-IP counter is shared across accounts, so a success on one account
// must not launder failures against others; it decays with its own TTL.
func (l *Lockout) Reset(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, l.userKey(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// FailureCount returns the current failure counter for an identifier.
// Missing keys return zero and do not reveal account existence.
func (l *Lockout) FailureCount(ctx context.Context, identifier string) (int, error) {
	count, err := l.count(ctx, l.userKey(identifier))
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (l *Lockout) count(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

func (l *Lockout) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// First failure in the window sets the TTL so the counter auto-resets
	// after the lock duration.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
