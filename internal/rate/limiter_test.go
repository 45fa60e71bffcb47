package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiterTest(t *testing.T) (*Limiter, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(rdb, "ag", nil)
	return limiter, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestAllowWithinBudget(t *testing.T) {
	limiter, _, done := newLimiterTest(t)
	defer done()
	ctx := context.Background()
	key := limiter.Key("login:id", "alice")

	for i := 1; i <= 5; i++ {
		allowed, err := limiter.Allow(ctx, key, 5, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}

	allowed, err := limiter.Allow(ctx, key, 5, time.Minute)
	if err != nil {
		t.Fatalf("allow 6: %v", err)
	}
	if allowed {
		t.Fatal("attempt 6 should be denied")
	}
}

func TestWindowExpiryResetsBudget(t *testing.T) {
	limiter, mr, done := newLimiterTest(t)
	defer done()
	ctx := context.Background()
	key := limiter.Key("login:id", "bob")

	for i := 0; i < 3; i++ {
		if _, err := limiter.Allow(ctx, key, 2, time.Minute); err != nil {
			t.Fatalf("allow: %v", err)
		}
	}
	if allowed, _ := limiter.Allow(ctx, key, 2, time.Minute); allowed {
		t.Fatal("expected denial before window expiry")
	}

	mr.FastForward(61 * time.Second)

	allowed, err := limiter.Allow(ctx, key, 2, time.Minute)
	if err != nil {
		t.Fatalf("allow after expiry: %v", err)
	}
	if !allowed {
		t.Fatal("expected fresh window after expiry")
	}
}

func TestRemainingAndResetIn(t *testing.T) {
	limiter, _, done := newLimiterTest(t)
	defer done()
	ctx := context.Background()
	key := limiter.Key("login:ip", "10.0.0.1")

	remaining, err := limiter.Remaining(ctx, key, 5)
	if err != nil {
		t.Fatalf("remaining on missing key: %v", err)
	}
	if remaining != 5 {
		t.Fatalf("expected full budget, got %d", remaining)
	}

	if _, err := limiter.Allow(ctx, key, 5, time.Minute); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if _, err := limiter.Allow(ctx, key, 5, time.Minute); err != nil {
		t.Fatalf("allow: %v", err)
	}

	remaining, err = limiter.Remaining(ctx, key, 5)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected 3 remaining, got %d", remaining)
	}

	resetIn, err := limiter.ResetIn(ctx, key)
	if err != nil {
		t.Fatalf("resetIn: %v", err)
	}
	if resetIn <= 0 || resetIn > time.Minute {
		t.Fatalf("unexpected resetIn: %v", resetIn)
	}
}

func TestClearEndsWindow(t *testing.T) {
	limiter, _, done := newLimiterTest(t)
	defer done()
	ctx := context.Background()
	key := limiter.Key("register", "10.0.0.2")

	for i := 0; i < 2; i++ {
		if _, err := limiter.Allow(ctx, key, 1, time.Minute); err != nil {
			t.Fatalf("allow: %v", err)
		}
	}
	if err := limiter.Clear(ctx, key); err != nil {
		t.Fatalf("clear: %v", err)
	}

	allowed, err := limiter.Allow(ctx, key, 1, time.Minute)
	if err != nil {
		t.Fatalf("allow after clear: %v", err)
	}
	if !allowed {
		t.Fatal("expected fresh budget after clear")
	}
}

func TestAllowFailsOpenOnRedisOutage(t *testing.T) {
	limiter, mr, done := newLimiterTest(t)
	defer done()
	ctx := context.Background()

	warned := false
	limiter.warn = func(string, ...any) { warned = true }

	mr.Close()

	allowed, err := limiter.Allow(ctx, limiter.Key("login:id", "carol"), 1, time.Minute)
	if !allowed {
		t.Fatal("limiter must fail open when redis is down")
	}
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
	if !warned {
		t.Fatal("expected warn hook to fire")
	}
}
