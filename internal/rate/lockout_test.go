package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLockoutTest(t *testing.T, cfg LockoutConfig) (*Lockout, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLockout(rdb, "ag", cfg), mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestLockAfterThreshold(t *testing.T) {
	lockout, _, done := newLockoutTest(t, LockoutConfig{
		MaxLoginAttempts: 3,
		LockDuration:     15 * time.Minute,
	})
	defer done()
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		nowLocked, err := lockout.RecordFailure(ctx, "alice", "")
		if err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		if nowLocked {
			t.Fatalf("locked too early at failure %d", i)
		}
	}

	nowLocked, err := lockout.RecordFailure(ctx, "alice", "")
	if err != nil {
		t.Fatalf("record failure 3: %v", err)
	}
	if !nowLocked {
		t.Fatal("expected lock at threshold")
	}

	locked, err := lockout.UserLocked(ctx, "alice")
	if err != nil {
		t.Fatalf("userLocked: %v", err)
	}
	if !locked {
		t.Fatal("expected user to be locked")
	}
}

func TestLockExpiresAfterDuration(t *testing.T) {
	lockout, mr, done := newLockoutTest(t, LockoutConfig{
		MaxLoginAttempts: 2,
		LockDuration:     time.Minute,
	})
	defer done()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := lockout.RecordFailure(ctx, "bob", ""); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if locked, _ := lockout.UserLocked(ctx, "bob"); !locked {
		t.Fatal("expected lock")
	}

	mr.FastForward(61 * time.Second)

	locked, err := lockout.UserLocked(ctx, "bob")
	if err != nil {
		t.Fatalf("userLocked after expiry: %v", err)
	}
	if locked {
		t.Fatal("lock should expire with the counter TTL")
	}
}

func TestIPLockoutIndependentOfUser(t *testing.T) {
	lockout, _, done := newLockoutTest(t, LockoutConfig{
		MaxLoginAttempts: 10,
		LockDuration:     15 * time.Minute,
		IPMaxAttempts:    2,
		IPLockDuration:   15 * time.Minute,
		EnableIPLockout:  true,
	})
	defer done()
	ctx := context.Background()

	// Two different identifiers from the same IP.
	if _, err := lockout.RecordFailure(ctx, "alice", "10.0.0.9"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if _, err := lockout.RecordFailure(ctx, "bob", "10.0.0.9"); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	ipLocked, err := lockout.IPLocked(ctx, "10.0.0.9")
	if err != nil {
		t.Fatalf("ipLocked: %v", err)
	}
	if !ipLocked {
		t.Fatal("expected IP lock at threshold")
	}

	if locked, _ := lockout.UserLocked(ctx, "alice"); locked {
		t.Fatal("user counter must stay below its own threshold")
	}
}

func TestResetClearsOnlyIdentifierCounter(t *testing.T) {
	lockout, _, done := newLockoutTest(t, LockoutConfig{
		MaxLoginAttempts: 2,
		LockDuration:     15 * time.Minute,
		IPMaxAttempts:    2,
		IPLockDuration:   15 * time.Minute,
		EnableIPLockout:  true,
	})
	defer done()
	ctx := context.Background()

	if _, err := lockout.RecordFailure(ctx, "carol", "10.0.0.7"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := lockout.Reset(ctx, "carol"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	count, err := lockout.FailureCount(ctx, "carol")
	if err != nil {
		t.Fatalf("failureCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero failures after reset, got %d", count)
	}

	// The shared IP counter survives the reset: one more failure from the
	// same address still trips the IP threshold.
	if _, err := lockout.RecordFailure(ctx, "dave", "10.0.0.7"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	ipLocked, err := lockout.IPLocked(ctx, "10.0.0.7")
	if err != nil {
		t.Fatalf("ipLocked: %v", err)
	}
	if !ipLocked {
		t.Fatal("reset must not clear the shared IP counter")
	}
}
