package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRegistryTest(t *testing.T) (*Registry, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRegistry(rdb, "ag"), mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func makeSession(sid, uid string, issuedAt time.Time) *Session {
	return &Session{
		SessionID:      sid,
		UserID:         uid,
		Username:       "alice",
		IssuedAt:       issuedAt.Unix(),
		LastActivityAt: issuedAt.Unix(),
		ExpiresAt:      issuedAt.Add(time.Hour).Unix(),
		ClientIP:       "10.0.0.1",
		Status:         StatusActive,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	sess := makeSession("sid-1", "u-1", time.Now())
	if err := r.Register(ctx, sess, time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u-1" || got.Status != StatusActive {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("expected schema version stamped, got %d", got.SchemaVersion)
	}

	if _, err := r.Get(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegisterExclusiveSupersedes(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	old := makeSession("sid-old", "u-1", time.Now().Add(-time.Minute))
	if err := r.Register(ctx, old, time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}

	fresh := makeSession("sid-new", "u-1", time.Now())
	evicted, err := r.RegisterExclusive(ctx, fresh, time.Hour)
	if err != nil {
		t.Fatalf("registerExclusive: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}

	// The superseded record stays visible for the rest of its TTL, revoked
	// rather than logged out: the user did not end it.
	got, err := r.Get(ctx, "sid-old")
	if err != nil {
		t.Fatalf("get superseded: %v", err)
	}
	if got.Status != StatusRevoked || got.LogoutReason != ReasonSuperseded {
		t.Fatalf("unexpected superseded record: %+v", got)
	}
	if got.LogoutTime == 0 {
		t.Fatal("expected logout time recorded")
	}

	got, err = r.Get(ctx, "sid-new")
	if err != nil || !got.Active() {
		t.Fatalf("new session should be live: %+v %v", got, err)
	}

	count, err := r.ActiveCount(ctx, "u-1")
	if err != nil || count != 1 {
		t.Fatalf("activeCount: %d %v", count, err)
	}
}

func TestRegisterExclusiveSkipsTerminalSessions(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	old := makeSession("sid-old", "u-1", time.Now().Add(-time.Minute))
	if err := r.Register(ctx, old, time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Terminate(ctx, "sid-old", StatusLoggedOut, "logout"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	evicted, err := r.RegisterExclusive(ctx, makeSession("sid-new", "u-1", time.Now()), time.Hour)
	if err != nil {
		t.Fatalf("registerExclusive: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("terminal sessions must not count as evictions, got %d", evicted)
	}

	// Explicit logout reason survives.
	got, err := r.Get(ctx, "sid-old")
	if err != nil || got.LogoutReason != "logout" {
		t.Fatalf("unexpected record: %+v %v", got, err)
	}
}

func TestRegisterLimitedDeniesAtCap(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if _, err := r.RegisterLimited(ctx, makeSession("sid-1", "u-1", time.Now()), time.Hour, 1, false); err != nil {
		t.Fatalf("first registration: %v", err)
	}

	_, err := r.RegisterLimited(ctx, makeSession("sid-2", "u-1", time.Now()), time.Hour, 1, false)
	if !errors.Is(err, ErrSessionLimitReached) {
		t.Fatalf("expected ErrSessionLimitReached, got %v", err)
	}

	// The denied session left no trace.
	if _, err := r.Get(ctx, "sid-2"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("denied session was stored: %v", err)
	}
	count, err := r.ActiveCount(ctx, "u-1")
	if err != nil || count != 1 {
		t.Fatalf("activeCount: %d %v", count, err)
	}
}

func TestRegisterLimitedEvictsOldestAtCap(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	base := time.Now()
	for i, sid := range []string{"sid-1", "sid-2"} {
		if _, err := r.RegisterLimited(ctx, makeSession(sid, "u-1", base.Add(time.Duration(i)*time.Minute)), time.Hour, 2, true); err != nil {
			t.Fatalf("register %s: %v", sid, err)
		}
	}

	evicted, err := r.RegisterLimited(ctx, makeSession("sid-3", "u-1", base.Add(2*time.Minute)), time.Hour, 2, true)
	if err != nil {
		t.Fatalf("register over cap: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "sid-1" {
		t.Fatalf("unexpected evictions: %v", evicted)
	}

	got, err := r.Get(ctx, "sid-1")
	if err != nil || got.Status != StatusRevoked || got.LogoutReason != ReasonEvicted {
		t.Fatalf("unexpected evicted record: %+v %v", got, err)
	}
	count, err := r.ActiveCount(ctx, "u-1")
	if err != nil || count != 2 {
		t.Fatalf("activeCount: %d %v", count, err)
	}
}

func TestRegisterLimitedHoldsCapUnderConcurrency(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := makeSession(fmt.Sprintf("sid-%d", i), "u-1", time.Now())
			_, errs[i] = r.RegisterLimited(ctx, sess, time.Hour, 2, false)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for i, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrSessionLimitReached):
		default:
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	if admitted != 2 {
		t.Fatalf("expected exactly 2 admissions, got %d", admitted)
	}
	count, err := r.ActiveCount(ctx, "u-1")
	if err != nil || count != 2 {
		t.Fatalf("activeCount: %d %v", count, err)
	}
}

func TestListCompactsDeadReferences(t *testing.T) {
	r, mr, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	for _, sid := range []string{"sid-1", "sid-2", "sid-3"} {
		if err := r.Register(ctx, makeSession(sid, "u-1", time.Now()), time.Hour); err != nil {
			t.Fatalf("register %s: %v", sid, err)
		}
	}

	// Simulate a record expiring out from under its index entry.
	mr.Del("ag:sess:sid-2")

	sessions, err := r.List(ctx, "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	for _, sess := range sessions {
		if sess.SessionID == "sid-2" {
			t.Fatal("dead reference survived compaction")
		}
	}
}

func TestListOrdersByIssueTime(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	base := time.Now()
	// Register out of order.
	for i, sid := range []string{"sid-b", "sid-c", "sid-a"} {
		offsets := []time.Duration{time.Minute, 2 * time.Minute, 0}
		if err := r.Register(ctx, makeSession(sid, "u-1", base.Add(offsets[i])), time.Hour); err != nil {
			t.Fatalf("register %s: %v", sid, err)
		}
	}

	sessions, err := r.List(ctx, "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"sid-a", "sid-b", "sid-c"}
	for i, sess := range sessions {
		if sess.SessionID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, sess.SessionID, want[i])
		}
	}
}

func TestEvictOldestKeepsNewest(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	base := time.Now()
	for i, sid := range []string{"sid-1", "sid-2", "sid-3"} {
		if err := r.Register(ctx, makeSession(sid, "u-1", base.Add(time.Duration(i)*time.Minute)), time.Hour); err != nil {
			t.Fatalf("register %s: %v", sid, err)
		}
	}

	evicted, err := r.EvictOldest(ctx, "u-1", 1, ReasonEvicted)
	if err != nil {
		t.Fatalf("evictOldest: %v", err)
	}
	if len(evicted) != 2 || evicted[0] != "sid-1" || evicted[1] != "sid-2" {
		t.Fatalf("unexpected evictions: %v", evicted)
	}

	got, err := r.Get(ctx, "sid-3")
	if err != nil || !got.Active() {
		t.Fatalf("newest session should survive: %+v %v", got, err)
	}
	got, err = r.Get(ctx, "sid-1")
	if err != nil || got.Status != StatusRevoked || got.LogoutReason != ReasonEvicted {
		t.Fatalf("unexpected evicted record: %+v %v", got, err)
	}

	// Under the cap nothing more is evicted.
	evicted, err = r.EvictOldest(ctx, "u-1", 1, ReasonEvicted)
	if err != nil || evicted != nil {
		t.Fatalf("expected no further evictions: %v %v", evicted, err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if err := r.Register(ctx, makeSession("sid-1", "u-1", time.Now()), time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Terminate(ctx, "sid-1", StatusRevoked, "compromise"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	// A second terminate must not overwrite the recorded reason.
	if err := r.Terminate(ctx, "sid-1", StatusLoggedOut, "logout"); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	got, err := r.Get(ctx, "sid-1")
	if err != nil || got.Status != StatusRevoked || got.LogoutReason != "compromise" {
		t.Fatalf("terminal state was rewritten: %+v %v", got, err)
	}

	// Terminating a missing session is a no-op.
	if err := r.Terminate(ctx, "missing", StatusRevoked, "x"); err != nil {
		t.Fatalf("terminate missing: %v", err)
	}
}

func TestTerminateAll(t *testing.T) {
	r, _, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	for _, sid := range []string{"sid-1", "sid-2"} {
		if err := r.Register(ctx, makeSession(sid, "u-1", time.Now()), time.Hour); err != nil {
			t.Fatalf("register %s: %v", sid, err)
		}
	}

	n, err := r.TerminateAll(ctx, "u-1", StatusLoggedOut, "logout all")
	if err != nil || n != 2 {
		t.Fatalf("terminateAll: %d %v", n, err)
	}

	stats, err := r.UserStats(ctx, "u-1")
	if err != nil {
		t.Fatalf("userStats: %v", err)
	}
	if stats.Total != 2 || stats.Active != 0 || stats.LoggedOut != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTouchSlidesExpiry(t *testing.T) {
	r, mr, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if err := r.Register(ctx, makeSession("sid-1", "u-1", time.Now()), 10*time.Minute); err != nil {
		t.Fatalf("register: %v", err)
	}

	mr.FastForward(8 * time.Minute)
	if err := r.Touch(ctx, "sid-1", 10*time.Minute); err != nil {
		t.Fatalf("touch: %v", err)
	}

	// Past the original deadline but within the slid window.
	mr.FastForward(5 * time.Minute)
	got, err := r.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("session should have survived the touch: %v", err)
	}
	if got.LastActivityAt <= got.IssuedAt {
		t.Fatal("expected last activity to advance")
	}

	mr.FastForward(10 * time.Minute)
	if _, err := r.Get(ctx, "sid-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expiry after idle window, got %v", err)
	}
}

func TestTouchLeavesTerminalSessionsDead(t *testing.T) {
	r, mr, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if err := r.Register(ctx, makeSession("sid-1", "u-1", time.Now()), 10*time.Minute); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Terminate(ctx, "sid-1", StatusRevoked, "compromise"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	// A touch racing in after revocation must not bring the record back or
	// extend its life.
	if err := r.Touch(ctx, "sid-1", time.Hour); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, err := r.Get(ctx, "sid-1")
	if err != nil || got.Status != StatusRevoked || got.LogoutReason != "compromise" {
		t.Fatalf("revoked session resurrected: %+v %v", got, err)
	}

	// The original TTL still governs the record.
	mr.FastForward(11 * time.Minute)
	if _, err := r.Get(ctx, "sid-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expiry on the original TTL, got %v", err)
	}
}

func TestDecodeRejectsCorruptBlobs(t *testing.T) {
	if _, err := Decode([]byte("{not json")); !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("expected ErrSessionCorrupt, got %v", err)
	}
	if _, err := Decode([]byte(`{"sid":"x","schema_version":99}`)); !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("expected ErrSessionCorrupt for future schema, got %v", err)
	}
}

func TestRegistryFailsClosedOnOutage(t *testing.T) {
	r, mr, done := newRegistryTest(t)
	defer done()
	ctx := context.Background()

	if err := r.Register(ctx, makeSession("sid-1", "u-1", time.Now()), time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}
	mr.Close()

	if _, err := r.Get(ctx, "sid-1"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
	if _, err := r.Ping(ctx); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable from ping, got %v", err)
	}
}
