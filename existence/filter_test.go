package existence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	usernames []string
	emails    []string
	phones    []string
	err       error
}

func (s *fakeSource) Identifiers(_ context.Context, kind Kind) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	switch kind {
	case KindUsername:
		return s.usernames, nil
	case KindEmail:
		return s.emails, nil
	case KindPhone:
		return s.phones, nil
	}
	return nil, nil
}

func waitWarm(t *testing.T, f *Filter, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.IsAvailable() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("filter never reached available=%v", want)
}

func waitFallback(t *testing.T, f *Filter) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := f.Snapshot()
		if snap.Fallback && !snap.Available && snap.WarmedAt.IsZero() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("filter never entered fallback")
}

func TestUnwarmedFilterAnswersTrue(t *testing.T) {
	f := New(Config{})

	require.True(t, f.MightExist(KindUsername, "anything"))
	require.True(t, f.IsUsingFallback())
	require.False(t, f.IsAvailable())
}

func TestWarmUpGivesAuthoritativeNegatives(t *testing.T) {
	f := New(Config{ExpectedItems: 1000, FalsePositiveRate: 0.01})
	source := &fakeSource{
		usernames: []string{"alice", "Bob", " carol "},
		emails:    []string{"alice@example.com"},
	}

	f.WarmUp(context.Background(), source)
	waitWarm(t, f, true)

	// Loaded identifiers hit, normalization applied.
	require.True(t, f.MightExist(KindUsername, "alice"))
	require.True(t, f.MightExist(KindUsername, "BOB"))
	require.True(t, f.MightExist(KindUsername, "carol"))
	require.True(t, f.MightExist(KindEmail, "Alice@Example.com"))

	// Negatives are authoritative once warm.
	require.False(t, f.MightExist(KindUsername, "zelda-unregistered"))
	require.False(t, f.MightExist(KindPhone, "+15550001111"))

	snap := f.Snapshot()
	require.True(t, snap.Available)
	require.Equal(t, uint64(3), snap.Kinds[KindUsername].Added)
	require.False(t, snap.WarmedAt.IsZero())
}

func TestNoFalseNegativesOverInsertedSet(t *testing.T) {
	f := New(Config{ExpectedItems: 10_000, FalsePositiveRate: 0.01})
	source := &fakeSource{}
	for i := 0; i < 5000; i++ {
		source.usernames = append(source.usernames, fmt.Sprintf("user-%d", i))
	}

	f.WarmUp(context.Background(), source)
	waitWarm(t, f, true)

	for i := 0; i < 5000; i++ {
		require.True(t, f.MightExist(KindUsername, fmt.Sprintf("user-%d", i)))
	}
}

func TestAddTracksBetweenWarmUps(t *testing.T) {
	f := New(Config{ExpectedItems: 1000})
	f.WarmUp(context.Background(), &fakeSource{})
	waitWarm(t, f, true)

	require.False(t, f.MightExist(KindUsername, "dana"))
	f.AddUser("dana", "dana@example.com", "")
	require.True(t, f.MightExist(KindUsername, "dana"))
	require.True(t, f.MightExist(KindEmail, "dana@example.com"))
	// Empty phone was skipped.
	require.Zero(t, f.Snapshot().Kinds[KindPhone].Added)
}

func TestWarmUpFailureEntersFallback(t *testing.T) {
	f := New(Config{ExpectedItems: 1000})
	f.WarmUp(context.Background(), &fakeSource{err: errors.New("store down")})
	waitFallback(t, f)

	// Fallback degrades to always-true rather than risking a duplicate.
	require.True(t, f.MightExist(KindUsername, "never-inserted"))

	// A later successful warm-up recovers.
	f.WarmUp(context.Background(), &fakeSource{usernames: []string{"alice"}})
	waitWarm(t, f, true)
	require.False(t, f.MightExist(KindUsername, "never-inserted"))
}

func TestResetReturnsToUnready(t *testing.T) {
	f := New(Config{ExpectedItems: 1000})
	f.WarmUp(context.Background(), &fakeSource{usernames: []string{"alice"}})
	waitWarm(t, f, true)

	f.Reset()
	require.False(t, f.IsAvailable())
	require.True(t, f.MightExist(KindUsername, "anything"))
	require.Zero(t, f.Snapshot().Kinds[KindUsername].Added)
}
