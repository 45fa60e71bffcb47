package token

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kovelo/authgate/keys"
)

func newTokenTest(t *testing.T, cfg Config) (*Manager, *keys.Manager, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	factory, err := keys.NewFactory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	keyManager := keys.NewManager(factory)
	if err := keyManager.Register("token", keys.AlgorithmEd25519, nil); err != nil {
		t.Fatalf("register namespace: %v", err)
	}

	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "authgate-test"
	}

	manager, err := NewManager(keyManager, NewStore(rdb, "ag"), cfg)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	return manager, keyManager, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIssueAndValidateAccess(t *testing.T) {
	m, _, _, done := newTokenTest(t, Config{})
	defer done()

	tok, err := m.IssueAccess("u-1", "alice", "sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "u-1" || claims.Subject != "alice" || claims.SessionID != "sid-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.TokenType != TypeAccess {
		t.Fatalf("expected access type, got %q", claims.TokenType)
	}
	if claims.KeyVersion != 1 {
		t.Fatalf("expected key version 1, got %d", claims.KeyVersion)
	}
}

func TestValidateRejectsGarbageAndWrongIssuer(t *testing.T) {
	m, _, _, done := newTokenTest(t, Config{})
	defer done()

	if _, err := m.Validate("not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	other, _, _, otherDone := newTokenTest(t, Config{Issuer: "someone-else"})
	defer otherDone()
	foreign, err := other.IssueAccess("u-1", "alice", "sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Validate(foreign); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for foreign issuer, got %v", err)
	}
}

func TestValidateAfterKeyRotation(t *testing.T) {
	m, keyManager, _, done := newTokenTest(t, Config{})
	defer done()

	oldToken, err := m.IssueAccess("u-1", "alice", "sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := keyManager.Rotate("token"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Pre-rotation token still validates through its retained version.
	claims, err := m.Validate(oldToken)
	if err != nil {
		t.Fatalf("validate old token: %v", err)
	}
	if claims.KeyVersion != 1 {
		t.Fatalf("expected key version 1, got %d", claims.KeyVersion)
	}

	newToken, err := m.IssueAccess("u-1", "alice", "sid-1")
	if err != nil {
		t.Fatalf("issue after rotation: %v", err)
	}
	claims, err = m.Validate(newToken)
	if err != nil {
		t.Fatalf("validate new token: %v", err)
	}
	if claims.KeyVersion != 2 {
		t.Fatalf("expected key version 2, got %d", claims.KeyVersion)
	}
}

func TestCSRFBindingMismatchIsDistinct(t *testing.T) {
	m, _, _, done := newTokenTest(t, Config{CSRFProtection: true})
	defer done()

	tok, csrf, err := m.IssueAccessWithCSRF("u-1", "alice", "sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.ValidateAccess(tok, csrf); err != nil {
		t.Fatalf("validate with correct csrf: %v", err)
	}

	_, err = m.ValidateAccess(tok, "wrong")
	if !errors.Is(err, ErrCSRFMismatch) {
		t.Fatalf("expected ErrCSRFMismatch, got %v", err)
	}
	if errors.Is(err, ErrTokenInvalid) {
		t.Fatal("csrf mismatch must not be reported as signature failure")
	}
}

func TestExpiredTokenDetection(t *testing.T) {
	m, _, _, done := newTokenTest(t, Config{AccessTTL: time.Nanosecond})
	defer done()

	tok, err := m.IssueAccess("u-1", "alice", "sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := m.Validate(tok); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	expired, err := m.IsExpired(tok)
	if err != nil {
		t.Fatalf("isExpired: %v", err)
	}
	if !expired {
		t.Fatal("expected expired")
	}

	// Signature still verifies on the expiry-tolerant path used by logout.
	claims, err := m.ValidateAllowExpired(tok)
	if err != nil {
		t.Fatalf("validateAllowExpired: %v", err)
	}
	if claims.SessionID != "sid-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestClockSkewLeeway(t *testing.T) {
	m, _, _, done := newTokenTest(t, Config{AccessTTL: time.Nanosecond, ClockSkew: time.Minute})
	defer done()

	tok, err := m.IssueAccess("u-1", "alice", "sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Within the skew window the token is still accepted.
	if _, err := m.Validate(tok); err != nil {
		t.Fatalf("validate within leeway: %v", err)
	}
}

func TestExtractionHelpers(t *testing.T) {
	m, _, _, done := newTokenTest(t, Config{})
	defer done()

	tok, err := m.IssueShortLived("u-9", "dana", 10*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	uid, err := m.ExtractUserID(tok)
	if err != nil || uid != "u-9" {
		t.Fatalf("extractUserID: %q %v", uid, err)
	}
	username, err := m.ExtractUsername(tok)
	if err != nil || username != "dana" {
		t.Fatalf("extractUsername: %q %v", username, err)
	}
	exp, err := m.ExtractExpiration(tok)
	if err != nil {
		t.Fatalf("extractExpiration: %v", err)
	}
	if until := time.Until(exp); until < 9*time.Minute || until > 10*time.Minute {
		t.Fatalf("unexpected expiry distance: %v", until)
	}

	soon, err := m.IsAboutToExpire(tok, 15*time.Minute)
	if err != nil || !soon {
		t.Fatalf("isAboutToExpire(15m): %v %v", soon, err)
	}
	soon, err = m.IsAboutToExpire(tok, time.Minute)
	if err != nil || soon {
		t.Fatalf("isAboutToExpire(1m): %v %v", soon, err)
	}
}
