package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kovelo/authgate/session"
	"github.com/kovelo/authgate/token"
)

// ValidateToken verifies an access token end to end: signature against the
// retained key version that issued it, expiry with clock-skew leeway, CSRF
// binding when present, the logout blacklist, and the liveness of the
// session the token is bound to. Blacklist and session checks fail CLOSED.
//
// csrf may be empty when CSRF protection is disabled or the token carries no
// binding.
func (e *Engine) ValidateToken(ctx context.Context, accessToken, csrf string) (*TokenInfo, error) {
	claims, err := e.tokens.ValidateAccess(accessToken, csrf)
	if err != nil {
		return nil, mapTokenErr(err)
	}

	blacklisted, err := e.tokens.Store().IsBlacklisted(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if blacklisted {
		return nil, ErrTokenInvalid
	}

	sess, err := e.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if !sess.Active() {
		return nil, ErrSessionRevoked
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return &TokenInfo{
		UserID:     claims.UserID,
		Username:   claims.Subject,
		SessionID:  claims.SessionID,
		TokenType:  claims.TokenType,
		ExpiresAt:  expiresAt,
		KeyVersion: claims.KeyVersion,
	}, nil
}

// IssueShortLivedToken creates a token for one-shot elevated flows such as
// password reset. ttl <= 0 uses the configured default.
func (e *Engine) IssueShortLivedToken(userID, username string, ttl time.Duration) (string, error) {
	return e.tokens.IssueShortLived(userID, username, ttl)
}

// ValidateShortLivedToken verifies a short-lived token and returns its
// subject.
func (e *Engine) ValidateShortLivedToken(tokenStr string) (*TokenInfo, error) {
	claims, err := e.tokens.Validate(tokenStr)
	if err != nil {
		return nil, mapTokenErr(err)
	}
	if claims.TokenType != token.TypeShort {
		return nil, ErrTokenInvalid
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return &TokenInfo{
		UserID:     claims.UserID,
		Username:   claims.Subject,
		TokenType:  claims.TokenType,
		ExpiresAt:  expiresAt,
		KeyVersion: claims.KeyVersion,
	}, nil
}
