package authgate

import (
	"context"
	"fmt"
	"time"

	"github.com/kovelo/authgate/internal/metrics"
	"github.com/kovelo/authgate/session"
)

// Logout ends the session behind an access token: the session record is
// marked LOGGED_OUT, the access token is blacklisted for its remaining
// lifetime, and the session's whole refresh chain is revoked.
//
// The access token is accepted even when expired; a user must always be able
// to log out.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	claims, err := e.tokens.ValidateAllowExpired(accessToken)
	if err != nil {
		return mapTokenErr(err)
	}
	if claims.SessionID == "" {
		return ErrTokenInvalid
	}

	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining > 0 {
			if err := e.tokens.Store().Blacklist(ctx, accessToken, remaining); err != nil {
				return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
			}
		}
	}

	if _, err := e.tokens.Store().RevokeChain(ctx, claims.SessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if err := e.sessions.Terminate(ctx, claims.SessionID, session.StatusLoggedOut, "logout"); err != nil {
		return e.wrapCacheErr(err)
	}

	e.metrics.Inc(metrics.MetricLogout)
	e.emitAudit(ctx, "logout", AuditInfo, true, func(ev *AuditEvent) {
		ev.UserID = claims.UserID
		ev.SessionID = claims.SessionID
	})
	return nil
}

// LogoutAll terminates every live session of a user and revokes all their
// refresh chains. Returns the number of sessions ended.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	sessions, err := e.sessions.List(ctx, userID)
	if err != nil {
		return 0, e.wrapCacheErr(err)
	}

	ended := 0
	for _, sess := range sessions {
		if !sess.Active() {
			continue
		}
		if _, err := e.tokens.Store().RevokeChain(ctx, sess.SessionID); err != nil {
			return ended, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		if err := e.sessions.Terminate(ctx, sess.SessionID, session.StatusLoggedOut, "logout all"); err != nil {
			return ended, e.wrapCacheErr(err)
		}
		ended++
		e.metrics.Inc(metrics.MetricLogout)
	}

	e.emitAudit(ctx, "logout.all", AuditInfo, true, func(ev *AuditEvent) {
		ev.UserID = userID
	})
	return ended, nil
}

// RevokeSession forcibly revokes one session and its refresh chain, for
// administrative or security use.
func (e *Engine) RevokeSession(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = "revoked"
	}

	if _, err := e.tokens.Store().RevokeChain(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if err := e.sessions.Terminate(ctx, sessionID, session.StatusRevoked, reason); err != nil {
		return e.wrapCacheErr(err)
	}

	e.metrics.Inc(metrics.MetricSessionRevoked)
	e.emitAudit(ctx, "session.revoked", AuditWarning, true, func(ev *AuditEvent) {
		ev.SessionID = sessionID
		ev.Reason = reason
	})
	return nil
}

// UserSessions lists a user's retained sessions, including terminal ones
// still within TTL.
func (e *Engine) UserSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	sessions, err := e.sessions.List(ctx, userID)
	if err != nil {
		return nil, e.wrapCacheErr(err)
	}
	return sessions, nil
}
