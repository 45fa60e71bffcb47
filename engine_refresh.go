package authgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/kovelo/authgate/internal/metrics"
	"github.com/kovelo/authgate/session"
	"github.com/kovelo/authgate/token"
)

// Refresh exchanges a refresh token for a new access/refresh pair using
// rotation-on-use. The presented token is revoked atomically with the
// issuance of its successor; presenting an already-rotated token is treated
// as compromise and revokes the session with its entire refresh chain.
//
// Revocation and session checks fail CLOSED: an unreachable cache surfaces
// ErrCacheUnavailable rather than letting a revoked token pass.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	claims, err := e.tokens.Validate(refreshToken)
	if err != nil {
		e.metrics.Inc(metrics.MetricRefreshFailure)
		return nil, mapTokenErr(err)
	}
	if claims.TokenType != token.TypeRefresh {
		e.metrics.Inc(metrics.MetricRefreshFailure)
		return nil, ErrRefreshInvalid
	}

	allowed, rlErr := e.limiter.Allow(ctx,
		e.limiter.Key("refresh", claims.UserID),
		e.config.RateLimit.RefreshLimit,
		e.config.RateLimit.RefreshWindow,
	)
	if rlErr != nil {
		e.warn("authgate: refresh rate check degraded: %v", rlErr)
	}
	if !allowed {
		e.metrics.Inc(metrics.MetricRefreshRateLimited)
		return nil, ErrRefreshRateLimited
	}

	// The session must still be live; a superseded or revoked session must
	// not be resurrected through its refresh chain.
	sess, err := e.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			e.metrics.Inc(metrics.MetricRefreshFailure)
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if !sess.Active() {
		e.metrics.Inc(metrics.MetricRefreshFailure)
		return nil, ErrSessionRevoked
	}

	result, err := e.tokens.Rotate(ctx, refreshToken, clientIPFromContext(ctx), userAgentFromContext(ctx))
	if err != nil {
		e.metrics.Inc(metrics.MetricRefreshFailure)

		if errors.Is(err, token.ErrRefreshReuse) {
			e.escalateReuse(ctx, claims)
			return nil, ErrRefreshReuse
		}
		if errors.Is(err, token.ErrRefreshRevoked) {
			return nil, ErrRefreshRevoked
		}
		if errors.Is(err, token.ErrRefreshNotFound) {
			return nil, ErrRefreshInvalid
		}
		return nil, mapTokenErr(err)
	}

	if err := e.sessions.Touch(ctx, claims.SessionID, e.config.Policy.SessionTimeout); err != nil {
		e.warn("authgate: session touch failed: %v", err)
	}

	e.metrics.Inc(metrics.MetricRefreshSuccess)
	e.emitAudit(ctx, "token.refreshed", AuditInfo, true, func(ev *AuditEvent) {
		ev.UserID = result.UserID
		ev.SessionID = result.SessionID
	})

	return &RefreshResult{
		UserID:       result.UserID,
		Username:     result.Username,
		SessionID:    result.SessionID,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}, nil
}

// escalateReuse handles a replayed refresh token: the whole rotation chain
// and the session it belongs to are revoked, and a critical audit event is
// emitted.
func (e *Engine) escalateReuse(ctx context.Context, claims *token.Claims) {
	e.metrics.Inc(metrics.MetricRefreshReuseDetected)

	if _, err := e.tokens.Store().RevokeChain(ctx, claims.SessionID); err != nil {
		e.warn("authgate: chain revocation on reuse failed: %v", err)
	}
	if err := e.sessions.Terminate(ctx, claims.SessionID, session.StatusRevoked, "refresh token reuse"); err != nil {
		e.warn("authgate: session revocation on reuse failed: %v", err)
	}
	e.metrics.Inc(metrics.MetricSessionRevoked)

	e.emitAudit(ctx, "token.reuse_detected", AuditCritical, false, func(ev *AuditEvent) {
		ev.UserID = claims.UserID
		ev.SessionID = claims.SessionID
		ev.Reason = "refresh token reuse"
	})
}

func (e *Engine) wrapCacheErr(err error) error {
	if errors.Is(err, token.ErrRedisUnavailable) || errors.Is(err, session.ErrRedisUnavailable) {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return err
}

func mapTokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, token.ErrCSRFMismatch):
		return ErrCSRFMismatch
	case errors.Is(err, token.ErrWrongTokenType), errors.Is(err, token.ErrTokenInvalid):
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case errors.Is(err, token.ErrRedisUnavailable):
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	default:
		return err
	}
}
