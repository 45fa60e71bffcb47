package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kovelo/authgate/device"
	"github.com/kovelo/authgate/internal"
	"github.com/kovelo/authgate/internal/metrics"
	"github.com/kovelo/authgate/session"
)

// Evaluate runs the login decision state machine for a credential pair:
// rate limits, lockouts, credential verification, account status, session
// limits, and device trust, short-circuiting on the first denial. Failed
// attempts increment lockout counters as a side effect; no session or token
// is created. Login composes Evaluate with issuance.
//
// Client IP and user agent are read from context carriers (WithClientIP,
// WithUserAgent).
func (e *Engine) Evaluate(ctx context.Context, identifier, pw string) (*LoginPolicyResult, error) {
	ip := clientIPFromContext(ctx)

	// Rate limits run before anything stateful and fail open.
	if denied, err := e.loginRateLimited(ctx, identifier, ip); err != nil {
		return denied, err
	}

	// Lockout reads fail closed: an unreachable cache must not let a locked
	// account through.
	if locked, err := e.lockout.IPLocked(ctx, ip); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	} else if locked {
		e.metrics.Inc(metrics.MetricLoginLocked)
		e.auditLoginDenied(ctx, "", identifier, ReasonIPLocked)
		return e.denied(ReasonIPLocked), ErrIPLocked
	}
	if locked, err := e.lockout.UserLocked(ctx, identifier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	} else if locked {
		e.metrics.Inc(metrics.MetricLoginLocked)
		e.auditLoginDenied(ctx, "", identifier, ReasonAccountLocked)
		return e.denied(ReasonAccountLocked), ErrAccountLocked
	}

	user, err := e.verifyCredentials(ctx, identifier, pw, ip)
	if err != nil {
		e.metrics.Inc(metrics.MetricLoginFailure)
		if errors.Is(err, ErrAccountLocked) {
			e.auditLoginDenied(ctx, "", identifier, ReasonAccountLocked)
			return e.denied(ReasonAccountLocked), err
		}
		if errors.Is(err, ErrInvalidCredentials) {
			e.auditLoginDenied(ctx, "", identifier, ReasonInvalidCredentials)
			return e.denied(ReasonInvalidCredentials), err
		}
		return nil, err
	}

	if user.Disabled {
		e.metrics.Inc(metrics.MetricLoginFailure)
		e.auditLoginDenied(ctx, user.UserID, identifier, ReasonAccountDisabled)
		return e.denied(ReasonAccountDisabled), ErrAccountDisabled
	}
	if user.Locked {
		e.metrics.Inc(metrics.MetricLoginFailure)
		e.auditLoginDenied(ctx, user.UserID, identifier, ReasonAccountLocked)
		return e.denied(ReasonAccountLocked), ErrAccountLocked
	}

	// Credentials held: clear the account's failure counter before policy
	// checks so a later policy denial does not keep the user on a lockout
	// path. The shared per-IP counter is left alone.
	if err := e.lockout.Reset(ctx, identifier); err != nil {
		e.warn("authgate: lockout reset failed: %v", err)
	}
	e.maybeUpgradeHash(ctx, user, pw)

	result := &LoginPolicyResult{
		Allowed:  true,
		Reason:   ReasonAllowed,
		UserID:   user.UserID,
		Username: user.Username,
	}

	limit, err := e.checkSessionLimit(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	result.SessionLimit = limit
	if limit != nil && limit.LimitReached && !e.config.Policy.EvictOnNewLogin {
		e.metrics.Inc(metrics.MetricSessionLimitDenied)
		e.auditLoginDenied(ctx, user.UserID, identifier, ReasonSessionLimitExceeded)
		result.Allowed = false
		result.Reason = ReasonSessionLimitExceeded
		return result, ErrSessionLimitExceeded
	}

	if !e.config.Policy.AllowRemoteLogin && ip != "" {
		remote, err := e.hasRemoteActiveSession(ctx, user.UserID, ip)
		if err != nil {
			return nil, err
		}
		if remote {
			e.metrics.Inc(metrics.MetricLoginFailure)
			e.auditLoginDenied(ctx, user.UserID, identifier, ReasonRemoteLoginBlocked)
			result.Allowed = false
			result.Reason = ReasonRemoteLoginBlocked
			return result, ErrRemoteLoginBlocked
		}
	}

	if e.devices != nil {
		e.applyDevicePolicy(ctx, user.UserID, ip, result)
		if !result.Allowed {
			e.metrics.Inc(metrics.MetricDeviceRejected)
			e.auditLoginDenied(ctx, user.UserID, identifier, ReasonDeviceVerificationRequired)
			return result, ErrDeviceVerificationRequired
		}
	}

	return result, nil
}

// Login evaluates the policy and, on ALLOWED, creates the session and issues
// the access/refresh (and CSRF) material. Session-limit enforcement and
// single-session eviction happen atomically with session creation.
func (e *Engine) Login(ctx context.Context, identifier, pw string) (*LoginResult, error) {
	policy, err := e.Evaluate(ctx, identifier, pw)
	if err != nil {
		if policy != nil {
			return &LoginResult{Policy: policy}, err
		}
		return nil, err
	}

	ip := clientIPFromContext(ctx)
	userAgent := userAgentFromContext(ctx)

	sessionID, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}

	refreshToken, refreshMeta, err := e.tokens.IssueRefresh(ctx, policy.UserID, policy.Username, sessionID, ip, userAgent)
	if err != nil {
		return nil, e.wrapCacheErr(err)
	}

	var accessToken, csrfToken string
	if e.config.Token.CSRFProtection {
		accessToken, csrfToken, err = e.tokens.IssueAccessWithCSRF(policy.UserID, policy.Username, sessionID)
	} else {
		accessToken, err = e.tokens.IssueAccess(policy.UserID, policy.Username, sessionID)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &session.Session{
		SessionID:      sessionID,
		UserID:         policy.UserID,
		Username:       policy.Username,
		IssuedAt:       now.Unix(),
		LastActivityAt: now.Unix(),
		ExpiresAt:      now.Add(e.config.Policy.SessionTimeout).Unix(),
		ClientIP:       ip,
		UserAgent:      userAgent,
		Fingerprint:    device.Fingerprint(userAgent),
		RefreshID:      refreshMeta.RefreshID,
		Status:         session.StatusActive,
	}

	if err := e.registerSession(ctx, sess); err != nil {
		// The refresh token was already persisted; kill it so a denied
		// login leaves no usable material behind.
		if revErr := e.tokens.Store().Revoke(ctx, refreshMeta.RefreshID); revErr != nil {
			e.warn("authgate: refresh revocation after denied registration failed: %v", revErr)
		}
		if errors.Is(err, ErrSessionLimitExceeded) {
			e.metrics.Inc(metrics.MetricSessionLimitDenied)
			e.auditLoginDenied(ctx, policy.UserID, identifier, ReasonSessionLimitExceeded)
			denied := *policy
			denied.Allowed = false
			denied.Reason = ReasonSessionLimitExceeded
			return &LoginResult{Policy: &denied}, ErrSessionLimitExceeded
		}
		return nil, err
	}

	if e.devices != nil {
		if err := e.devices.RecordUsage(ctx, policy.UserID, ip, userAgent); err != nil {
			e.warn("authgate: device usage record failed: %v", err)
		}
	}

	e.metrics.Inc(metrics.MetricLoginSuccess)
	e.metrics.Inc(metrics.MetricSessionCreated)
	e.emitAudit(ctx, "login.success", AuditInfo, true, func(ev *AuditEvent) {
		ev.UserID = policy.UserID
		ev.SessionID = sessionID
		ev.Reason = string(ReasonAllowed)
	})

	return &LoginResult{
		Policy:           policy,
		SessionID:        sessionID,
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		CSRFToken:        csrfToken,
		AccessExpiresAt:  now.Add(e.config.Token.AccessTTL),
		RefreshExpiresAt: now.Add(e.config.Token.RefreshTTL),
	}, nil
}

func (e *Engine) loginRateLimited(ctx context.Context, identifier, ip string) (*LoginPolicyResult, error) {
	allowed, err := e.limiter.Allow(ctx,
		e.limiter.Key("login:id", identifier),
		e.config.RateLimit.LoginLimit,
		e.config.RateLimit.LoginWindow,
	)
	if err != nil {
		e.warn("authgate: login rate check degraded: %v", err)
	}
	if !allowed {
		e.metrics.Inc(metrics.MetricLoginRateLimited)
		e.auditLoginDenied(ctx, "", identifier, ReasonRateLimitExceeded)
		return e.denied(ReasonRateLimitExceeded), ErrLoginRateLimited
	}

	if ip == "" {
		return nil, nil
	}
	allowed, err = e.limiter.Allow(ctx,
		e.limiter.Key("login:ip", ip),
		e.config.RateLimit.LoginLimit,
		e.config.RateLimit.LoginWindow,
	)
	if err != nil {
		e.warn("authgate: login rate check degraded: %v", err)
	}
	if !allowed {
		e.metrics.Inc(metrics.MetricLoginRateLimited)
		e.auditLoginDenied(ctx, "", identifier, ReasonRateLimitExceeded)
		return e.denied(ReasonRateLimitExceeded), ErrLoginRateLimited
	}
	return nil, nil
}

// verifyCredentials resolves the identifier and checks the password.
// Unknown accounts and wrong passwords both count a failure and surface as
// ErrInvalidCredentials; reaching the lockout threshold on this attempt
// surfaces as ErrAccountLocked.
func (e *Engine) verifyCredentials(ctx context.Context, identifier, pw, ip string) (*UserRecord, error) {
	user, err := e.identity.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, e.recordFailure(ctx, identifier, ip)
		}
		return nil, err
	}

	ok, err := e.hasher.Verify(pw, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.recordFailure(ctx, identifier, ip)
	}
	return user, nil
}

func (e *Engine) recordFailure(ctx context.Context, identifier, ip string) error {
	nowLocked, err := e.lockout.RecordFailure(ctx, identifier, ip)
	if err != nil {
		e.warn("authgate: failure counter degraded: %v", err)
	}
	if nowLocked {
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, user *UserRecord, pw string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}

	needs, err := e.hasher.NeedsUpgrade(user.PasswordHash)
	if err != nil || !needs {
		return
	}
	rehashed, err := e.hasher.Hash(pw)
	if err != nil {
		return
	}
	if err := e.identity.UpdatePasswordHash(ctx, user.UserID, rehashed); err != nil {
		e.warn("authgate: password hash upgrade failed: %v", err)
	}
}

// checkSessionLimit computes the session-cap projection for the policy
// result. Reads fail closed: an unreachable registry must not admit an
// over-limit login. The count here is advisory; the binding check runs
// atomically with registration, which closes the window between two
// concurrent logins both observing room under the cap.
func (e *Engine) checkSessionLimit(ctx context.Context, userID string) (*SessionLimitInfo, error) {
	if e.config.Policy.Mode != LimitedSessions {
		return nil, nil
	}

	count, err := e.sessions.ActiveCount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	info := &SessionLimitInfo{
		CurrentSessions: count,
		MaxSessions:     e.config.Policy.MaxSessions,
		LimitReached:    count >= e.config.Policy.MaxSessions,
		Mode:            LimitedSessions,
	}
	if info.LimitReached {
		if e.config.Policy.EvictOnNewLogin {
			info.Message = "session limit reached, oldest session will be evicted"
		} else {
			info.Message = "session limit reached"
		}
	}
	return info, nil
}

// hasRemoteActiveSession reports whether the user holds a live session whose
// client IP sits on a different network than the current login. Fails
// closed.
func (e *Engine) hasRemoteActiveSession(ctx context.Context, userID, ip string) (bool, error) {
	sessions, err := e.sessions.List(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	for _, sess := range sessions {
		if sess.Active() && sess.ClientIP != "" && !device.SameNetwork(sess.ClientIP, ip) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) applyDevicePolicy(ctx context.Context, userID, ip string, result *LoginPolicyResult) {
	analysis, err := e.devices.Analyze(ctx, userID, ip, userAgentFromContext(ctx))
	if err != nil {
		// Advisory signal only: a degraded analyzer never blocks login.
		e.warn("authgate: device analysis degraded: %v", err)
	}
	result.DeviceTrust = analysis.TrustLevel
	if !analysis.Risk {
		return
	}

	e.metrics.Inc(metrics.MetricDeviceRiskFlagged)
	if e.config.Policy.RequireDeviceVerification {
		result.RequireAdditionalVerification = true
		result.VerificationType = e.config.Device.VerificationType
	}
	if e.config.Device.HardBlock {
		result.Allowed = false
		result.Reason = ReasonDeviceVerificationRequired
	}
}

// registerSession creates the session under the configured concurrency
// policy. Registration fails closed.
func (e *Engine) registerSession(ctx context.Context, sess *session.Session) error {
	ttl := e.config.Policy.SessionTimeout

	switch e.config.Policy.Mode {
	case SingleSession:
		evicted, err := e.sessions.RegisterExclusive(ctx, sess, ttl)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		for i := 0; i < evicted; i++ {
			e.metrics.Inc(metrics.MetricSessionEvicted)
		}
		return nil

	case LimitedSessions:
		evicted, err := e.sessions.RegisterLimited(ctx, sess, ttl, e.config.Policy.MaxSessions, e.config.Policy.EvictOnNewLogin)
		if err != nil {
			if errors.Is(err, session.ErrSessionLimitReached) {
				return ErrSessionLimitExceeded
			}
			return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		for _, sid := range evicted {
			e.metrics.Inc(metrics.MetricSessionEvicted)
			if _, err := e.tokens.Store().RevokeChain(ctx, sid); err != nil {
				e.warn("authgate: chain revocation for evicted session failed: %v", err)
			}
		}
		return nil

	default:
		if err := e.sessions.Register(ctx, sess, ttl); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		return nil
	}
}

func (e *Engine) denied(reason Reason) *LoginPolicyResult {
	return &LoginPolicyResult{Allowed: false, Reason: reason}
}

func (e *Engine) auditLoginDenied(ctx context.Context, userID, identifier string, reason Reason) {
	severity := AuditInfo
	if reason == ReasonIPLocked || reason == ReasonAccountLocked {
		severity = AuditWarning
	}
	e.emitAudit(ctx, "login.denied", severity, false, func(ev *AuditEvent) {
		ev.UserID = userID
		ev.Reason = string(reason)
		ev.Metadata = map[string]string{"identifier": identifier}
	})
}
