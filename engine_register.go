package authgate

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/kovelo/authgate/existence"
	"github.com/kovelo/authgate/internal/metrics"
)

// RegisterUser creates an account after rate limiting and uniqueness checks.
// The existence filter answers the hot "is this taken" question without a
// store round trip when it can; a filter positive (or a degraded filter)
// always falls through to the authoritative store check.
func (e *Engine) RegisterUser(ctx context.Context, username, email, phone, pw string) (*RegistrationResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || pw == "" {
		return nil, ErrInvalidCredentials
	}

	ip := clientIPFromContext(ctx)
	if ip != "" {
		allowed, err := e.limiter.Allow(ctx,
			e.limiter.Key("register", ip),
			e.config.RateLimit.RegisterLimit,
			e.config.RateLimit.RegisterWindow,
		)
		if err != nil {
			e.warn("authgate: register rate check degraded: %v", err)
		}
		if !allowed {
			e.metrics.Inc(metrics.MetricRegisterRateLimited)
			return nil, ErrRegistrationRateLimited
		}
	}

	if taken, err := e.identifierTaken(ctx, username, email, phone); err != nil {
		return nil, err
	} else if taken {
		e.metrics.Inc(metrics.MetricRegisterDuplicate)
		e.emitAudit(ctx, "register.denied", AuditInfo, false, func(ev *AuditEvent) {
			ev.Reason = "identifier taken"
		})
		return nil, ErrIdentifierTaken
	}

	hash, err := e.hasher.Hash(pw)
	if err != nil {
		return nil, err
	}

	user := &UserRecord{
		UserID:       uuid.NewString(),
		Username:     username,
		Email:        strings.TrimSpace(email),
		Phone:        strings.TrimSpace(phone),
		PasswordHash: hash,
	}
	if err := e.identity.Create(ctx, user); err != nil {
		if errors.Is(err, ErrIdentifierTaken) {
			e.metrics.Inc(metrics.MetricRegisterDuplicate)
		}
		return nil, err
	}

	if e.filter != nil {
		e.filter.AddUser(user.Username, user.Email, user.Phone)
	}

	e.metrics.Inc(metrics.MetricRegisterSuccess)
	e.emitAudit(ctx, "register.success", AuditInfo, true, func(ev *AuditEvent) {
		ev.UserID = user.UserID
	})
	return &RegistrationResult{UserID: user.UserID, Username: user.Username}, nil
}

// identifierTaken checks each supplied identifier, consulting the filter
// first. A filter negative is authoritative absence; anything else goes to
// the identity store.
func (e *Engine) identifierTaken(ctx context.Context, username, email, phone string) (bool, error) {
	checks := []struct {
		kind  existence.Kind
		value string
	}{
		{existence.KindUsername, username},
		{existence.KindEmail, email},
		{existence.KindPhone, phone},
	}

	for _, check := range checks {
		if check.value == "" {
			continue
		}

		if e.filter != nil {
			if e.filter.IsUsingFallback() {
				e.metrics.Inc(metrics.MetricFilterFallback)
			} else if !e.filter.MightExist(check.kind, check.value) {
				e.metrics.Inc(metrics.MetricFilterMiss)
				continue
			} else {
				e.metrics.Inc(metrics.MetricFilterHit)
			}
		}

		_, err := e.identity.FindByIdentifier(ctx, check.value)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return false, err
		}
	}
	return false, nil
}
