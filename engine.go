package authgate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kovelo/authgate/device"
	"github.com/kovelo/authgate/existence"
	"github.com/kovelo/authgate/internal/audit"
	"github.com/kovelo/authgate/internal/metrics"
	"github.com/kovelo/authgate/internal/rate"
	"github.com/kovelo/authgate/keys"
	"github.com/kovelo/authgate/session"
	"github.com/kovelo/authgate/token"
)

// tokenNamespace is the key namespace the engine signs its tokens under.
const tokenNamespace = "token"

// Engine is the authentication and session governance engine. Construct it
// through [NewBuilder]; all state lives in the shared cache, so any number
// of Engine instances across process replicas make consistent decisions.
type Engine struct {
	config Config

	redis    redis.UniversalClient
	identity IdentityStore
	hasher   PasswordHasher

	limiter  *rate.Limiter
	lockout  *rate.Lockout
	keys     *keys.Manager
	tokens   *token.Manager
	sessions *session.Registry
	devices  *device.Analyzer
	filter   *existence.Filter
	audit    *audit.Dispatcher
	metrics  *metrics.Metrics

	warn func(string, ...any)

	closeOnce sync.Once
}

// Configuration returns a copy of the engine configuration.
func (e *Engine) Configuration() Config {
	return cloneConfig(e.config)
}

// Keys exposes the key version manager for rotation tooling.
func (e *Engine) Keys() *keys.Manager {
	return e.keys
}

// Sessions exposes the session registry for administrative listing.
func (e *Engine) Sessions() *session.Registry {
	return e.sessions
}

// Tokens exposes the token lifecycle manager.
func (e *Engine) Tokens() *token.Manager {
	return e.tokens
}

// Devices exposes the device trust analyzer; nil when disabled.
func (e *Engine) Devices() *device.Analyzer {
	return e.devices
}

// ExistenceFilter exposes the registration pre-check filter; nil when
// disabled.
func (e *Engine) ExistenceFilter() *existence.Filter {
	return e.filter
}

// WarmUpExistenceFilter starts a background bulk-load of the registration
// pre-check filters from the given source. No-op when the filter is
// disabled.
func (e *Engine) WarmUpExistenceFilter(ctx context.Context, source existence.Source) {
	if e.filter == nil {
		return
	}
	e.filter.WarmUp(ctx, source)
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// AuditDropped returns how many audit events were dropped by the async
// dispatcher under backpressure.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// KeyRotationDue reports whether the current signing key is older than the
// configured rotation interval. Rotation itself stays an explicit call.
func (e *Engine) KeyRotationDue() (bool, error) {
	if e.config.Keys.RotationInterval <= 0 {
		return false, nil
	}
	current, err := e.keys.CurrentKey(tokenNamespace)
	if err != nil {
		return false, err
	}
	return time.Since(current.CreatedAt) >= e.config.Keys.RotationInterval, nil
}

// RotateKeys stages (if needed) and activates the next signing key version.
// Tokens issued under previous versions keep validating until cleanup.
func (e *Engine) RotateKeys(ctx context.Context) (int, error) {
	version, err := e.keys.Rotate(tokenNamespace)
	if err != nil {
		return 0, err
	}

	e.metrics.Inc(metrics.MetricKeyRotation)
	e.emitAudit(ctx, "key.rotated", AuditInfo, true, func(ev *AuditEvent) {
		ev.Metadata = map[string]string{"version": strconv.Itoa(version)}
	})
	return version, nil
}

// CleanupKeys drops invalid signing key versions beyond the configured
// retention count. Active and staged versions are never removed.
func (e *Engine) CleanupKeys(ctx context.Context) (int, error) {
	removed, err := e.keys.Cleanup(tokenNamespace, e.config.Keys.RetainedVersions)
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		e.emitAudit(ctx, "key.cleanup", AuditInfo, true, func(ev *AuditEvent) {
			ev.Metadata = map[string]string{"removed": strconv.Itoa(removed)}
		})
	}
	return removed, nil
}

// Close flushes and stops the async audit pipeline. The engine must not be
// used after Close.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.audit.Close()
	})
}
