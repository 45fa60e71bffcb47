package authgate

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kovelo/authgate/device"
	"github.com/kovelo/authgate/existence"
	"github.com/kovelo/authgate/internal/audit"
	"github.com/kovelo/authgate/internal/metrics"
	"github.com/kovelo/authgate/internal/rate"
	"github.com/kovelo/authgate/keys"
	"github.com/kovelo/authgate/password"
	"github.com/kovelo/authgate/session"
	"github.com/kovelo/authgate/token"
)

// Builder assembles an [Engine]. Collaborators without a With call get the
// bundled implementation; Redis and the identity store are mandatory.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	identity  IdentityStore
	hasher    PasswordHasher
	auditSink AuditSink
	warn      func(string, ...any)
}

// NewBuilder starts a builder with the default configuration.
func NewBuilder() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the entire configuration. Validation happens in Build.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared cache client. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithIdentityStore sets the account system of record. Required.
func (b *Builder) WithIdentityStore(store IdentityStore) *Builder {
	b.identity = store
	return b
}

// WithPasswordHasher overrides the bundled Argon2id hasher.
func (b *Builder) WithPasswordHasher(hasher PasswordHasher) *Builder {
	b.hasher = hasher
	return b
}

// WithAuditSink sets the destination for audit events. Events only flow when
// Config.Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithWarnLog sets the hook for operational warnings (degraded subsystems,
// fail-open decisions). Defaults to discarding them.
func (b *Builder) WithWarnLog(warn func(string, ...any)) *Builder {
	b.warn = warn
	return b
}

// Build validates the configuration, wires all subsystems, and returns a
// ready [Engine].
func (b *Builder) Build() (*Engine, error) {
	if b.redis == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrEngineNotReady)
	}
	if b.identity == nil {
		return nil, fmt.Errorf("%w: identity store is required", ErrEngineNotReady)
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	cfg := cloneConfig(b.config)
	warn := b.warn
	if warn == nil {
		warn = func(string, ...any) {}
	}

	hasher := b.hasher
	if hasher == nil {
		built, err := password.NewHasher(password.Config{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		})
		if err != nil {
			return nil, err
		}
		hasher = built
	}

	factory, err := keys.NewFactory()
	if err != nil {
		return nil, err
	}
	keyManager := keys.NewManager(factory)

	algorithm, err := signingAlgorithm(cfg.Keys.Algorithm)
	if err != nil {
		return nil, err
	}
	if err := keyManager.Register(tokenNamespace, algorithm, cfg.Keys.Secret); err != nil {
		return nil, err
	}

	tokenStore := token.NewStore(b.redis, cfg.CachePrefix)
	tokenManager, err := token.NewManager(keyManager, tokenStore, token.Config{
		Issuer:         cfg.Token.Issuer,
		AccessTTL:      cfg.Token.AccessTTL,
		RefreshTTL:     cfg.Token.RefreshTTL,
		ShortTTL:       cfg.Token.ShortTokenTTL,
		ClockSkew:      cfg.Token.ClockSkew,
		CSRFProtection: cfg.Token.CSRFProtection,
		Namespace:      tokenNamespace,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:   cfg,
		redis:    b.redis,
		identity: b.identity,
		hasher:   hasher,
		limiter:  rate.New(b.redis, cfg.CachePrefix, warn),
		lockout: rate.NewLockout(b.redis, cfg.CachePrefix, rate.LockoutConfig{
			MaxLoginAttempts: cfg.Lockout.MaxLoginAttempts,
			LockDuration:     cfg.Lockout.LockDuration,
			IPMaxAttempts:    cfg.Lockout.IPMaxAttempts,
			IPLockDuration:   cfg.Lockout.IPLockDuration,
			EnableIPLockout:  cfg.Lockout.EnableIPLockout,
		}),
		keys:     keyManager,
		tokens:   tokenManager,
		sessions: session.NewRegistry(b.redis, cfg.CachePrefix),
		metrics:  metrics.New(metrics.Config{Enabled: cfg.Metrics.Enabled}),
		warn:     warn,
	}

	if cfg.Device.Enabled {
		engine.devices = device.NewAnalyzer(b.redis, cfg.CachePrefix, device.Config{
			MediumUsageCount: int64(cfg.Device.TrustPromoteUses),
			HighUsageCount:   int64(cfg.Device.TrustPromoteUses) * 3,
			RecordTTL:        cfg.Device.UsageTTL,
		})
	}

	if cfg.Existence.Enabled {
		engine.filter = existence.New(existence.Config{
			ExpectedItems:     cfg.Existence.ExpectedItems,
			FalsePositiveRate: cfg.Existence.FalsePositiveRate,
		})
	}

	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	return engine, nil
}

func signingAlgorithm(name string) (keys.Algorithm, error) {
	switch name {
	case "ed25519":
		return keys.AlgorithmEd25519, nil
	case "hmac-sha256":
		return keys.AlgorithmHMACSHA256, nil
	default:
		return "", errors.New("unsupported signing algorithm")
	}
}
