package authgate

import (
	"errors"
	"time"
)

// AuthMode selects the concurrent-session policy applied at login.
type AuthMode int

const (
	// SingleSession allows exactly one live session per user; a new login
	// supersedes any existing session.
	SingleSession AuthMode = iota
	// MultiSession places no limit on concurrent sessions.
	MultiSession
	// LimitedSessions caps concurrent sessions at Policy.MaxSessions.
	LimitedSessions
)

func (m AuthMode) String() string {
	switch m {
	case SingleSession:
		return "SINGLE_SESSION"
	case MultiSession:
		return "MULTI_SESSION"
	case LimitedSessions:
		return "LIMITED_SESSIONS"
	default:
		return "UNKNOWN"
	}
}

// Config defines the full configuration surface of the engine.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	CachePrefix string

	Policy    PolicyConfig
	Lockout   LockoutConfig
	RateLimit RateLimitConfig
	Token     TokenConfig
	Keys      KeysConfig
	Password  PasswordConfig
	Device    DeviceConfig
	Existence ExistenceConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// PolicyConfig controls the session-governance decision applied on login.
type PolicyConfig struct {
	Mode                      AuthMode
	MaxSessions               int
	SessionTimeout            time.Duration
	EvictOnNewLogin           bool
	AllowRemoteLogin          bool
	RequireDeviceVerification bool
}

// LockoutConfig controls failed-attempt counting and lock durations.
type LockoutConfig struct {
	MaxLoginAttempts int
	LockDuration     time.Duration
	IPMaxAttempts    int
	IPLockDuration   time.Duration
	EnableIPLockout  bool
}

// RateLimitConfig controls the fixed-window limits applied to
// security-sensitive operations before any stateful check runs.
type RateLimitConfig struct {
	LoginLimit     int
	LoginWindow    time.Duration
	RegisterLimit  int
	RegisterWindow time.Duration
	RefreshLimit   int
	RefreshWindow  time.Duration
}

// TokenConfig controls token issuance and validation.
type TokenConfig struct {
	Issuer         string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	ShortTokenTTL  time.Duration
	ClockSkew      time.Duration
	CSRFProtection bool
}

// KeysConfig controls key material and rotation for the signing namespace.
type KeysConfig struct {
	// Algorithm is the default signing algorithm for new tokens:
	// "ed25519" or "hmac-sha256".
	Algorithm string
	// Secret seeds the initial key version for symmetric algorithms.
	Secret []byte
	// RetainedVersions bounds how many invalid versions cleanup keeps.
	RetainedVersions int
	// RotationInterval is advisory; rotation itself is an explicit call.
	RotationInterval time.Duration
}

// PasswordConfig holds Argon2id parameters for the bundled hasher.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
}

// DeviceConfig controls the device-trust heuristic.
type DeviceConfig struct {
	Enabled bool
	// HardBlock denies login outright on risk instead of soft-flagging.
	HardBlock bool
	// VerificationType tags the additional verification the caller should
	// run when risk is flagged (e.g. "email", "sms"). Opaque to the engine.
	VerificationType string
	// TrustPromoteUses is the usage count at which trust escalates a level.
	TrustPromoteUses int
	// UsageTTL bounds how long device usage records are retained.
	UsageTTL time.Duration
}

// ExistenceConfig sizes the registration pre-check filters.
type ExistenceConfig struct {
	Enabled           bool
	ExpectedItems     uint
	FalsePositiveRate float64
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process metrics registry.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		CachePrefix: "ag",
		Policy: PolicyConfig{
			Mode:             MultiSession,
			MaxSessions:      5,
			SessionTimeout:   30 * time.Minute,
			EvictOnNewLogin:  false,
			AllowRemoteLogin: true,
		},
		Lockout: LockoutConfig{
			MaxLoginAttempts: 5,
			LockDuration:     15 * time.Minute,
			IPMaxAttempts:    10,
			IPLockDuration:   15 * time.Minute,
			EnableIPLockout:  true,
		},
		RateLimit: RateLimitConfig{
			LoginLimit:     10,
			LoginWindow:    time.Minute,
			RegisterLimit:  5,
			RegisterWindow: time.Minute,
			RefreshLimit:   20,
			RefreshWindow:  time.Minute,
		},
		Token: TokenConfig{
			Issuer:         "authgate",
			AccessTTL:      15 * time.Minute,
			RefreshTTL:     7 * 24 * time.Hour,
			ShortTokenTTL:  10 * time.Minute,
			ClockSkew:      30 * time.Second,
			CSRFProtection: true,
		},
		Keys: KeysConfig{
			Algorithm:        "hmac-sha256",
			RetainedVersions: 3,
			RotationInterval: 30 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Device: DeviceConfig{
			Enabled:          false,
			HardBlock:        false,
			VerificationType: "email",
			TrustPromoteUses: 5,
			UsageTTL:         90 * 24 * time.Hour,
		},
		Existence: ExistenceConfig{
			Enabled:           true,
			ExpectedItems:     1_000_000,
			FalsePositiveRate: 0.01,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// Validate checks the configuration for internal consistency. It is intended
// to run once at startup; any error is fatal.
func (c *Config) Validate() error {
	if c.CachePrefix == "" {
		return errors.New("CachePrefix must not be empty")
	}

	switch c.Policy.Mode {
	case SingleSession, MultiSession, LimitedSessions:
		// valid
	default:
		return errors.New("invalid Policy Mode")
	}
	if c.Policy.Mode == LimitedSessions && c.Policy.MaxSessions < 1 {
		return errors.New("Policy MaxSessions must be >= 1 when mode is LIMITED_SESSIONS")
	}
	if c.Policy.SessionTimeout <= 0 {
		return errors.New("Policy SessionTimeout must be > 0")
	}

	if c.Lockout.MaxLoginAttempts <= 0 {
		return errors.New("Lockout MaxLoginAttempts must be > 0")
	}
	if c.Lockout.LockDuration <= 0 {
		return errors.New("Lockout LockDuration must be > 0")
	}
	if c.Lockout.EnableIPLockout {
		if c.Lockout.IPMaxAttempts <= 0 {
			return errors.New("Lockout IPMaxAttempts must be > 0 when IP lockout is enabled")
		}
		if c.Lockout.IPLockDuration <= 0 {
			return errors.New("Lockout IPLockDuration must be > 0 when IP lockout is enabled")
		}
	}

	if c.RateLimit.LoginLimit <= 0 || c.RateLimit.LoginWindow <= 0 {
		return errors.New("RateLimit login limit and window must be > 0")
	}
	if c.RateLimit.RegisterLimit <= 0 || c.RateLimit.RegisterWindow <= 0 {
		return errors.New("RateLimit register limit and window must be > 0")
	}
	if c.RateLimit.RefreshLimit <= 0 || c.RateLimit.RefreshWindow <= 0 {
		return errors.New("RateLimit refresh limit and window must be > 0")
	}

	if c.Token.AccessTTL <= 0 {
		return errors.New("Token AccessTTL must be > 0")
	}
	if c.Token.RefreshTTL <= 0 {
		return errors.New("Token RefreshTTL must be > 0")
	}
	if c.Token.ShortTokenTTL <= 0 {
		return errors.New("Token ShortTokenTTL must be > 0")
	}
	if c.Token.ClockSkew < 0 || c.Token.ClockSkew > 2*time.Minute {
		return errors.New("Token ClockSkew must be between 0 and 2m")
	}

	switch c.Keys.Algorithm {
	case "ed25519", "hmac-sha256":
		// valid
	default:
		return errors.New("unsupported Keys Algorithm")
	}
	if c.Keys.Algorithm == "hmac-sha256" && len(c.Keys.Secret) < 32 {
		return errors.New("hmac-sha256 requires Secret length >= 32 bytes")
	}
	if c.Keys.RetainedVersions < 1 {
		return errors.New("Keys RetainedVersions must be >= 1")
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	if c.Device.Enabled {
		if c.Device.TrustPromoteUses <= 0 {
			return errors.New("Device TrustPromoteUses must be > 0 when device analysis is enabled")
		}
		if c.Device.UsageTTL <= 0 {
			return errors.New("Device UsageTTL must be > 0 when device analysis is enabled")
		}
		if c.Device.HardBlock && c.Device.VerificationType == "" {
			return errors.New("Device VerificationType is required when HardBlock is enabled")
		}
	}

	if c.Existence.Enabled {
		if c.Existence.ExpectedItems == 0 {
			return errors.New("Existence ExpectedItems must be > 0")
		}
		if c.Existence.FalsePositiveRate <= 0 || c.Existence.FalsePositiveRate >= 1 {
			return errors.New("Existence FalsePositiveRate must be in (0, 1)")
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Keys.Secret = cloneBytes(cfg.Keys.Secret)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
