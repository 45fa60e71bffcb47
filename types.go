package authgate

import (
	"context"
	"time"

	"github.com/kovelo/authgate/device"
)

// Reason codes attached to every login decision.
type Reason string

const (
	// ReasonAllowed marks a decision that admitted the login.
	ReasonAllowed Reason = "ALLOWED"
	// ReasonRateLimitExceeded marks denial by the attempt-rate window.
	ReasonRateLimitExceeded Reason = "RATE_LIMIT_EXCEEDED"
	// ReasonIPLocked marks denial because the client IP is locked out.
	ReasonIPLocked Reason = "IP_LOCKED"
	// ReasonInvalidCredentials marks denial on credential mismatch. Unknown
	// identifiers report the same reason so probing cannot enumerate users.
	ReasonInvalidCredentials Reason = "INVALID_CREDENTIALS"
	// ReasonAccountLocked marks denial after repeated failed attempts.
	ReasonAccountLocked Reason = "ACCOUNT_LOCKED"
	// ReasonAccountDisabled marks denial on a disabled account.
	ReasonAccountDisabled Reason = "ACCOUNT_DISABLED"
	// ReasonSessionLimitExceeded marks denial by the concurrent-session cap.
	ReasonSessionLimitExceeded Reason = "SESSION_LIMIT_EXCEEDED"
	// ReasonRemoteLoginBlocked marks denial of a login from a new network
	// while another session is active and remote logins are disallowed.
	ReasonRemoteLoginBlocked Reason = "REMOTE_LOGIN_BLOCKED"
	// ReasonDeviceVerificationRequired marks denial by a hard-blocking
	// device-risk policy.
	ReasonDeviceVerificationRequired Reason = "DEVICE_VERIFICATION_REQUIRED"
)

// UserRecord is the engine's view of an account in the identity store.
type UserRecord struct {
	UserID       string
	Username     string
	Email        string
	Phone        string
	PasswordHash string
	Disabled     bool
	Locked       bool
}

// IdentityStore is the system-of-record collaborator for accounts. The
// engine never persists users itself.
type IdentityStore interface {
	// FindByIdentifier resolves a username, email, or phone to an account.
	// A missing account returns ErrUserNotFound.
	FindByIdentifier(ctx context.Context, identifier string) (*UserRecord, error)
	// Create persists a new account. A conflicting identifier returns
	// ErrIdentifierTaken.
	Create(ctx context.Context, user *UserRecord) error
	// UpdatePasswordHash replaces the stored hash, used for transparent
	// parameter upgrades after a successful verification.
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
}

// PasswordHasher abstracts credential hashing so deployments can supply
// their own scheme. The bundled Argon2id hasher satisfies it.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsUpgrade(encodedHash string) (bool, error)
}

// SessionLimitInfo is the computed session-cap projection attached to a
// decision. It is never persisted.
type SessionLimitInfo struct {
	CurrentSessions int
	MaxSessions     int
	LimitReached    bool
	Mode            AuthMode
	Message         string
}

// LoginPolicyResult is the outcome of one policy evaluation. Exactly one of
// the terminal states holds: Allowed with ReasonAllowed, or denied with a
// specific reason and no tokens issued.
type LoginPolicyResult struct {
	Allowed  bool
	Reason   Reason
	UserID   string
	Username string

	SessionLimit *SessionLimitInfo

	// RequireAdditionalVerification is set when device risk was flagged
	// under a soft-blocking policy; the login still proceeds.
	RequireAdditionalVerification bool
	VerificationType              string
	DeviceTrust                   device.TrustLevel
}

// LoginResult is a successful login: the policy verdict plus the issued
// session and token material.
type LoginResult struct {
	Policy *LoginPolicyResult

	SessionID        string
	AccessToken      string
	RefreshToken     string
	CSRFToken        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// RefreshResult is a successful rotation-on-use exchange.
type RefreshResult struct {
	UserID       string
	Username     string
	SessionID    string
	AccessToken  string
	RefreshToken string
}

// TokenInfo is the verdict of access-token validation.
type TokenInfo struct {
	UserID     string
	Username   string
	SessionID  string
	TokenType  string
	ExpiresAt  time.Time
	KeyVersion int
}

// RegistrationResult reports a completed registration.
type RegistrationResult struct {
	UserID   string
	Username string
}
