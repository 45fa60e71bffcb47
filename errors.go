package authgate

import "errors"

var (
	// ErrInvalidCredentials is returned when the identifier or password does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when no account matches the identifier.
	ErrUserNotFound = errors.New("user not found")
	// ErrLoginRateLimited is returned when the identifier attempt budget is exhausted.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrIPLocked is returned when the client IP attempt budget is exhausted.
	ErrIPLocked = errors.New("ip locked")
	// ErrAccountLocked is returned when the account is locked after repeated failures.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDisabled is returned when the account has been disabled.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrSessionLimitExceeded is returned when the login policy denies a new session.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	// ErrRemoteLoginBlocked is returned when a login from a new network is denied
	// while another session is active and remote logins are disallowed.
	ErrRemoteLoginBlocked = errors.New("remote login blocked")
	// ErrDeviceVerificationRequired is returned when the deployment hard-blocks risky devices.
	ErrDeviceVerificationRequired = errors.New("device verification required")
	// ErrSessionNotFound is returned when the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRevoked is returned when the referenced session has been revoked.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrTokenInvalid is returned when a token fails signature or claim validation.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned when a token is past its expiry plus allowed skew.
	ErrTokenExpired = errors.New("token expired")
	// ErrCSRFMismatch is returned when the supplied CSRF token does not match the
	// value bound at issuance. Distinct from signature failure by design contract.
	ErrCSRFMismatch = errors.New("csrf token mismatch")
	// ErrRefreshInvalid is returned when a refresh token fails validation.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshRevoked is returned when the refresh token has been revoked.
	ErrRefreshRevoked = errors.New("refresh token revoked")
	// ErrRefreshReuse is returned when an already-rotated refresh token is presented
	// again. Callers must treat this as a compromise signal, not a plain failure.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrRefreshRateLimited is returned when refresh attempts exceed the budget.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrRegistrationRateLimited is returned when registration attempts exceed the budget.
	ErrRegistrationRateLimited = errors.New("registration rate limited")
	// ErrIdentifierTaken is returned when a registration identifier is already in use.
	ErrIdentifierTaken = errors.New("identifier already taken")
	// ErrEngineNotReady is returned when a required collaborator was not wired.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrCacheUnavailable wraps shared-cache transport failures so callers can apply
	// the documented fail-open/fail-closed policy per operation.
	ErrCacheUnavailable = errors.New("shared cache unavailable")
)
