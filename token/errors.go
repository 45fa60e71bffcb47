package token

import "errors"

var (
	// ErrTokenInvalid indicates signature, claim, or structural failure.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired indicates expiry beyond the configured clock skew.
	ErrTokenExpired = errors.New("token expired")
	// ErrCSRFMismatch indicates the supplied CSRF token does not match the
	// value embedded at issuance. Kept distinct from signature failure.
	ErrCSRFMismatch = errors.New("csrf token mismatch")
	// ErrWrongTokenType indicates a token presented to the wrong operation
	// (e.g. an access token passed to Refresh).
	ErrWrongTokenType = errors.New("wrong token type")
	// ErrRefreshNotFound indicates refresh metadata that does not exist or
	// has expired from the cache.
	ErrRefreshNotFound = errors.New("refresh token not found")
	// ErrRefreshRevoked indicates a refresh token explicitly revoked via
	// logout or chain revocation.
	ErrRefreshRevoked = errors.New("refresh token revoked")
	// ErrRefreshReuse indicates an already-rotated refresh token was
	// presented again: a compromise signal, not a plain failure.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrRedisUnavailable indicates the metadata backend is unreachable.
	// Revocation checks fail CLOSED on this error.
	ErrRedisUnavailable = errors.New("token store unavailable")
)
