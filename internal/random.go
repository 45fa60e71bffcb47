// Package internal holds small helpers shared by the engine and its
// subsystems: unguessable identifier generation and stable hashing.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const (
	sessionIDSize = 16
	csrfTokenSize = 24
)

// NewSessionID returns an opaque, unguessable session identifier encoded as
// compact base64url.
func NewSessionID() (string, error) {
	var raw [sessionIDSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// ValidateSessionID checks that an externally supplied session identifier
// decodes to the expected size.
func ValidateSessionID(sessionID string) error {
	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return err
	}
	if len(raw) != sessionIDSize {
		return errors.New("invalid session id size")
	}
	return nil
}

// NewCSRFToken returns a random CSRF token for binding into access tokens.
func NewCSRFToken() (string, error) {
	var raw [csrfTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashValue returns the SHA-256 digest of v. Used for device fingerprints
// and token blacklist keys.
func HashValue(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}
