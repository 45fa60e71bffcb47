package session

import (
	"encoding/json"
	"errors"
)

// CurrentSchemaVersion tags newly encoded sessions. Decoders accept older
// versions and re-encode on the next write.
const CurrentSchemaVersion = 1

// Status is the lifecycle state of a session. ACTIVE is the only live state;
// the rest are terminal and never transition further.
type Status string

const (
	// StatusActive marks a live session.
	StatusActive Status = "ACTIVE"
	// StatusExpired marks a session past its idle or absolute timeout.
	StatusExpired Status = "EXPIRED"
	// StatusRevoked marks a session terminated by policy (superseded,
	// evicted) or security escalation rather than the user.
	StatusRevoked Status = "REVOKED"
	// StatusLoggedOut marks a session ended by an explicit logout.
	StatusLoggedOut Status = "LOGGED_OUT"
)

// ErrSessionCorrupt indicates a stored blob that does not decode.
var ErrSessionCorrupt = errors.New("session blob corrupt")

// Session is the stored state of one authenticated session.
type Session struct {
	SessionID      string `json:"sid"`
	UserID         string `json:"uid"`
	Username       string `json:"username"`
	IssuedAt       int64  `json:"issued_at"`
	LastActivityAt int64  `json:"last_activity_at"`
	ExpiresAt      int64  `json:"expires_at"`
	ClientIP       string `json:"client_ip,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	Fingerprint    string `json:"device_fp,omitempty"`
	RefreshID      string `json:"rtid,omitempty"`
	Status         Status `json:"status"`
	LogoutTime     int64  `json:"logout_time,omitempty"`
	LogoutReason   string `json:"logout_reason,omitempty"`
	SchemaVersion  int    `json:"schema_version"`
}

// Active reports whether the session is in its live state.
func (s *Session) Active() bool {
	return s.Status == StatusActive
}

// Encode serializes a session for storage, stamping the current schema
// version.
func Encode(sess *Session) ([]byte, error) {
	sess.SchemaVersion = CurrentSchemaVersion
	return json.Marshal(sess)
}

// Decode deserializes a stored session blob.
func Decode(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, ErrSessionCorrupt
	}
	if sess.SchemaVersion < 1 || sess.SchemaVersion > CurrentSchemaVersion {
		return nil, ErrSessionCorrupt
	}
	return &sess, nil
}
