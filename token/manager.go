package token

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kovelo/authgate/internal"
	"github.com/kovelo/authgate/keys"
)

// Token type tags carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
	TypeShort   = "short"
)

// Claims is the claim set of every token the engine issues. Subject carries
// the username; UserID is the stable identity the rest of the system keys on.
type Claims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid,omitempty"`
	TokenType string `json:"typ"`
	CSRF      string `json:"csrf,omitempty"`
	RefreshID string `json:"rtid,omitempty"`
	jwt.RegisteredClaims

	// KeyVersion is the key version that signed the token, read from the
	// header after verification. Not part of the signed claim set.
	KeyVersion int `json:"-"`
}

// Config controls token issuance and validation.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	Issuer         string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	ShortTTL       time.Duration
	ClockSkew      time.Duration
	CSRFProtection bool

	// Namespace is the key namespace tokens are signed under. It must be
	// registered with the key manager before the first issuance.
	Namespace string
}

// Manager issues and validates the engine's JWTs. Signing always uses the
// current key version of the configured namespace and stamps that version
// into the token header, so validation after a rotation selects the retained
// version that actually produced the token.
type Manager struct {
	keys   *keys.Manager
	store  *Store
	config Config
}

// NewManager creates a token [Manager]. The namespace must already be
// registered with the key manager; its algorithm decides the JWT signing
// method.
func NewManager(keyManager *keys.Manager, store *Store, cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.ShortTTL <= 0 {
		cfg.ShortTTL = 5 * time.Minute
	}
	if cfg.ClockSkew < 0 || cfg.ClockSkew > 2*time.Minute {
		return nil, errors.New("invalid clock skew configuration")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "token"
	}

	kp, err := keyManager.CurrentKey(cfg.Namespace)
	if err != nil {
		return nil, err
	}
	if _, err := signingMethodFor(kp.Algorithm); err != nil {
		return nil, err
	}

	return &Manager{keys: keyManager, store: store, config: cfg}, nil
}

// Store exposes the refresh metadata store for callers that need direct
// revocation access.
func (m *Manager) Store() *Store {
	return m.store
}

// IssueAccess creates a signed access token bound to a session.
func (m *Manager) IssueAccess(userID, username, sessionID string) (string, error) {
	return m.sign(Claims{
		UserID:    userID,
		SessionID: sessionID,
		TokenType: TypeAccess,
	}, username, m.config.AccessTTL)
}

// IssueAccessWithCSRF creates an access token with an embedded CSRF binding
// and returns the CSRF value the caller must present alongside the token.
func (m *Manager) IssueAccessWithCSRF(userID, username, sessionID string) (string, string, error) {
	csrf, err := internal.NewCSRFToken()
	if err != nil {
		return "", "", err
	}

	tok, err := m.sign(Claims{
		UserID:    userID,
		SessionID: sessionID,
		TokenType: TypeAccess,
		CSRF:      csrf,
	}, username, m.config.AccessTTL)
	if err != nil {
		return "", "", err
	}
	return tok, csrf, nil
}

// IssueShortLived creates a token for one-shot elevated operations such as
// email confirmation or step-up checks. ttl <= 0 uses the configured default.
func (m *Manager) IssueShortLived(userID, username string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = m.config.ShortTTL
	}
	return m.sign(Claims{
		UserID:    userID,
		TokenType: TypeShort,
	}, username, ttl)
}

// Validate verifies signature, expiry (with clock skew leeway), and issuer,
// selecting the verify key by the version stamped at issuance.
func (m *Manager) Validate(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods(m.validMethods()),
	}
	if m.config.ClockSkew > 0 {
		options = append(options, jwt.WithLeeway(m.config.ClockSkew))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	var version int
	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		v, err := headerKeyVersion(t)
		if err != nil {
			return nil, err
		}
		version = v

		kp, err := m.keys.KeyByVersion(m.config.Namespace, v)
		if err != nil {
			return nil, err
		}
		return verifyKeyFor(kp)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	claims.KeyVersion = version
	return claims, nil
}

// ValidateAllowExpired verifies signature and issuer but tolerates an
// expired token. Logout must work with the token the client still holds.
func (m *Manager) ValidateAllowExpired(tokenStr string) (*Claims, error) {
	claims, err := m.Validate(tokenStr)
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, ErrTokenExpired) {
		return nil, err
	}

	var version int
	parser := jwt.NewParser(
		jwt.WithValidMethods(m.validMethods()),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		v, err := headerKeyVersion(t)
		if err != nil {
			return nil, err
		}
		version = v

		kp, err := m.keys.KeyByVersion(m.config.Namespace, v)
		if err != nil {
			return nil, err
		}
		return verifyKeyFor(kp)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	parsed, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	if m.config.Issuer != "" && parsed.Issuer != m.config.Issuer {
		return nil, ErrTokenInvalid
	}
	parsed.KeyVersion = version
	return parsed, nil
}

// ValidateAccess verifies an access token and, when the token carries a CSRF
// binding, checks the supplied CSRF value against it. A binding mismatch is
// reported distinctly from signature failure.
func (m *Manager) ValidateAccess(tokenStr, csrf string) (*Claims, error) {
	claims, err := m.Validate(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TypeAccess {
		return nil, fmt.Errorf("%w: got %q", ErrWrongTokenType, claims.TokenType)
	}

	if m.config.CSRFProtection && claims.CSRF != "" {
		if subtle.ConstantTimeCompare([]byte(claims.CSRF), []byte(csrf)) != 1 {
			return nil, ErrCSRFMismatch
		}
	}
	return claims, nil
}

// ExtractUserID returns the uid claim of a verified token.
func (m *Manager) ExtractUserID(tokenStr string) (string, error) {
	claims, err := m.Validate(tokenStr)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// ExtractUsername returns the subject of a verified token.
func (m *Manager) ExtractUsername(tokenStr string) (string, error) {
	claims, err := m.Validate(tokenStr)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ExtractExpiration returns the expiry of a verified token.
func (m *Manager) ExtractExpiration(tokenStr string) (time.Time, error) {
	claims, err := m.Validate(tokenStr)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrTokenInvalid
	}
	return claims.ExpiresAt.Time, nil
}

// IsExpired reports whether a structurally valid token is past its expiry.
// Structural or signature failures are returned as errors, not as expiry.
func (m *Manager) IsExpired(tokenStr string) (bool, error) {
	_, err := m.Validate(tokenStr)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, ErrTokenExpired) {
		return true, nil
	}
	return false, err
}

// IsAboutToExpire reports whether a valid token expires within the given
// window, letting clients refresh proactively.
func (m *Manager) IsAboutToExpire(tokenStr string, within time.Duration) (bool, error) {
	exp, err := m.ExtractExpiration(tokenStr)
	if err != nil {
		return false, err
	}
	return time.Until(exp) <= within, nil
}

func (m *Manager) sign(claims Claims, username string, ttl time.Duration) (string, error) {
	kp, err := m.keys.CurrentKey(m.config.Namespace)
	if err != nil {
		return "", err
	}
	method, err := signingMethodFor(kp.Algorithm)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    m.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kv"] = kp.Version

	signKey, err := signKeyFor(kp)
	if err != nil {
		return "", err
	}
	return token.SignedString(signKey)
}

func (m *Manager) validMethods() []string {
	return []string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodEdDSA.Alg()}
}

func signingMethodFor(alg keys.Algorithm) (jwt.SigningMethod, error) {
	switch alg {
	case keys.AlgorithmHMACSHA256:
		return jwt.SigningMethodHS256, nil
	case keys.AlgorithmEd25519:
		return jwt.SigningMethodEdDSA, nil
	default:
		return nil, fmt.Errorf("algorithm %s cannot sign tokens", alg)
	}
}

func signKeyFor(kp *keys.KeyPair) (interface{}, error) {
	switch kp.Algorithm {
	case keys.AlgorithmHMACSHA256:
		return kp.Private, nil
	case keys.AlgorithmEd25519:
		if len(kp.Private) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		return ed25519.PrivateKey(kp.Private), nil
	default:
		return nil, fmt.Errorf("algorithm %s cannot sign tokens", kp.Algorithm)
	}
}

func verifyKeyFor(kp *keys.KeyPair) (interface{}, error) {
	switch kp.Algorithm {
	case keys.AlgorithmHMACSHA256:
		return kp.Public, nil
	case keys.AlgorithmEd25519:
		if len(kp.Public) != ed25519.PublicKeySize {
			return nil, errors.New("invalid ed25519 public key size")
		}
		return ed25519.PublicKey(kp.Public), nil
	default:
		return nil, fmt.Errorf("algorithm %s cannot verify tokens", kp.Algorithm)
	}
}

func headerKeyVersion(t *jwt.Token) (int, error) {
	raw, ok := t.Header["kv"]
	if !ok {
		return 0, errors.New("missing key version header")
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, errors.New("invalid key version header")
	}
}
