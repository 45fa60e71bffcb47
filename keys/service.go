package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

// Algorithm tags a key algorithm. Per-business default algorithm selection
// is explicit configuration, never inferred.
type Algorithm string

const (
	// AlgorithmEd25519 signs and verifies with Ed25519 key pairs.
	AlgorithmEd25519 Algorithm = "ed25519"
	// AlgorithmHMACSHA256 signs and verifies with HMAC-SHA256.
	AlgorithmHMACSHA256 Algorithm = "hmac-sha256"
	// AlgorithmAESGCM encrypts and decrypts with AES-256-GCM.
	AlgorithmAESGCM Algorithm = "aes-gcm"
)

var (
	// ErrUnknownAlgorithm indicates a factory lookup for an unregistered
	// algorithm. This is a configuration error and fatal at startup.
	ErrUnknownAlgorithm = errors.New("unknown key algorithm")
	// ErrUnsupportedOperation indicates an operation the algorithm cannot
	// perform (e.g. Encrypt on a signing algorithm).
	ErrUnsupportedOperation = errors.New("operation not supported by algorithm")
	// ErrVerifyFailed indicates a signature that does not verify.
	ErrVerifyFailed = errors.New("signature verification failed")
	// ErrDecryptFailed indicates a ciphertext that does not authenticate.
	ErrDecryptFailed = errors.New("decryption failed")
)

// Service is the capability interface all algorithm implementations satisfy.
// Material is raw key bytes: the private/secret key for Sign and Decrypt,
// the public key (or the same secret for symmetric algorithms) for Verify.
type Service interface {
	Encrypt(material, plaintext []byte) ([]byte, error)
	Decrypt(material, ciphertext []byte) ([]byte, error)
	Sign(material, data []byte) ([]byte, error)
	Verify(material, data, sig []byte) error
	// GenerateKey returns (public, private) material. Symmetric algorithms
	// return the same secret for both.
	GenerateKey() ([]byte, []byte, error)
}

// Factory dispatches to algorithm-specific implementations. The table is
// built once at construction and treated as read-only thereafter.
type Factory struct {
	services map[Algorithm]Service
}

// NewFactory builds the dispatch table for the given algorithms. An
// unrecognized algorithm is a construction error.
func NewFactory(algorithms ...Algorithm) (*Factory, error) {
	if len(algorithms) == 0 {
		algorithms = []Algorithm{AlgorithmEd25519, AlgorithmHMACSHA256, AlgorithmAESGCM}
	}

	services := make(map[Algorithm]Service, len(algorithms))
	for _, alg := range algorithms {
		switch alg {
		case AlgorithmEd25519:
			services[alg] = ed25519Service{}
		case AlgorithmHMACSHA256:
			services[alg] = hmacService{}
		case AlgorithmAESGCM:
			services[alg] = aesgcmService{}
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
		}
	}

	return &Factory{services: services}, nil
}

// Service returns the implementation for the given algorithm.
func (f *Factory) Service(alg Algorithm) (Service, error) {
	svc, ok := f.services[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
	}
	return svc, nil
}

type ed25519Service struct{}

func (ed25519Service) Encrypt([]byte, []byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (ed25519Service) Decrypt([]byte, []byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (ed25519Service) Sign(material, data []byte) ([]byte, error) {
	if len(material) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key size")
	}
	return ed25519.Sign(ed25519.PrivateKey(material), data), nil
}

func (ed25519Service) Verify(material, data, sig []byte) error {
	if len(material) != ed25519.PublicKeySize {
		return errors.New("invalid ed25519 public key size")
	}
	if !ed25519.Verify(ed25519.PublicKey(material), data, sig) {
		return ErrVerifyFailed
	}
	return nil
}

func (ed25519Service) GenerateKey() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

type hmacService struct{}

func (hmacService) Encrypt([]byte, []byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (hmacService) Decrypt([]byte, []byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (hmacService) Sign(material, data []byte) ([]byte, error) {
	if len(material) < 32 {
		return nil, errors.New("hmac key must be >= 32 bytes")
	}
	mac := hmac.New(sha256.New, material)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (h hmacService) Verify(material, data, sig []byte) error {
	expected, err := h.Sign(material, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected, sig) != 1 {
		return ErrVerifyFailed
	}
	return nil
}

func (hmacService) GenerateKey() ([]byte, []byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, err
	}
	return secret, secret, nil
}

type aesgcmService struct{}

func (aesgcmService) Encrypt(material, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(material)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (aesgcmService) Decrypt(material, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(material)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func (aesgcmService) Sign([]byte, []byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (aesgcmService) Verify([]byte, []byte, []byte) error {
	return ErrUnsupportedOperation
}

func (aesgcmService) GenerateKey() ([]byte, []byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, err
	}
	return secret, secret, nil
}

func newGCM(material []byte) (cipher.AEAD, error) {
	if len(material) != 32 {
		return nil, errors.New("aes-gcm key must be 32 bytes")
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
