package keys

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownNamespace indicates a business namespace that was never registered.
	ErrUnknownNamespace = errors.New("unknown key namespace")
	// ErrKeyVersionUnknown indicates a version that is not retained. Callers
	// surface this as an authentication failure, not a system crash.
	ErrKeyVersionUnknown = errors.New("key version unknown")
	// ErrKeyVersionInvalid indicates a retained version marked invalid.
	ErrKeyVersionInvalid = errors.New("key version invalid")
	// ErrActiveVersion indicates an attempt to expire or evict the version
	// currently used for new operations.
	ErrActiveVersion = errors.New("cannot remove active key version")
	// ErrNamespaceExists indicates a duplicate namespace registration.
	ErrNamespaceExists = errors.New("key namespace already registered")
)

// KeyPair is one version of key material within a namespace.
type KeyPair struct {
	Algorithm  Algorithm
	Version    int
	Public     []byte
	Private    []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt time.Time
	Valid      bool
	UsageCount uint64
}

type namespaceState struct {
	algorithm Algorithm
	versions  map[int]*KeyPair
	current   int
	next      int // 0 when no version is staged
	lastVer   int
}

// Manager owns all key versions, keyed by business namespace. It is a single
// explicitly constructed state object: all mutation goes through its methods
// under one mutex, and initialization order is Register before any use.
type Manager struct {
	mu         sync.RWMutex
	factory    *Factory
	namespaces map[string]*namespaceState
	now        func() time.Time
}

// NewManager creates a key [Manager] dispatching through the given factory.
func NewManager(factory *Factory) *Manager {
	return &Manager{
		factory:    factory,
		namespaces: make(map[string]*namespaceState),
		now:        time.Now,
	}
}

// Register creates a namespace with a freshly generated version 1 as current.
// When seed is non-empty it is used as the symmetric secret of version 1
// instead of generated material, so deployments can bootstrap from config.
func (m *Manager) Register(business string, alg Algorithm, seed []byte) error {
	svc, err := m.factory.Service(alg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[business]; ok {
		return fmt.Errorf("%w: %s", ErrNamespaceExists, business)
	}

	var pub, priv []byte
	if len(seed) > 0 {
		pub, priv = seed, seed
	} else {
		pub, priv, err = svc.GenerateKey()
		if err != nil {
			return err
		}
	}

	kp := &KeyPair{
		Algorithm: alg,
		Version:   1,
		Public:    pub,
		Private:   priv,
		CreatedAt: m.now(),
		Valid:     true,
	}
	m.namespaces[business] = &namespaceState{
		algorithm: alg,
		versions:  map[int]*KeyPair{1: kp},
		current:   1,
		lastVer:   1,
	}
	return nil
}

// CurrentKey returns the version used for new signing/encryption in the
// namespace, touching its usage accounting.
func (m *Manager) CurrentKey(business string) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.namespaces[business]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, business)
	}

	kp := ns.versions[ns.current]
	kp.LastUsedAt = m.now()
	kp.UsageCount++
	return cloneKeyPair(kp), nil
}

// KeyByVersion returns a retained version for validation of previously
// issued tokens/ciphertexts. Invalid versions still resolve: a token signed
// before its key was expired must keep verifying until cleanup drops the
// version entirely.
func (m *Manager) KeyByVersion(business string, version int) (*KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.namespaces[business]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, business)
	}

	kp, ok := ns.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrKeyVersionUnknown, business, version)
	}
	return cloneKeyPair(kp), nil
}

// StageNext generates and stages the successor version without activating
// it. Staging is idempotent: an already-staged version is returned as-is.
func (m *Manager) StageNext(business string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.namespaces[business]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNamespace, business)
	}
	if ns.next != 0 {
		return ns.next, nil
	}

	return m.stageLocked(ns)
}

// Rotate activates the staged next version, staging one first if absent.
// The previous current is retained valid so already-issued material keeps
// validating; it is simply no longer used for new operations.
func (m *Manager) Rotate(business string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.namespaces[business]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNamespace, business)
	}

	if ns.next == 0 {
		if _, err := m.stageLocked(ns); err != nil {
			return 0, err
		}
	}

	ns.current = ns.next
	ns.next = 0
	return ns.current, nil
}

// MarkExpired marks a retained version invalid. The active version cannot
// be expired.
func (m *Manager) MarkExpired(business string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.namespaces[business]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, business)
	}
	if version == ns.current || version == ns.next {
		return ErrActiveVersion
	}

	kp, ok := ns.versions[version]
	if !ok {
		return fmt.Errorf("%w: %s v%d", ErrKeyVersionUnknown, business, version)
	}
	kp.Valid = false
	kp.ExpiresAt = m.now()
	return nil
}

// Cleanup removes versions beyond the retention count, oldest first, but
// only among versions already marked invalid. The active and staged
// versions are never evicted. Returns the number of versions removed.
func (m *Manager) Cleanup(business string, keepVersions int) (int, error) {
	if keepVersions < 0 {
		keepVersions = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.namespaces[business]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNamespace, business)
	}

	var invalid []int
	for v, kp := range ns.versions {
		if !kp.Valid && v != ns.current && v != ns.next {
			invalid = append(invalid, v)
		}
	}
	sort.Ints(invalid)

	removed := 0
	for _, v := range invalid {
		if len(invalid)-removed <= keepVersions {
			break
		}
		delete(ns.versions, v)
		removed++
	}
	return removed, nil
}

// Versions returns the retained versions of a namespace in ascending order.
func (m *Manager) Versions(business string) ([]KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.namespaces[business]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, business)
	}

	nums := make([]int, 0, len(ns.versions))
	for v := range ns.versions {
		nums = append(nums, v)
	}
	sort.Ints(nums)

	out := make([]KeyPair, 0, len(nums))
	for _, v := range nums {
		out = append(out, *cloneKeyPair(ns.versions[v]))
	}
	return out, nil
}

// Sign signs data with the current version of the namespace and returns the
// signature along with the version that produced it.
func (m *Manager) Sign(business string, data []byte) ([]byte, int, error) {
	kp, err := m.CurrentKey(business)
	if err != nil {
		return nil, 0, err
	}
	svc, err := m.factory.Service(kp.Algorithm)
	if err != nil {
		return nil, 0, err
	}
	sig, err := svc.Sign(kp.Private, data)
	if err != nil {
		return nil, 0, err
	}
	return sig, kp.Version, nil
}

// Verify checks a signature against the retained version that produced it.
func (m *Manager) Verify(business string, version int, data, sig []byte) error {
	kp, err := m.KeyByVersion(business, version)
	if err != nil {
		return err
	}
	svc, err := m.factory.Service(kp.Algorithm)
	if err != nil {
		return err
	}
	return svc.Verify(kp.Public, data, sig)
}

// Encrypt encrypts plaintext with the current version of the namespace.
func (m *Manager) Encrypt(business string, plaintext []byte) ([]byte, int, error) {
	kp, err := m.CurrentKey(business)
	if err != nil {
		return nil, 0, err
	}
	svc, err := m.factory.Service(kp.Algorithm)
	if err != nil {
		return nil, 0, err
	}
	out, err := svc.Encrypt(kp.Private, plaintext)
	if err != nil {
		return nil, 0, err
	}
	return out, kp.Version, nil
}

// Decrypt decrypts ciphertext with the retained version that produced it.
func (m *Manager) Decrypt(business string, version int, ciphertext []byte) ([]byte, error) {
	kp, err := m.KeyByVersion(business, version)
	if err != nil {
		return nil, err
	}
	svc, err := m.factory.Service(kp.Algorithm)
	if err != nil {
		return nil, err
	}
	return svc.Decrypt(kp.Private, ciphertext)
}

func (m *Manager) stageLocked(ns *namespaceState) (int, error) {
	svc, err := m.factory.Service(ns.algorithm)
	if err != nil {
		return 0, err
	}
	pub, priv, err := svc.GenerateKey()
	if err != nil {
		return 0, err
	}

	ns.lastVer++
	ns.versions[ns.lastVer] = &KeyPair{
		Algorithm: ns.algorithm,
		Version:   ns.lastVer,
		Public:    pub,
		Private:   priv,
		CreatedAt: m.now(),
		Valid:     true,
	}
	ns.next = ns.lastVer
	return ns.lastVer, nil
}

func cloneKeyPair(kp *KeyPair) *KeyPair {
	out := *kp
	out.Public = append([]byte(nil), kp.Public...)
	out.Private = append([]byte(nil), kp.Private...)
	return &out
}
