// Package dpop implements the DPoP (Demonstrating Proof-of-Possession) key
// manager spec.md §4.11 describes: per-client asymmetric key pairs with RFC
// 7638 thumbprints, a rotate-on-read expiry scheme, a pluggable storage
// trait, and a background AutoRotationService. The 5-minute LRU-equivalent
// cache fronting the storage backend is grounded on
// scrypster-memento/internal/connections/manager.go's guarded-map caching
// discipline; the rotation bookkeeping (generation counter, forced-expiry
// on rotate) has no direct teacher analogue and is built from spec.md
// §4.11's numbered steps.
package dpop

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Algorithm names the asymmetric key type, matching the JOSE "alg" values
// DPoP proof JWTs carry.
type Algorithm string

const (
	AlgorithmES256 Algorithm = "ES256"
	AlgorithmRS256 Algorithm = "RS256"
	AlgorithmPS256 Algorithm = "PS256"
)

// KeyPair is one managed DPoP key, covering both the EC and RSA cases;
// exactly one of ECPrivateKey/RSAPrivateKey is set, matching Algorithm.
type KeyPair struct {
	KeyID      string
	Algorithm  Algorithm
	Thumbprint string // RFC 7638 JWK thumbprint, base64url-encoded

	ECPrivateKey  *ecdsa.PrivateKey
	RSAPrivateKey *rsa.PrivateKey

	// PrivatePlaceholder is set instead of an in-process key when the pair
	// is backed by an HSM: the private half never leaves the device.
	PrivatePlaceholder bool

	ClientID  string
	SessionID string

	RotationGeneration int
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// Expired reports whether the pair's expiry has passed as of now.
func (k *KeyPair) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

var (
	ErrUnknownKey        = errors.New("dpop: unknown key id")
	ErrUnsupportedAlgorithm = errors.New("dpop: unsupported algorithm")
)

// Storage is the pluggable backend trait spec.md §4.11 specifies: store,
// get, delete, list, health_check.
type Storage interface {
	Store(ctx context.Context, k *KeyPair) error
	Get(ctx context.Context, keyID string) (*KeyPair, bool, error)
	Delete(ctx context.Context, keyID string) error
	List(ctx context.Context) ([]*KeyPair, error)
	HealthCheck(ctx context.Context) error
}

// cacheTTL is the in-memory lookup cache's per-entry lifetime.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	pair      *KeyPair
	cachedAt  time.Time
}

// Manager owns key generation, rotation, and cleanup, fronting Storage with
// a short-lived read cache.
type Manager struct {
	storage Storage

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry

	defaultTTL time.Duration
}

// NewManager constructs a Manager. defaultTTL governs how long a freshly
// generated key pair is valid for before cleanup_expired_keys removes it.
func NewManager(storage Storage, defaultTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Manager{
		storage:    storage,
		cache:      make(map[string]cacheEntry),
		defaultTTL: defaultTTL,
	}
}

// GenerateKeyPair implements generate_key_pair: produces a fresh pair of
// the requested algorithm, computes its RFC 7638 thumbprint, assigns a
// UUID key id, stores it, and returns it.
func (m *Manager) GenerateKeyPair(ctx context.Context, algorithm Algorithm, clientID, sessionID string) (*KeyPair, error) {
	k, err := newKeyPair(algorithm)
	if err != nil {
		return nil, err
	}
	k.KeyID = uuid.NewString()
	k.ClientID = clientID
	k.SessionID = sessionID
	k.CreatedAt = time.Now()
	k.ExpiresAt = k.CreatedAt.Add(m.defaultTTL)

	thumb, err := thumbprint(k)
	if err != nil {
		return nil, err
	}
	k.Thumbprint = thumb

	if err := m.storage.Store(ctx, k); err != nil {
		return nil, err
	}
	m.putCache(k)
	return k, nil
}

func newKeyPair(algorithm Algorithm) (*KeyPair, error) {
	switch algorithm {
	case AlgorithmES256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("dpop: generate EC key: %w", err)
		}
		return &KeyPair{Algorithm: algorithm, ECPrivateKey: priv}, nil
	case AlgorithmRS256, AlgorithmPS256:
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("dpop: generate RSA key: %w", err)
		}
		return &KeyPair{Algorithm: algorithm, RSAPrivateKey: priv}, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// thumbprint computes the RFC 7638 canonical JWK SHA-256 thumbprint: a
// lexicographically-key-ordered JSON object of only the REQUIRED members,
// hashed and base64url-encoded without padding.
func thumbprint(k *KeyPair) (string, error) {
	var canonical string
	switch {
	case k.ECPrivateKey != nil:
		pub := k.ECPrivateKey.PublicKey
		x := base64.RawURLEncoding.EncodeToString(pub.X.Bytes())
		y := base64.RawURLEncoding.EncodeToString(pub.Y.Bytes())
		canonical = fmt.Sprintf(`{"crv":"P-256","kty":"EC","x":%q,"y":%q}`, x, y)
	case k.RSAPrivateKey != nil:
		pub := k.RSAPrivateKey.PublicKey
		n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(bigEndianBytes(pub.E))
		canonical = fmt.Sprintf(`{"e":%q,"kty":"RSA","n":%q}`, e, n)
	default:
		return "", errors.New("dpop: key pair has no public material to thumbprint")
	}
	// Re-marshal through encoding/json to guarantee the member ordering
	// RFC 7638 requires rather than relying on the literal field order above.
	var m map[string]string
	if err := json.Unmarshal([]byte(canonical), &m); err != nil {
		return "", err
	}
	ordered, err := canonicalJSON(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(ordered)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func bigEndianBytes(e int) []byte {
	b := []byte{byte(e >> 16), byte(e >> 8), byte(e)}
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	return b[i:]
}

// canonicalJSON re-encodes m with lexicographically sorted keys, which
// encoding/json already guarantees for map[string]string.
func canonicalJSON(m map[string]string) ([]byte, error) {
	return json.Marshal(m)
}

func (m *Manager) putCache(k *KeyPair) {
	cp := *k
	m.cacheMu.Lock()
	m.cache[k.KeyID] = cacheEntry{pair: &cp, cachedAt: time.Now()}
	m.cacheMu.Unlock()
}

// Get implements key lookup, consulting the cache before falling back to
// storage I/O on a miss or a stale (>5m) entry.
func (m *Manager) Get(ctx context.Context, keyID string) (*KeyPair, error) {
	m.cacheMu.RLock()
	entry, ok := m.cache[keyID]
	m.cacheMu.RUnlock()
	if ok && time.Since(entry.cachedAt) < cacheTTL {
		if entry.pair.Expired(time.Now()) {
			return nil, ErrUnknownKey
		}
		return entry.pair, nil
	}

	k, found, err := m.storage.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUnknownKey
	}
	if k.Expired(time.Now()) {
		return nil, ErrUnknownKey
	}
	m.putCache(k)
	return k, nil
}

// RotateKeyPair implements rotate_key_pair's four steps: load current,
// generate a same-algorithm replacement carrying over client/session
// metadata and an incremented generation counter, force the old key to
// expire immediately, and return the new pair.
func (m *Manager) RotateKeyPair(ctx context.Context, keyID string) (*KeyPair, error) {
	current, _, err := m.storage.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrUnknownKey
	}

	next, err := newKeyPair(current.Algorithm)
	if err != nil {
		return nil, err
	}
	next.KeyID = uuid.NewString()
	next.ClientID = current.ClientID
	next.SessionID = current.SessionID
	next.RotationGeneration = current.RotationGeneration + 1
	next.CreatedAt = time.Now()
	next.ExpiresAt = next.CreatedAt.Add(m.defaultTTL)
	thumb, err := thumbprint(next)
	if err != nil {
		return nil, err
	}
	next.Thumbprint = thumb

	current.ExpiresAt = time.Now().Add(-time.Second)
	if err := m.storage.Store(ctx, current); err != nil {
		return nil, err
	}
	if err := m.storage.Store(ctx, next); err != nil {
		return nil, err
	}
	m.putCache(next)
	m.putCache(current)
	return next, nil
}

// CleanupExpiredKeys implements cleanup_expired_keys: deletes every key
// whose ExpiresAt has passed, returning the count removed.
func (m *Manager) CleanupExpiredKeys(ctx context.Context) (int, error) {
	all, err := m.storage.List(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	n := 0
	for _, k := range all {
		if k.Expired(now) {
			if err := m.storage.Delete(ctx, k.KeyID); err == nil {
				n++
				m.cacheMu.Lock()
				delete(m.cache, k.KeyID)
				m.cacheMu.Unlock()
			}
		}
	}
	return n, nil
}
