// Package authsvc derives and verifies the single shared-password credential
// used to admit remote sessions, and enforces the per-IP attempt throttle
// that guards /api/auth.
package authsvc

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32
	iterations = 100_000
)

// ErrEmptyPassword is returned when NewCredential is asked to derive from an
// empty password; callers at the share-controller boundary reject this
// before it ever reaches here, but the guard is repeated since this package
// has no other caller-supplied invariant to lean on.
var ErrEmptyPassword = errors.New("authsvc: password must not be empty")

// Credential holds a derived key and the salt it was derived with. Only the
// derived key is ever compared; the plaintext password is discarded once
// NewCredential returns.
type Credential struct {
	Key  [keySize]byte
	Salt [saltSize]byte
}

// NewCredential generates a fresh random salt and derives a key from
// password. Returns ErrEmptyPassword if password is empty.
func NewCredential(password string) (Credential, error) {
	if password == "" {
		return Credential{}, ErrEmptyPassword
	}

	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return Credential{}, fmt.Errorf("authsvc: generate salt: %w", err)
	}

	return Credential{Key: deriveKey(password, salt[:]), Salt: salt}, nil
}

// Verify reports whether password, re-derived with this credential's salt,
// matches the stored key. Comparison is constant-time.
func (c Credential) Verify(password string) bool {
	candidate := deriveKey(password, c.Salt[:])
	return subtle.ConstantTimeCompare(candidate[:], c.Key[:]) == 1
}

func deriveKey(password string, salt []byte) [keySize]byte {
	derived := pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
	var out [keySize]byte
	copy(out[:], derived)
	return out
}

// SessionSet is the Authenticated Session set (spec.md §3): opaque session
// ids admitted after a successful password exchange. Has no TTL by design —
// entries persist until explicitly cleared or kicked.
type SessionSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

// NewSessionSet returns an empty session set.
func NewSessionSet() *SessionSet {
	return &SessionSet{ids: make(map[string]bool)}
}

// Admit marks id as authenticated.
func (s *SessionSet) Admit(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = true
}

// IsAuthenticated reports whether id has been admitted and not since kicked
// or cleared.
func (s *SessionSet) IsAuthenticated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

// Revoke removes id from the set (used by kick).
func (s *SessionSet) Revoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Clear empties the set (used by stop_sharing and update_share_password).
func (s *SessionSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[string]bool)
}

// RateLimiter enforces a sliding-window attempt cap per peer IP.
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	limit    int
	attempts map[string][]time.Time
}

// NewRateLimiter returns a limiter allowing at most limit attempts per ip
// within window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, attempts: make(map[string][]time.Time)}
}

// Allow records an attempt for ip at time now and reports whether it is
// within the limit. Expired entries for ip are pruned on each call for that
// ip; entries of other IPs are left as they are, and a key is never removed
// from the map.
func (r *RateLimiter) Allow(ip string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.attempts[ip][:0]
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.attempts[ip] = kept
		return false
	}

	r.attempts[ip] = append(kept, now)
	return true
}

// nonceTTL is how long an issued nonce remains redeemable.
const nonceTTL = 2 * time.Minute

// NonceCache hands out single-use, short-lived tokens for the WebSocket
// reconnect handshake: a client that already authenticated once can present
// a fresh nonce instead of replaying its session id verbatim across a
// reconnect, so a captured upgrade URL can't be replayed after it expires.
type NonceCache struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewNonceCache returns an empty nonce cache.
func NewNonceCache() *NonceCache {
	return &NonceCache{expires: make(map[string]time.Time)}
}

// Issue mints a new random nonce valid until now+nonceTTL.
func (c *NonceCache) Issue(now time.Time) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("authsvc: generate nonce: %w", err)
	}
	nonce := id.String()

	c.mu.Lock()
	c.expires[nonce] = now.Add(nonceTTL)
	c.mu.Unlock()

	return nonce, nil
}

// Redeem consumes nonce if it exists and has not expired as of now. A nonce
// can be redeemed at most once.
func (c *NonceCache) Redeem(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.expires[nonce]
	delete(c.expires, nonce)
	if !ok {
		return false
	}
	return now.Before(expiry)
}

// Sweep discards expired nonces. Intended to be called periodically so the
// cache doesn't grow unbounded from never-redeemed nonces.
func (c *NonceCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for nonce, expiry := range c.expires {
		if !now.After(expiry) {
			continue
		}
		delete(c.expires, nonce)
	}
}
