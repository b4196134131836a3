package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// NonceStore holds single-use page nonces with an expiry. It is safe for
// concurrent use.
type NonceStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewNonceStore creates a store whose nonces expire after ttl. A nil now uses
// [time.Now].
func NewNonceStore(ttl time.Duration, now func() time.Time) *NonceStore {
	if now == nil {
		now = time.Now
	}
	return &NonceStore{ttl: ttl, now: now, entries: make(map[string]time.Time)}
}

// Generate returns a fresh 32-character hex nonce and remembers it until it
// is consumed or expires.
func (s *NonceStore) Generate() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(b[:])

	s.mu.Lock()
	s.entries[nonce] = s.now().Add(s.ttl)
	s.mu.Unlock()
	return nonce, nil
}

// Consume reports whether nonce is known and unexpired. The nonce is removed
// either way, so a second Consume of the same value always fails.
func (s *NonceStore) Consume(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.entries[nonce]
	if !ok {
		return false
	}
	delete(s.entries, nonce)
	return s.now().Before(expiry)
}

// Cleanup drops every expired nonce and returns how many were removed.
func (s *NonceStore) Cleanup() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored nonces, expired ones included.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
