package tracker

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// AuthKeyLength is the length of every peer authentication key.
const AuthKeyLength = 32

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// AuthKey authorizes a peer in private modes. A nil ValidUntil never
// expires; keys loaded from the wire carry no expiry and are checked
// against the stored copy.
type AuthKey struct {
	Key        string
	ValidUntil *time.Time
}

// Expired reports whether the key's validity window has passed.
func (k AuthKey) Expired(now time.Time) bool {
	return k.ValidUntil != nil && !k.ValidUntil.After(now)
}

// Keys is the in-memory view of the issued peer keys. The authoritative
// copy lives in the store; this map is loaded at startup and kept in step
// on issue and revoke.
type Keys struct {
	mu    sync.RWMutex
	keys  map[string]AuthKey
	clock clock.Clock
}

// NewKeys creates an empty key set reading time from clk.
func NewKeys(clk clock.Clock) *Keys {
	return &Keys{keys: make(map[string]AuthKey), clock: clk}
}

// Load replaces the in-memory set with the stored keys.
func (ks *Keys) Load(keys []AuthKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys = make(map[string]AuthKey, len(keys))
	for _, k := range keys {
		ks.keys[k.Key] = k
	}
}

// Generate mints a fresh random key valid for lifetime from now and adds it
// to the set.
func (ks *Keys) Generate(lifetime time.Duration) (AuthKey, error) {
	buf := make([]byte, AuthKeyLength)
	if _, err := rand.Read(buf); err != nil {
		return AuthKey{}, err
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}

	validUntil := ks.clock.Now().Add(lifetime)
	key := AuthKey{Key: string(buf), ValidUntil: &validUntil}

	ks.mu.Lock()
	ks.keys[key.Key] = key
	ks.mu.Unlock()
	return key, nil
}

// Add inserts an externally created key.
func (ks *Keys) Add(key AuthKey) {
	ks.mu.Lock()
	ks.keys[key.Key] = key
	ks.mu.Unlock()
}

// Remove revokes a key. It reports whether the key was present.
func (ks *Keys) Remove(key string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	_, ok := ks.keys[key]
	delete(ks.keys, key)
	return ok
}

// Verify checks a key string presented by a peer. Missing keys fail with
// ErrPeerNotAuthenticated, unknown or expired keys with ErrPeerKeyNotValid.
func (ks *Keys) Verify(key string) error {
	if key == "" {
		return ErrPeerNotAuthenticated
	}
	if len(key) != AuthKeyLength {
		return ErrPeerKeyNotValid
	}

	ks.mu.RLock()
	stored, ok := ks.keys[key]
	ks.mu.RUnlock()

	if !ok || stored.Expired(ks.clock.Now()) {
		return ErrPeerKeyNotValid
	}
	return nil
}

// Len returns the number of live keys.
func (ks *Keys) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}
