// Package auth implements the admission validators: API key, JWT (static
// keys or JWKS), OAuth2 token introspection, and HTTP basic. Every validator
// resolves to a core.Consumer on success and reports typed gateway errors
// on rejection.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gantrygw/gantry/internal/core"
)

// APIKey is one stored key record. Keys are stored hashed; the plaintext
// never persists past registration.
type APIKey struct {
	ID         string
	ConsumerID string
	// HashedKey is the lowercase hex SHA-256 of the key material.
	HashedKey string
	Scopes    []string
	ExpiresAt time.Time // zero means no expiry
	Disabled  bool
}

// HashKey derives the stored form of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// ConsumerStore holds consumers and their credentials. The admin plane
// replaces content with whole-value swaps; request-plane reads see either
// the old or the new set, never a mix.
type ConsumerStore struct {
	mu        sync.RWMutex
	consumers map[string]*core.Consumer
	keys      map[string]*APIKey // keyed by hash
}

// NewConsumerStore returns an empty store.
func NewConsumerStore() *ConsumerStore {
	return &ConsumerStore{
		consumers: make(map[string]*core.Consumer),
		keys:      make(map[string]*APIKey),
	}
}

// ReplaceAll swaps the entire consumer and key set atomically.
func (s *ConsumerStore) ReplaceAll(consumers []*core.Consumer, keys []*APIKey) {
	nc := make(map[string]*core.Consumer, len(consumers))
	for _, c := range consumers {
		nc[c.ID] = c
	}
	nk := make(map[string]*APIKey, len(keys))
	for _, k := range keys {
		nk[k.HashedKey] = k
	}
	s.mu.Lock()
	s.consumers = nc
	s.keys = nk
	s.mu.Unlock()
}

// Consumer returns a consumer by ID.
func (s *ConsumerStore) Consumer(id string) (*core.Consumer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consumers[id]
	return c, ok
}

// KeyByHash returns a key record by its stored hash.
func (s *ConsumerStore) KeyByHash(hash string) (*APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[hash]
	return k, ok
}

// AddConsumer registers or replaces one consumer.
func (s *ConsumerStore) AddConsumer(c *core.Consumer) {
	s.mu.Lock()
	s.consumers[c.ID] = c
	s.mu.Unlock()
}

// AddKey registers or replaces one key record.
func (s *ConsumerStore) AddKey(k *APIKey) {
	s.mu.Lock()
	s.keys[k.HashedKey] = k
	s.mu.Unlock()
}
