// Package shard provides a fixed-fanout sharded map keyed by string. Entity
// state keyed by upstream ID, rule key, or fingerprint lives in one of these
// so operations on different entities never contend.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a sharded string-keyed map safe for concurrent use.
type Map[V any] struct {
	shards [shardCount]mapShard[V]
}

// NewMap returns an initialized sharded map.
func NewMap[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return m
}

func (m *Map[V]) shard(key string) *mapShard[V] {
	return &m.shards[xxhash.Sum64String(key)%shardCount]
}

// Get returns the value for key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Set stores v under key.
func (m *Map[V]) Set(key string, v V) {
	s := m.shard(key)
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
}

// GetOrCreate returns the value for key, building it with create under the
// shard lock on first use so concurrent callers observe a single instance.
func (m *Map[V]) GetOrCreate(key string, create func() V) V {
	s := m.shard(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok = s.items[key]; ok {
		return v
	}
	v = create()
	s.items[key] = v
	return v
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// DeleteFunc removes every entry the predicate selects and returns how many
// were removed.
func (m *Map[V]) DeleteFunc(pred func(key string, v V) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.items {
			if pred(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Range calls fn for each entry until fn returns false. Iteration holds one
// shard read lock at a time.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Len counts entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
