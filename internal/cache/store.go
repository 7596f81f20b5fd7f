package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gantrygw/gantry/internal/core"
)

type entry struct {
	response *core.Response
	path     string // request path, for glob invalidation
	size     int64
	created  time.Time
	expires  time.Time
	hits     int64
	accessed time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expires)
}

// Stats is a point-in-time view of one cache store.
type Stats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// store holds entries under a byte budget. Eviction needs a whole-store view
// so a single mutex guards the map; entries are small metadata around shared
// response clones and operations stay short.
type store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	size     int64
	maxSize  int64
	eviction EvictionPolicy

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	now func() time.Time
}

func newStore(maxSize int64, eviction EvictionPolicy) *store {
	return &store{
		entries:  make(map[string]*entry),
		maxSize:  maxSize,
		eviction: eviction,
		now:      time.Now,
	}
}

func (s *store) get(key string) *core.Response {
	now := s.now()
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		s.misses.Add(1)
		return nil
	}
	if e.expired(now) {
		s.remove(key, e)
		s.mu.Unlock()
		s.misses.Add(1)
		return nil
	}
	e.hits++
	e.accessed = now
	resp := e.response
	s.mu.Unlock()
	s.hits.Add(1)
	return resp.Clone()
}

func (s *store) set(key, path string, resp *core.Response, ttl time.Duration) {
	size := int64(len(resp.Body))
	for _, vv := range resp.Header {
		for _, v := range vv {
			size += int64(len(v))
		}
	}
	if size > s.maxSize {
		return
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.remove(key, old)
	}
	for s.size+size > s.maxSize && len(s.entries) > 0 {
		s.evictOne(now)
	}
	s.entries[key] = &entry{
		response: resp,
		path:     path,
		size:     size,
		created:  now,
		expires:  now.Add(ttl),
		accessed: now,
	}
	s.size += size
}

// evictOne removes the policy's victim. Caller holds s.mu; the map is
// non-empty. Expired entries go first regardless of policy.
func (s *store) evictOne(now time.Time) {
	var victimKey string
	var victim *entry
	for k, e := range s.entries {
		if e.expired(now) {
			victimKey, victim = k, e
			break
		}
		if victim == nil || s.worse(e, victim) {
			victimKey, victim = k, e
		}
	}
	s.remove(victimKey, victim)
	s.evictions.Add(1)
}

// worse reports whether a is a better eviction victim than b under the
// configured policy.
func (s *store) worse(a, b *entry) bool {
	switch s.eviction {
	case LFU:
		return a.hits < b.hits
	case TimeBased:
		return a.created.Before(b.created)
	default: // LRU
		return a.accessed.Before(b.accessed)
	}
}

// remove deletes an entry and releases its budget. Caller holds s.mu.
func (s *store) remove(key string, e *entry) {
	delete(s.entries, key)
	s.size -= e.size
}

func (s *store) invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.remove(key, e)
	return true
}

func (s *store) invalidateMatching(glob string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if ok, err := doublestar.Match(glob, e.path); err == nil && ok {
			s.remove(k, e)
			removed++
		}
	}
	return removed
}

func (s *store) clearExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			s.remove(k, e)
			removed++
		}
	}
	return removed
}

func (s *store) purge() {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.size = 0
	s.mu.Unlock()
}

func (s *store) stats() Stats {
	s.mu.Lock()
	entries, size := len(s.entries), s.size
	s.mu.Unlock()
	return Stats{
		Entries:   entries,
		SizeBytes: size,
		MaxBytes:  s.maxSize,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}
