// Package cache implements the response cache: fingerprinted entries under a
// byte budget with LRU, LFU, or time-based eviction. Expiration is lazy on
// lookup with an eager ClearExpired sweep for callers that want one.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gantrygw/gantry/internal/core"
)

// EvictionPolicy selects which entry goes first when the budget is full.
type EvictionPolicy string

const (
	// LRU evicts the least recently accessed entry.
	LRU EvictionPolicy = "lru"
	// LFU evicts the entry with the fewest total hits.
	LFU EvictionPolicy = "lfu"
	// TimeBased evicts the oldest entry by creation time.
	TimeBased EvictionPolicy = "time-based"
)

// Policy configures what a route's cache admits and how it evicts.
type Policy struct {
	TTL      time.Duration
	MaxSize  int64 // total byte budget across entries
	Eviction EvictionPolicy
	// Methods and Statuses gate admission; empty defaults to GET / 200.
	Methods  []string
	Statuses []int
	// VaryHeaders name request headers folded into the fingerprint, in
	// configured order.
	VaryHeaders []string
}

func (p Policy) withDefaults() Policy {
	if p.TTL <= 0 {
		p.TTL = 60 * time.Second
	}
	if p.MaxSize <= 0 {
		p.MaxSize = 64 << 20
	}
	if p.Eviction == "" {
		p.Eviction = LRU
	}
	if len(p.Methods) == 0 {
		p.Methods = []string{http.MethodGet}
	}
	if len(p.Statuses) == 0 {
		p.Statuses = []int{http.StatusOK}
	}
	return p
}

// Cache is one route's response cache.
type Cache struct {
	policy   Policy
	methods  map[string]bool
	statuses map[int]bool
	store    *store
}

// New builds a cache for the policy.
func New(policy Policy) (*Cache, error) {
	policy = policy.withDefaults()
	switch policy.Eviction {
	case LRU, LFU, TimeBased:
	default:
		return nil, fmt.Errorf("cache: unknown eviction policy %q", policy.Eviction)
	}
	c := &Cache{
		policy:   policy,
		methods:  make(map[string]bool, len(policy.Methods)),
		statuses: make(map[int]bool, len(policy.Statuses)),
		store:    newStore(policy.MaxSize, policy.Eviction),
	}
	for _, m := range policy.Methods {
		c.methods[strings.ToUpper(m)] = true
	}
	for _, s := range policy.Statuses {
		c.statuses[s] = true
	}
	return c, nil
}

// CacheableRequest reports whether the request method may be served from or
// stored into the cache.
func (c *Cache) CacheableRequest(method string) bool {
	return c.methods[strings.ToUpper(method)]
}

// CacheableResponse reports whether the response status may be stored.
func (c *Cache) CacheableResponse(status int) bool {
	return c.statuses[status]
}

// Fingerprint derives the stable entry key for a request under this cache's
// vary configuration.
func (c *Cache) Fingerprint(req *core.Request) string {
	return Fingerprint(req.Method, req.Path, req.Query, c.policy.VaryHeaders, req.Header)
}

// Fingerprint is SHA-256 over the method, path, stably-serialized query
// (url.Values.Encode sorts keys), and the vary-header values in configured
// order.
func Fingerprint(method, path string, query url.Values, varyNames []string, header http.Header) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('|')
	b.WriteString(path)
	b.WriteByte('|')
	b.WriteString(query.Encode())
	for _, name := range varyNames {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(header.Get(name))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response for the fingerprint, or nil. Expired
// entries are removed on sight. Hits update recency and the hit counter.
func (c *Cache) Get(fingerprint string) *core.Response {
	return c.store.get(fingerprint)
}

// Set stores a clone of resp under the fingerprint, evicting per policy
// until the byte budget fits. Responses larger than the whole budget are
// not stored. path is retained for glob invalidation.
func (c *Cache) Set(fingerprint, path string, resp *core.Response) {
	c.store.set(fingerprint, path, resp.Clone(), c.policy.TTL)
}

// Invalidate removes one entry by fingerprint.
func (c *Cache) Invalidate(fingerprint string) bool {
	return c.store.invalidate(fingerprint)
}

// InvalidateMatching removes every entry whose request path matches the
// doublestar glob. Returns the number removed.
func (c *Cache) InvalidateMatching(glob string) int {
	return c.store.invalidateMatching(glob)
}

// ClearExpired eagerly removes expired entries and returns how many went.
func (c *Cache) ClearExpired() int {
	return c.store.clearExpired()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.store.purge()
}

// Stats snapshots the cache.
func (c *Cache) Stats() Stats {
	return c.store.stats()
}
