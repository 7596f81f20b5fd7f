// Package loadbalancer selects healthy upstream targets under one of six
// policies. Selection is lock-free on the hot path: the healthy-target slice
// is kept in an atomic snapshot refreshed on health flips and target swaps.
package loadbalancer

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gantrygw/gantry/internal/errors"
)

// Policy names a selection algorithm.
type Policy string

const (
	RoundRobin         Policy = "round-robin"
	WeightedRoundRobin Policy = "weighted-round-robin"
	LeastConnections   Policy = "least-connections"
	IPHash             Policy = "ip-hash"
	Random             Policy = "random"
	ConsistentHash     Policy = "consistent-hash"
)

// Target is one backend instance within an upstream.
type Target struct {
	ID        string
	URL       string
	ParsedURL *url.URL
	Weight    int

	healthy atomic.Bool
	active  atomic.Int64
}

// NewTarget parses and validates a target. Weight defaults to 1; targets
// start healthy until a health checker says otherwise.
func NewTarget(id, rawURL string, weight int) (*Target, error) {
	if id == "" {
		return nil, fmt.Errorf("loadbalancer: target id required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("loadbalancer: target %s: invalid url %q: %w", id, rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("loadbalancer: target %s: url %q needs scheme and host", id, rawURL)
	}
	if weight <= 0 {
		weight = 1
	}
	t := &Target{ID: id, URL: rawURL, ParsedURL: u, Weight: weight}
	t.healthy.Store(true)
	return t, nil
}

// Healthy reports the health-checker-maintained flag.
func (t *Target) Healthy() bool { return t.healthy.Load() }

// SetHealthy updates the flag directly; prefer the balancer's Mark methods
// so the healthy snapshot stays coherent.
func (t *Target) SetHealthy(v bool) { t.healthy.Store(v) }

// ActiveConnections returns the in-flight request count.
func (t *Target) ActiveConnections() int64 { return t.active.Load() }

// Pick carries the per-request inputs the hashing policies need.
type Pick struct {
	// ClientAddr feeds ip-hash.
	ClientAddr string
	// Key is the consistent-hash routing key, typically the request path.
	Key string
}

// Balancer selects one healthy target per call and counts connections.
// Callers must Release every selected target on every exit path.
type Balancer interface {
	Policy() Policy
	Select(p Pick) (*Target, error)
	Release(t *Target)
	SetTargets(targets []*Target)
	MarkHealthy(id string)
	MarkUnhealthy(id string)
	Targets() []*Target
}

// New builds a balancer for the policy over the given targets.
func New(policy Policy, targets []*Target) (Balancer, error) {
	switch policy {
	case "", RoundRobin:
		b := &roundRobin{}
		b.init(targets)
		return b, nil
	case WeightedRoundRobin:
		b := &weightedRoundRobin{}
		b.init(targets)
		return b, nil
	case LeastConnections:
		b := &leastConnections{}
		b.init(targets)
		return b, nil
	case IPHash:
		b := &ipHash{}
		b.init(targets)
		return b, nil
	case Random:
		b := &random{}
		b.init(targets)
		return b, nil
	case ConsistentHash:
		b := newConsistentHash(targets)
		return b, nil
	default:
		return nil, fmt.Errorf("loadbalancer: unknown policy %q", policy)
	}
}

// base carries the target set and the lock-free healthy snapshot shared by
// all policies.
type base struct {
	mu      sync.RWMutex
	targets []*Target
	snap    atomic.Value // []*Target, healthy only
}

func (b *base) init(targets []*Target) {
	b.targets = append([]*Target(nil), targets...)
	b.refresh()
}

func (b *base) SetTargets(targets []*Target) {
	b.mu.Lock()
	b.targets = append([]*Target(nil), targets...)
	b.mu.Unlock()
	b.refresh()
}

func (b *base) Targets() []*Target {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Target(nil), b.targets...)
}

func (b *base) MarkHealthy(id string)   { b.mark(id, true) }
func (b *base) MarkUnhealthy(id string) { b.mark(id, false) }

func (b *base) mark(id string, healthy bool) {
	b.mu.RLock()
	for _, t := range b.targets {
		if t.ID == id {
			t.healthy.Store(healthy)
			break
		}
	}
	b.mu.RUnlock()
	b.refresh()
}

func (b *base) Release(t *Target) {
	if t != nil {
		t.active.Add(-1)
	}
}

// refresh rebuilds the healthy snapshot. Runs on health flips and target
// swaps, never on the request path.
func (b *base) refresh() {
	b.mu.RLock()
	healthy := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		if t.Healthy() {
			healthy = append(healthy, t)
		}
	}
	b.mu.RUnlock()
	b.snap.Store(healthy)
}

// healthy returns the current snapshot without locking.
func (b *base) healthy() []*Target {
	if v := b.snap.Load(); v != nil {
		return v.([]*Target)
	}
	return nil
}

// pickTrivial settles the zero- and one-healthy cases shared by all
// policies. The bool reports whether selection is done.
func pickTrivial(healthy []*Target) (*Target, error, bool) {
	switch len(healthy) {
	case 0:
		return nil, errors.New(errors.KindNoHealthyTargets), true
	case 1:
		t := healthy[0]
		t.active.Add(1)
		return t, nil, true
	}
	return nil, nil, false
}
