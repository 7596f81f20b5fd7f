package proxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/gantrygw/gantry/internal/circuitbreaker"
	"github.com/gantrygw/gantry/internal/health"
	"github.com/gantrygw/gantry/internal/loadbalancer"
)

// Timeouts bounds one upstream's request handling. Zero fields inherit the
// transport defaults.
type Timeouts struct {
	Connect time.Duration
	Send    time.Duration
	Read    time.Duration
	// Overall caps one full dispatch including retries.
	Overall time.Duration
}

// Upstream is one backend pool with its balancer and breaker.
type Upstream struct {
	ID       string
	Policy   loadbalancer.Policy
	Retries  int
	Timeouts Timeouts
	// HealthCheck is nil when the upstream relies on passive health only.
	HealthCheck *health.Spec

	Balancer loadbalancer.Balancer
	Breaker  *circuitbreaker.Breaker
}

// NewUpstream builds the upstream with its balancer and a breaker.
func NewUpstream(id string, policy loadbalancer.Policy, targets []*loadbalancer.Target, breakerCfg circuitbreaker.Config) (*Upstream, error) {
	if id == "" {
		return nil, fmt.Errorf("proxy: upstream id required")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("proxy: upstream %s has no targets", id)
	}
	b, err := loadbalancer.New(policy, targets)
	if err != nil {
		return nil, fmt.Errorf("proxy: upstream %s: %w", id, err)
	}
	return &Upstream{
		ID:       id,
		Policy:   b.Policy(),
		Balancer: b,
		Breaker:  circuitbreaker.New(breakerCfg),
	}, nil
}

// Registry holds the live upstream set. Config reloads publish whole-value
// swaps; request-plane reads never see a partial update.
type Registry struct {
	mu        sync.RWMutex
	upstreams map[string]*Upstream
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{upstreams: make(map[string]*Upstream)}
}

// Get returns an upstream by ID.
func (r *Registry) Get(id string) (*Upstream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.upstreams[id]
	return u, ok
}

// Replace swaps the entire upstream set.
func (r *Registry) Replace(upstreams []*Upstream) {
	m := make(map[string]*Upstream, len(upstreams))
	for _, u := range upstreams {
		m[u.ID] = u
	}
	r.mu.Lock()
	r.upstreams = m
	r.mu.Unlock()
}

// Range calls fn for every upstream until it returns false.
func (r *Registry) Range(fn func(*Upstream) bool) {
	r.mu.RLock()
	snapshot := make([]*Upstream, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		snapshot = append(snapshot, u)
	}
	r.mu.RUnlock()
	for _, u := range snapshot {
		if !fn(u) {
			return
		}
	}
}

// IDs lists the registered upstream IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.upstreams))
	for id := range r.upstreams {
		ids = append(ids, id)
	}
	return ids
}
