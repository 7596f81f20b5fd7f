// Package plugin implements the phase-ordered handler pipeline attached to
// routes. Plugins are declared as descriptors naming a registered factory;
// resolution happens once at registration, never per request.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gantrygw/gantry/internal/core"
)

// Phase is one of the fixed pipeline stages.
type Phase string

const (
	PhasePreRoute  Phase = "pre-route"
	PhaseRoute     Phase = "route"
	PhasePostRoute Phase = "post-route"
	PhaseError     Phase = "error"
)

// ValidPhase reports whether p names a known phase.
func ValidPhase(p Phase) bool {
	switch p {
	case PhasePreRoute, PhaseRoute, PhasePostRoute, PhaseError:
		return true
	}
	return false
}

// Descriptor declares one plugin instance on a route.
type Descriptor struct {
	Name     string         `yaml:"name" json:"name"`
	Phase    Phase          `yaml:"phase" json:"phase"`
	Priority int            `yaml:"priority" json:"priority"`
	Enabled  *bool          `yaml:"enabled" json:"enabled,omitempty"`
	Config   map[string]any `yaml:"config" json:"config,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (d Descriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// RouteInfo is the slice of route state handlers may read. It is a value
// copy; handlers cannot mutate routing.
type RouteInfo struct {
	ID         string
	Name       string
	UpstreamID string
	PathParams map[string]string
}

// Context carries one request through the pipeline phases.
type Context struct {
	Request  *core.Request
	Route    RouteInfo
	Consumer *core.Consumer

	// Response holds the current response from dispatch, cache, or an
	// earlier plugin; post-route and error handlers may replace it.
	Response *core.Response

	// Err is set for error-phase handlers.
	Err error

	// Values is per-request scratch shared between plugins on the chain.
	Values map[string]any
}

// Handler executes one plugin. Returning a non-nil response short-circuits
// the remainder of the phase.
type Handler interface {
	Execute(ctx context.Context, pc *Context) (*core.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, pc *Context) (*core.Response, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, pc *Context) (*core.Response, error) {
	return f(ctx, pc)
}

// Factory constructs a handler from a descriptor's config payload.
// Config errors must surface here, at registration.
type Factory func(config map[string]any) (Handler, error)

// Registry maps plugin names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Names returns the registered plugin names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the handler for a descriptor.
func (r *Registry) Resolve(d Descriptor) (Handler, error) {
	if !ValidPhase(d.Phase) {
		return nil, fmt.Errorf("plugin %q: unknown phase %q", d.Name, d.Phase)
	}
	r.mu.RLock()
	factory, ok := r.factories[d.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin %q: not registered", d.Name)
	}
	h, err := factory(d.Config)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: %w", d.Name, err)
	}
	return h, nil
}
