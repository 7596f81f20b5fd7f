package plugin

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/logging"
)

type instance struct {
	desc    Descriptor
	handler Handler
}

// Pipeline is a route's resolved plugin chain, bucketed by phase and ordered
// by descending priority (stable for equal priorities).
type Pipeline struct {
	phases map[Phase][]instance
}

// NewPipeline resolves descriptors against the registry. All descriptors are
// resolved so configuration errors surface even for disabled plugins, but
// only enabled ones are retained for execution.
func NewPipeline(reg *Registry, descs []Descriptor) (*Pipeline, error) {
	p := &Pipeline{phases: make(map[Phase][]instance, 4)}
	for _, d := range descs {
		h, err := reg.Resolve(d)
		if err != nil {
			return nil, err
		}
		if !d.IsEnabled() {
			continue
		}
		p.phases[d.Phase] = append(p.phases[d.Phase], instance{desc: d, handler: h})
	}
	for phase := range p.phases {
		chain := p.phases[phase]
		sort.SliceStable(chain, func(i, j int) bool {
			return chain[i].desc.Priority > chain[j].desc.Priority
		})
	}
	return p, nil
}

// Len returns the number of enabled plugins in the given phase.
func (p *Pipeline) Len(phase Phase) int {
	if p == nil {
		return 0
	}
	return len(p.phases[phase])
}

// Run executes the phase chain in order. The first handler returning a
// response short-circuits the remainder of the phase; the first error stops
// the chain.
func (p *Pipeline) Run(ctx context.Context, phase Phase, pc *Context) (*core.Response, error) {
	if p == nil {
		return nil, nil
	}
	for _, inst := range p.phases[phase] {
		resp, err := inst.handler.Execute(ctx, pc)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

// RunError executes the error phase. Handler errors are swallowed: a broken
// error plugin must never mask the original failure. The first synthesized
// response wins.
func (p *Pipeline) RunError(ctx context.Context, pc *Context) *core.Response {
	if p == nil {
		return nil
	}
	for _, inst := range p.phases[PhaseError] {
		resp, err := inst.handler.Execute(ctx, pc)
		if err != nil {
			logging.Debug("error-phase plugin failed",
				zap.String("plugin", inst.desc.Name),
				zap.Error(err))
			continue
		}
		if resp != nil {
			return resp
		}
	}
	return nil
}
