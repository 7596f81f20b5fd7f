package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/gantrygw/gantry/internal/shard"
)

// Adaptive tuning targets. When the previous window ran hotter than these,
// the next window's limit scales down proportionally; when comfortably
// under both, it creeps up 10%.
const (
	adaptiveTargetRT        = 200 * time.Millisecond
	adaptiveTargetErrorRate = 0.10
	adaptiveGrowth          = 1.1
	adaptiveMinFactor       = 0.5
	adaptiveMaxFactor       = 2.0
)

type adaptiveState struct {
	mu    sync.Mutex
	start time.Time
	count int
	limit int

	// Signal accumulated over the current window, consumed at the boundary.
	rtSum    time.Duration
	rtCount  int
	errors   int
	observed int
}

// adaptive is a fixed-window limiter whose per-key limit is recomputed at
// each window boundary from the previous window's average response time and
// error rate, clamped to [0.5, 2]x the configured base.
type adaptive struct {
	base   int
	window time.Duration
	keys   *shard.Map[*adaptiveState]

	now func() time.Time
}

// NewAdaptive builds an adaptive limiter around the given base limit.
func NewAdaptive(base int, window time.Duration) Limiter {
	return &adaptive{
		base:   base,
		window: window,
		keys:   shard.NewMap[*adaptiveState](),
		now:    time.Now,
	}
}

func (a *adaptive) Consume(_ context.Context, key string) (Decision, error) {
	now := a.now()
	a.compact(now)

	st := a.keys.GetOrCreate(key, func() *adaptiveState {
		return &adaptiveState{limit: a.base}
	})

	st.mu.Lock()
	defer st.mu.Unlock()

	start := now.Truncate(a.window)
	if !st.start.Equal(start) {
		st.limit = a.retune(st)
		st.start = start
		st.count = 0
		st.rtSum, st.rtCount, st.errors, st.observed = 0, 0, 0, 0
	}

	reset := start.Add(a.window)
	d := Decision{Limit: st.limit, ResetAt: reset}
	if st.count < st.limit {
		st.count++
		d.Allowed = true
		d.Remaining = st.limit - st.count
		return d, nil
	}
	d.RetryAfter = reset.Sub(now)
	return d, nil
}

// Observe feeds one completed request's outcome into the key's signal for
// the next boundary recompute.
func (a *adaptive) Observe(key string, responseTime time.Duration, isError bool) {
	st, ok := a.keys.Get(key)
	if !ok {
		return
	}
	st.mu.Lock()
	st.rtSum += responseTime
	st.rtCount++
	st.observed++
	if isError {
		st.errors++
	}
	st.mu.Unlock()
}

// retune computes the next window's limit from the closing window's signal.
// Caller holds st.mu.
func (a *adaptive) retune(st *adaptiveState) int {
	if st.observed == 0 {
		return st.limit
	}
	avg := st.rtSum / time.Duration(st.rtCount)
	errRate := float64(st.errors) / float64(st.observed)

	limit := float64(st.limit)
	if avg > adaptiveTargetRT {
		limit *= float64(adaptiveTargetRT) / float64(avg)
	}
	if errRate > adaptiveTargetErrorRate {
		limit *= adaptiveTargetErrorRate / errRate
	}
	if float64(avg) < 0.8*float64(adaptiveTargetRT) && errRate < 0.5*adaptiveTargetErrorRate {
		limit *= adaptiveGrowth
	}

	lo := adaptiveMinFactor * float64(a.base)
	hi := adaptiveMaxFactor * float64(a.base)
	if limit < lo {
		limit = lo
	}
	if limit > hi {
		limit = hi
	}
	if limit < 1 {
		limit = 1
	}
	return int(limit)
}

func (a *adaptive) compact(now time.Time) {
	if a.keys.Len() < compactThreshold {
		return
	}
	cutoff := now.Truncate(a.window).Add(-a.window)
	a.keys.DeleteFunc(func(_ string, st *adaptiveState) bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.start.Before(cutoff)
	})
}

// Observer is implemented by limiters that consume response-time feedback.
type Observer interface {
	Observe(key string, responseTime time.Duration, isError bool)
}

var _ Observer = (*adaptive)(nil)
