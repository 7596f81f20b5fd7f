// Package health tracks per-target health from two feeds sharing one state:
// active periodic probes (http, https, tcp) and passive per-request results
// recorded by the engine. Consecutive-threshold semantics flip a target
// between healthy and unhealthy; flips fan out to an observer callback.
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gantrygw/gantry/internal/logging"
)

// ProbeType selects the probe transport.
type ProbeType string

const (
	ProbeHTTP  ProbeType = "http"
	ProbeHTTPS ProbeType = "https"
	ProbeTCP   ProbeType = "tcp"
)

// Spec configures one upstream's active checking.
type Spec struct {
	Type     ProbeType
	Path     string
	Method   string
	Interval time.Duration
	Timeout  time.Duration
	// HealthyThreshold / UnhealthyThreshold are the consecutive result
	// counts that flip a target. Active and passive results share them.
	HealthyThreshold   int
	UnhealthyThreshold int
	// ExpectedStatuses accepts "200", "2xx", and "200-299" forms; empty
	// means 200-399.
	ExpectedStatuses []string
	// ExpectedBody, when set, must appear in the probe response body.
	ExpectedBody string

	ranges []statusRange
}

func (s Spec) withDefaults() (Spec, error) {
	switch s.Type {
	case "", ProbeHTTP:
		s.Type = ProbeHTTP
	case ProbeHTTPS, ProbeTCP:
	default:
		return s, fmt.Errorf("health: unknown probe type %q", s.Type)
	}
	if s.Path == "" {
		s.Path = "/health"
	}
	if s.Method == "" {
		s.Method = "GET"
	}
	if s.Interval <= 0 {
		s.Interval = 10 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 5 * time.Second
	}
	if s.HealthyThreshold <= 0 {
		s.HealthyThreshold = 2
	}
	if s.UnhealthyThreshold <= 0 {
		s.UnhealthyThreshold = 3
	}
	if len(s.ExpectedStatuses) == 0 {
		s.ranges = []statusRange{{200, 399}}
	} else {
		for _, raw := range s.ExpectedStatuses {
			r, err := parseStatusRange(raw)
			if err != nil {
				return s, err
			}
			s.ranges = append(s.ranges, r)
		}
	}
	return s, nil
}

type statusRange struct {
	lo, hi int
}

// parseStatusRange accepts "200", "2xx", and "200-299".
func parseStatusRange(s string) (statusRange, error) {
	s = strings.TrimSpace(s)
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return statusRange{}, fmt.Errorf("health: invalid status range %q", s)
		}
		return statusRange{base, base + 99}, nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || l < 100 || h > 599 || l > h {
			return statusRange{}, fmt.Errorf("health: invalid status range %q", s)
		}
		return statusRange{l, h}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return statusRange{}, fmt.Errorf("health: invalid status code %q", s)
	}
	return statusRange{code, code}, nil
}

func matchStatus(code int, ranges []statusRange) bool {
	for _, r := range ranges {
		if code >= r.lo && code <= r.hi {
			return true
		}
	}
	return false
}

// Target identifies one probe destination within an upstream.
type Target struct {
	ID  string
	URL string
}

// Status is a snapshot of one target's health state.
type Status struct {
	Healthy              bool          `json:"healthy"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	LastCheck            time.Time     `json:"last_check,omitzero"`
	LastError            string        `json:"last_error,omitempty"`
	LastResponseTime     time.Duration `json:"last_response_time,omitempty"`
}

type targetState struct {
	mu          sync.Mutex
	healthy     bool
	consecPass  int
	consecFail  int
	lastCheck   time.Time
	lastErr     error
	lastLatency time.Duration
}

type upstreamCheck struct {
	spec    Spec
	targets []Target
	cancel  context.CancelFunc
}

// Checker owns the probe loops and the shared target states.
type Checker struct {
	mu        sync.RWMutex
	upstreams map[string]*upstreamCheck
	states    map[string]*targetState // keyed upstreamID + "/" + targetID

	prober   prober
	onChange func(upstreamID, targetID string, healthy bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// Option tunes Checker construction.
type Option func(*Checker)

// WithOnChange installs the health-flip observer.
func WithOnChange(fn func(upstreamID, targetID string, healthy bool)) Option {
	return func(c *Checker) { c.onChange = fn }
}

// NewChecker builds a checker with no registered upstreams.
func NewChecker(opts ...Option) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		upstreams: make(map[string]*upstreamCheck),
		states:    make(map[string]*targetState),
		prober:    newProber(),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register starts active checking for an upstream. Targets begin healthy.
// Re-registering an upstream replaces its loop and targets; states for
// retained target IDs survive.
func (c *Checker) Register(upstreamID string, spec Spec, targets []Target) error {
	spec, err := spec.withDefaults()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if old, ok := c.upstreams[upstreamID]; ok {
		old.cancel()
	}
	loopCtx, loopCancel := context.WithCancel(c.ctx)
	uc := &upstreamCheck{spec: spec, targets: targets, cancel: loopCancel}
	c.upstreams[upstreamID] = uc
	for _, t := range targets {
		key := stateKey(upstreamID, t.ID)
		if _, ok := c.states[key]; !ok {
			c.states[key] = &targetState{healthy: true}
		}
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(loopCtx, upstreamID, uc)
	return nil
}

// Deregister stops an upstream's loop and drops its states.
func (c *Checker) Deregister(upstreamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uc, ok := c.upstreams[upstreamID]
	if !ok {
		return
	}
	uc.cancel()
	delete(c.upstreams, upstreamID)
	for _, t := range uc.targets {
		delete(c.states, stateKey(upstreamID, t.ID))
	}
}

// loop is one upstream's ticker; each tick probes all targets in parallel.
func (c *Checker) loop(ctx context.Context, upstreamID string, uc *upstreamCheck) {
	defer c.wg.Done()
	ticker := time.NewTicker(uc.spec.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx, upstreamID, uc)
		}
	}
}

func (c *Checker) probeAll(ctx context.Context, upstreamID string, uc *upstreamCheck) {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range uc.targets {
		g.Go(func() error {
			start := c.now()
			err := c.prober.probe(ctx, uc.spec, t.URL)
			c.record(upstreamID, t.ID, uc.spec, err == nil, err, c.now().Sub(start))
			return nil
		})
	}
	g.Wait()
}

// RecordResult is the passive feed: the engine reports every upstream
// interaction here with the same threshold semantics as active probes.
func (c *Checker) RecordResult(upstreamID, targetID string, success bool, err error) {
	c.mu.RLock()
	uc, ok := c.upstreams[upstreamID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.record(upstreamID, targetID, uc.spec, success, err, 0)
}

func (c *Checker) record(upstreamID, targetID string, spec Spec, success bool, err error, latency time.Duration) {
	c.mu.RLock()
	st, ok := c.states[stateKey(upstreamID, targetID)]
	c.mu.RUnlock()
	if !ok {
		return
	}

	var flipped, nowHealthy bool
	st.mu.Lock()
	st.lastCheck = c.now()
	st.lastErr = err
	if latency > 0 {
		st.lastLatency = latency
	}
	if success {
		st.consecFail = 0
		st.consecPass++
		if !st.healthy && st.consecPass >= spec.HealthyThreshold {
			st.healthy = true
			flipped, nowHealthy = true, true
		}
	} else {
		st.consecPass = 0
		st.consecFail++
		if st.healthy && st.consecFail >= spec.UnhealthyThreshold {
			st.healthy = false
			flipped, nowHealthy = true, false
		}
	}
	st.mu.Unlock()

	if flipped {
		logging.Info("target health changed",
			zap.String("upstream", upstreamID),
			zap.String("target", targetID),
			zap.Bool("healthy", nowHealthy),
			zap.Error(err))
		if c.onChange != nil {
			c.onChange(upstreamID, targetID, nowHealthy)
		}
	}
}

// Status returns the snapshot for one target.
func (c *Checker) Status(upstreamID, targetID string) (Status, bool) {
	c.mu.RLock()
	st, ok := c.states[stateKey(upstreamID, targetID)]
	c.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s := Status{
		Healthy:              st.healthy,
		ConsecutiveSuccesses: st.consecPass,
		ConsecutiveFailures:  st.consecFail,
		LastCheck:            st.lastCheck,
		LastResponseTime:     st.lastLatency,
	}
	if st.lastErr != nil {
		s.LastError = st.lastErr.Error()
	}
	return s, true
}

// Close stops every probe loop and waits for them to exit.
func (c *Checker) Close() {
	c.cancel()
	c.wg.Wait()
}

func stateKey(upstreamID, targetID string) string {
	return upstreamID + "/" + targetID
}
