// Package circuitbreaker implements the per-upstream failure breaker.
// The breaker opens when, after a minimum observation volume, the failure
// fraction in the current window crosses the configured threshold, and
// recovers through a half-open probe phase.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the failure fraction (0,1] that opens the
	// breaker once VolumeThreshold requests have been observed.
	FailureThreshold float64
	// VolumeThreshold is the minimum request count, since the last CLOSED
	// entry, before the breaker may open.
	VolumeThreshold int
	// SuccessThreshold is the consecutive successes required in HALF_OPEN
	// to close.
	SuccessThreshold int
	// Timeout is how long an open breaker waits before admitting a probe.
	Timeout time.Duration
}

// DefaultConfig mirrors the settings used when a route enables breaking
// without tuning it.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		VolumeThreshold:  10,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = d.VolumeThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Stats is a point-in-time snapshot of breaker state.
type Stats struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	Total       int       `json:"total"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	Forced      bool      `json:"forced,omitempty"`
}

// Breaker is one upstream's state machine. All transitions are serialized
// under a single mutex so counters and state move atomically together.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	total       int
	lastFailure time.Time
	nextAttempt time.Time
	forced      bool

	now func() time.Time
}

// New builds a breaker in CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// CanExecute reports whether a request may proceed. An OPEN breaker whose
// timeout has elapsed flips to HALF_OPEN and admits the probe.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.forced {
			return false
		}
		if !b.now().Before(b.nextAttempt) {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful upstream interaction.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.forced {
		return
	}
	switch b.state {
	case StateClosed:
		b.total++
		b.successes++
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.toClosed()
		}
	}
}

// RecordFailure reports a failed upstream interaction. In HALF_OPEN a single
// failure reopens regardless of thresholds.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.forced {
		return
	}
	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.total++
		b.failures++
		if b.total >= b.cfg.VolumeThreshold &&
			float64(b.failures)/float64(b.total) > b.cfg.FailureThreshold {
			b.toOpen(now)
		}
	case StateHalfOpen:
		b.successes = 0
		b.toOpen(now)
	}
}

// ForceOpen pins the breaker open until ForceClose or Reset.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateOpen
	b.forced = true
	b.nextAttempt = time.Time{}
}

// ForceClose pins the breaker closed until Reset lifts the override.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
	b.forced = true
}

// Reset returns the breaker to a fresh CLOSED state and clears any forced
// override.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
	b.forced = false
	b.lastFailure = time.Time{}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats snapshots the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		State:       b.state.String(),
		Failures:    b.failures,
		Successes:   b.successes,
		Total:       b.total,
		LastFailure: b.lastFailure,
		Forced:      b.forced,
	}
	if b.state == StateOpen {
		s.NextAttempt = b.nextAttempt
	}
	return s
}

// toOpen transitions to OPEN and schedules the next probe. Caller holds mu.
func (b *Breaker) toOpen(now time.Time) {
	b.state = StateOpen
	b.nextAttempt = now.Add(b.cfg.Timeout)
}

// toClosed resets counters for a fresh CLOSED window. Caller holds mu.
func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.total = 0
	b.nextAttempt = time.Time{}
}
