package circuitbreaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		VolumeThreshold:  10,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// clockedBreaker pins the breaker to a controllable clock.
func clockedBreaker(cfg Config) (*Breaker, func(time.Duration)) {
	b := New(cfg)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, func(d time.Duration) { now = now.Add(d) }
}

func record(b *Breaker, successes, failures int) {
	for i := 0; i < successes; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < failures; i++ {
		b.RecordFailure()
	}
}

func TestBreakerStaysClosedBelowVolume(t *testing.T) {
	b, _ := clockedBreaker(testConfig())

	// Nine straight failures: 100% failure rate but under the observation
	// volume, so the breaker must not open.
	record(b, 0, 9)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if !b.CanExecute() {
		t.Error("closed breaker refused a request")
	}
}

func TestBreakerOpensPastThreshold(t *testing.T) {
	b, _ := clockedBreaker(testConfig())

	// Four successes then six failures: the tenth call reaches the volume
	// with 6/10 failed, over the 0.5 threshold.
	record(b, 4, 5)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 9 calls = %v, want closed", got)
	}
	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 10th call = %v, want open", got)
	}
	if b.CanExecute() {
		t.Error("open breaker admitted a request")
	}
}

func TestBreakerExactlyAtThresholdStaysClosed(t *testing.T) {
	b, _ := clockedBreaker(testConfig())

	// Five successes then five failures: 5/10 is exactly the threshold, and
	// only crossing it opens the breaker.
	record(b, 5, 5)
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed at exactly the threshold", got)
	}
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	cfg := testConfig()
	b, advance := clockedBreaker(cfg)
	record(b, 0, 10)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	advance(cfg.Timeout - time.Millisecond)
	if b.CanExecute() {
		t.Fatal("breaker admitted a probe before the timeout")
	}

	advance(2 * time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("breaker refused the probe after the timeout")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Errorf("state = %v, want half-open", got)
	}
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	cfg := testConfig()
	b, advance := clockedBreaker(cfg)
	record(b, 0, 10)
	advance(cfg.Timeout + time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("probe refused")
	}

	b.RecordSuccess()
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after 1 success = %v, want half-open", got)
	}
	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2 successes = %v, want closed", got)
	}

	// Counters restart with the fresh closed window.
	if s := b.Stats(); s.Total != 0 || s.Failures != 0 {
		t.Errorf("stats after close = %+v, want zeroed counters", s)
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	cfg := testConfig()
	b, advance := clockedBreaker(cfg)
	record(b, 0, 10)
	advance(cfg.Timeout + time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("probe refused")
	}

	b.RecordSuccess()
	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", got)
	}
	if b.CanExecute() {
		t.Error("reopened breaker admitted a request before a new timeout")
	}

	advance(cfg.Timeout + time.Millisecond)
	if !b.CanExecute() {
		t.Error("reopened breaker refused the next probe window")
	}
}

func TestBreakerForcedOverrides(t *testing.T) {
	cfg := testConfig()
	b, advance := clockedBreaker(cfg)

	b.ForceOpen()
	advance(cfg.Timeout * 2)
	if b.CanExecute() {
		t.Error("forced-open breaker admitted a request past the timeout")
	}
	b.RecordSuccess()
	if got := b.State(); got != StateOpen {
		t.Errorf("forced breaker moved on a recorded result: %v", got)
	}

	b.ForceClose()
	if !b.CanExecute() {
		t.Error("forced-closed breaker refused a request")
	}
	record(b, 0, 20)
	if got := b.State(); got != StateClosed {
		t.Errorf("forced-closed breaker opened on failures: %v", got)
	}

	b.Reset()
	record(b, 0, 10)
	if got := b.State(); got != StateOpen {
		t.Errorf("state after reset = %v, want open again on real failures", got)
	}
}

func TestBreakerStatsSnapshot(t *testing.T) {
	b, _ := clockedBreaker(testConfig())
	record(b, 3, 2)

	s := b.Stats()
	if s.State != "closed" || s.Total != 5 || s.Failures != 2 {
		t.Errorf("stats = %+v", s)
	}
	if s.LastFailure.IsZero() {
		t.Error("last failure not recorded")
	}
	if !s.NextAttempt.IsZero() {
		t.Error("closed breaker reports a next attempt")
	}
}
