package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStoreBoundsByCount(t *testing.T) {
	s := NewStore(StoreConfig{MaxRecords: 3, MaxAge: time.Hour})
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		s.Append(Record{RouteID: "r", Status: 200, At: base.Add(time.Duration(i) * time.Second)})
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	recent := s.Recent(0)
	if recent[0].At != base.Add(4*time.Second) {
		t.Errorf("newest record at %v", recent[0].At)
	}
	if recent[2].At != base.Add(2*time.Second) {
		t.Errorf("oldest surviving record at %v", recent[2].At)
	}
}

func TestStoreBoundsByAge(t *testing.T) {
	s := NewStore(StoreConfig{MaxRecords: 100, MaxAge: time.Minute})
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	s.Append(Record{RouteID: "old", Status: 200})
	now = base.Add(2 * time.Minute)
	s.Append(Record{RouteID: "new", Status: 200})

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after age pruning", s.Len())
	}
	if s.Recent(1)[0].RouteID != "new" {
		t.Error("wrong record survived age pruning")
	}
}

func TestAggregate(t *testing.T) {
	s := NewStore(StoreConfig{})
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	durations := []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond,
		40 * time.Millisecond, 50 * time.Millisecond, 60 * time.Millisecond,
		70 * time.Millisecond, 80 * time.Millisecond, 90 * time.Millisecond,
		100 * time.Millisecond,
	}
	for i, d := range durations {
		r := Record{
			RouteID:  "r",
			Status:   200,
			Duration: d,
			At:       base.Add(time.Duration(i) * time.Second),
		}
		if i >= 8 {
			r.Status = 502
		}
		if i < 3 {
			r.Cached = true
		}
		if i == 0 {
			r.RateLimited = true
		}
		s.Append(r)
	}

	sum := s.Aggregate(time.Time{})
	if sum.Total != 10 {
		t.Fatalf("Total = %d", sum.Total)
	}
	if sum.SuccessRate != 0.8 || sum.ErrorRate != 0.2 {
		t.Errorf("success/error = %v/%v", sum.SuccessRate, sum.ErrorRate)
	}
	if sum.CacheHitRate != 0.3 || sum.RateLimitedRate != 0.1 {
		t.Errorf("cache/ratelimited = %v/%v", sum.CacheHitRate, sum.RateLimitedRate)
	}
	if sum.AvgDuration != 55*time.Millisecond {
		t.Errorf("avg = %v", sum.AvgDuration)
	}
	// ceil(10*0.50)-1 = 4 -> 50ms; ceil(10*0.95)-1 = 9 -> 100ms; p99 likewise.
	if sum.P50 != 50*time.Millisecond {
		t.Errorf("p50 = %v", sum.P50)
	}
	if sum.P95 != 100*time.Millisecond || sum.P99 != 100*time.Millisecond {
		t.Errorf("p95/p99 = %v/%v", sum.P95, sum.P99)
	}
	// 10 records over a 9s span.
	if sum.RPS < 1.1 || sum.RPS > 1.12 {
		t.Errorf("rps = %v", sum.RPS)
	}
}

func TestAggregateSince(t *testing.T) {
	s := NewStore(StoreConfig{})
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.Append(Record{RouteID: "r", Status: 200, Duration: time.Millisecond, At: base})
	s.Append(Record{RouteID: "r", Status: 500, Duration: time.Millisecond, At: base.Add(time.Minute)})

	sum := s.Aggregate(base.Add(30 * time.Second))
	if sum.Total != 1 || sum.ErrorRate != 1 {
		t.Errorf("summary = %+v, want only the late error row", sum)
	}
}

func TestAggregateEmpty(t *testing.T) {
	s := NewStore(StoreConfig{})
	if sum := s.Aggregate(time.Time{}); sum.Total != 0 {
		t.Errorf("summary of empty store = %+v", sum)
	}
}

func TestInstrumentsExposition(t *testing.T) {
	m := NewInstruments()
	m.ObserveRequest("orders", 200, 0.05)
	m.ObserveRequest("orders", 502, 1.2)
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.LimiterVerdict("rule-1", true)
	m.LimiterVerdict("rule-1", false)
	m.SetBreakerState("orders", 1)
	m.RequestStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`gantry_requests_total{class="2xx",route="orders"} 1`,
		`gantry_requests_total{class="5xx",route="orders"} 1`,
		`gantry_cache_hits_total 1`,
		`gantry_cache_misses_total 2`,
		`gantry_ratelimit_verdicts_total{rule="rule-1",verdict="denied"} 1`,
		`gantry_circuit_breaker_state{upstream="orders"} 1`,
		`gantry_requests_in_flight 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 99: "other", 700: "other"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
