package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Record is one request's observability row.
type Record struct {
	RouteID     string        `json:"route_id"`
	ConsumerID  string        `json:"consumer_id,omitempty"`
	Method      string        `json:"method"`
	Path        string        `json:"path"`
	Status      int           `json:"status"`
	Duration    time.Duration `json:"duration"`
	UpstreamID  string        `json:"upstream_id,omitempty"`
	Cached      bool          `json:"cached"`
	RateLimited bool          `json:"rate_limited"`
	At          time.Time     `json:"at"`
}

// StoreConfig bounds the record store.
type StoreConfig struct {
	// MaxRecords caps the row count (default 10000).
	MaxRecords int
	// MaxAge drops rows older than this on append (default 1h).
	MaxAge time.Duration
}

// Store is a bounded ring of request records. Both bounds are enforced on
// append, so reads never prune.
type Store struct {
	cfg StoreConfig

	mu      sync.RWMutex
	records []Record

	now func() time.Time
}

// NewStore builds the store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 10000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	return &Store{cfg: cfg, now: time.Now}
}

// Append adds one record, evicting by age and then by count.
func (s *Store) Append(r Record) {
	if r.At.IsZero() {
		r.At = s.now()
	}
	cutoff := s.now().Add(-s.cfg.MaxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Records arrive in time order; find the first survivor.
	i := 0
	for i < len(s.records) && s.records[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.records = append(s.records[:0], s.records[i:]...)
	}
	s.records = append(s.records, r)
	if len(s.records) > s.cfg.MaxRecords {
		over := len(s.records) - s.cfg.MaxRecords
		s.records = append(s.records[:0], s.records[over:]...)
	}
}

// Len returns the current row count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Recent returns up to n newest records, newest first.
func (s *Store) Recent(n int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.records) {
		n = len(s.records)
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = s.records[len(s.records)-1-i]
	}
	return out
}

// Summary is the aggregate view served by the admin analytics endpoint.
type Summary struct {
	Total           int           `json:"total"`
	SuccessRate     float64       `json:"success_rate"`
	ErrorRate       float64       `json:"error_rate"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	RateLimitedRate float64       `json:"rate_limited_rate"`
	AvgDuration     time.Duration `json:"avg_duration"`
	P50             time.Duration `json:"p50"`
	P95             time.Duration `json:"p95"`
	P99             time.Duration `json:"p99"`
	RPS             float64       `json:"rps"`
}

// Aggregate summarizes every record at or after since. A zero since covers
// the whole store.
func (s *Store) Aggregate(since time.Time) Summary {
	s.mu.RLock()
	var (
		durations   []time.Duration
		sum         time.Duration
		success     int
		errors      int
		cached      int
		rateLimited int
		first, last time.Time
	)
	for _, r := range s.records {
		if !since.IsZero() && r.At.Before(since) {
			continue
		}
		durations = append(durations, r.Duration)
		sum += r.Duration
		if r.Status < 500 {
			success++
		} else {
			errors++
		}
		if r.Cached {
			cached++
		}
		if r.RateLimited {
			rateLimited++
		}
		if first.IsZero() || r.At.Before(first) {
			first = r.At
		}
		if r.At.After(last) {
			last = r.At
		}
	}
	s.mu.RUnlock()

	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	out := Summary{
		Total:           n,
		SuccessRate:     float64(success) / float64(n),
		ErrorRate:       float64(errors) / float64(n),
		CacheHitRate:    float64(cached) / float64(n),
		RateLimitedRate: float64(rateLimited) / float64(n),
		AvgDuration:     sum / time.Duration(n),
		P50:             percentile(durations, 0.50),
		P95:             percentile(durations, 0.95),
		P99:             percentile(durations, 0.99),
	}
	if span := last.Sub(first); span > 0 {
		out.RPS = float64(n) / span.Seconds()
	} else {
		out.RPS = float64(n)
	}
	return out
}

// percentile picks sorted[ceil(n*p)-1].
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
