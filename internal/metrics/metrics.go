// Package metrics carries the gateway's observability state: Prometheus
// instruments on a private registry and a bounded in-memory record store
// that backs the admin analytics endpoints.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instruments bundles the Prometheus collectors. The registry is private so
// tests and embedded gateways never fight over the global default registry.
type Instruments struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	breakerState *prometheus.GaugeVec
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	limiter      *prometheus.CounterVec
}

// NewInstruments registers the gateway collectors on a fresh registry.
func NewInstruments() *Instruments {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Instruments{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "requests_total",
			Help:      "Requests handled, by route and status class.",
		}, []string{"route", "class"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gantry",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gantry",
			Name:      "requests_in_flight",
			Help:      "Requests currently inside the engine.",
		}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gantry",
			Name:      "circuit_breaker_state",
			Help:      "Breaker position per upstream: 0 closed, 1 open, 2 half-open.",
		}, []string{"upstream"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "cache_hits_total",
			Help:      "Response cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "cache_misses_total",
			Help:      "Response cache misses.",
		}),
		limiter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "ratelimit_verdicts_total",
			Help:      "Rate limiter verdicts, by rule and outcome.",
		}, []string{"rule", "verdict"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Instruments) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request.
func (m *Instruments) ObserveRequest(route string, status int, seconds float64) {
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
	m.duration.WithLabelValues(route).Observe(seconds)
}

// RequestStarted and RequestFinished bracket the in-flight gauge.
func (m *Instruments) RequestStarted()  { m.inFlight.Inc() }
func (m *Instruments) RequestFinished() { m.inFlight.Dec() }

// SetBreakerState publishes an upstream's breaker position.
func (m *Instruments) SetBreakerState(upstream string, state int) {
	m.breakerState.WithLabelValues(upstream).Set(float64(state))
}

// CacheHit and CacheMiss count response-cache outcomes.
func (m *Instruments) CacheHit()  { m.cacheHits.Inc() }
func (m *Instruments) CacheMiss() { m.cacheMisses.Inc() }

// LimiterVerdict counts one rate-limit decision.
func (m *Instruments) LimiterVerdict(rule string, allowed bool) {
	verdict := "allowed"
	if !allowed {
		verdict = "denied"
	}
	m.limiter.WithLabelValues(rule, verdict).Inc()
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
