// Package admin serves the operator API: request analytics, route and
// upstream introspection, breaker overrides, cache management, and the
// Prometheus exposition endpoint. It binds its own listener and is never
// reachable through the request plane.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/gantrygw/gantry/internal/gateway"
	"github.com/gantrygw/gantry/internal/health"
	"github.com/gantrygw/gantry/internal/proxy"
)

// API is the admin handler set over a running engine.
type API struct {
	engine *gateway.Engine
	router *httprouter.Router
}

// New builds the admin API.
func New(engine *gateway.Engine) *API {
	a := &API{engine: engine, router: httprouter.New()}

	a.router.GET("/admin/stats", a.stats)
	a.router.GET("/admin/requests", a.requests)
	a.router.GET("/admin/routes", a.routes)
	a.router.GET("/admin/upstreams", a.upstreams)
	a.router.GET("/admin/upstreams/:id/health", a.upstreamHealth)
	a.router.POST("/admin/upstreams/:id/breaker/:action", a.breakerAction)
	a.router.POST("/admin/cache/:route/purge", a.cachePurge)
	a.router.POST("/admin/cache/:route/invalidate", a.cacheInvalidate)
	a.router.GET("/admin/cache/:route/stats", a.cacheStats)
	a.router.GET("/healthz", a.healthz)
	a.router.Handler("GET", "/metrics", engine.Instruments().Handler())

	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// stats aggregates the request window. ?window=5m restricts the span.
func (a *API) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var since time.Time
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		since = time.Now().Add(-d)
	}
	writeJSON(w, http.StatusOK, a.engine.Stats().Aggregate(since))
}

// requests returns the most recent request records, newest first.
func (a *API) requests(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, a.engine.Stats().Recent(n))
}

type routeView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Methods  []string `json:"methods"`
	Paths    []string `json:"paths"`
	Match    string   `json:"match"`
	Upstream string   `json:"upstream"`
	Enabled  bool     `json:"enabled"`
}

func (a *API) routes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	routes := a.engine.Routes()
	out := make([]routeView, len(routes))
	for i, rt := range routes {
		out[i] = routeView{
			ID:       rt.ID,
			Name:     rt.Name,
			Methods:  rt.Methods,
			Paths:    rt.Paths,
			Match:    string(rt.Match),
			Upstream: rt.UpstreamID,
			Enabled:  rt.Enabled,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type targetView struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	Active  int64  `json:"active_connections"`
}

type upstreamView struct {
	ID      string              `json:"id"`
	Policy  string              `json:"policy"`
	Breaker circuitBreakerStats `json:"circuit_breaker"`
	Targets []targetView        `json:"targets"`
}

type circuitBreakerStats struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	Total       int       `json:"total"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	Forced      bool      `json:"forced,omitempty"`
}

func upstreamToView(u *proxy.Upstream) upstreamView {
	stats := u.Breaker.Stats()
	view := upstreamView{
		ID:     u.ID,
		Policy: string(u.Balancer.Policy()),
		Breaker: circuitBreakerStats{
			State:       stats.State,
			Failures:    stats.Failures,
			Successes:   stats.Successes,
			Total:       stats.Total,
			LastFailure: stats.LastFailure,
			NextAttempt: stats.NextAttempt,
			Forced:      stats.Forced,
		},
	}
	for _, t := range u.Balancer.Targets() {
		view.Targets = append(view.Targets, targetView{
			ID:      t.ID,
			URL:     t.URL,
			Healthy: t.Healthy(),
			Active:  t.ActiveConnections(),
		})
	}
	return view
}

func (a *API) upstreams(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	var out []upstreamView
	a.engine.Upstreams().Range(func(u *proxy.Upstream) bool {
		out = append(out, upstreamToView(u))
		return true
	})
	writeJSON(w, http.StatusOK, out)
}

func (a *API) upstreamHealth(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	u, ok := a.engine.Upstreams().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown upstream")
		return
	}
	out := make(map[string]health.Status)
	for _, t := range u.Balancer.Targets() {
		if st, ok := a.engine.HealthChecker().Status(id, t.ID); ok {
			out[t.ID] = st
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// breakerAction applies a manual override: force-open, force-close, or
// reset.
func (a *API) breakerAction(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	u, ok := a.engine.Upstreams().Get(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown upstream")
		return
	}
	switch ps.ByName("action") {
	case "force-open":
		u.Breaker.ForceOpen()
	case "force-close":
		u.Breaker.ForceClose()
	case "reset":
		u.Breaker.Reset()
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	writeJSON(w, http.StatusOK, upstreamToView(u).Breaker)
}

func (a *API) cachePurge(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	c, ok := a.engine.RouteCache(ps.ByName("route"))
	if !ok {
		writeError(w, http.StatusNotFound, "route has no cache")
		return
	}
	c.Purge()
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

// cacheInvalidate removes entries whose path matches ?glob=.
func (a *API) cacheInvalidate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	c, ok := a.engine.RouteCache(ps.ByName("route"))
	if !ok {
		writeError(w, http.StatusNotFound, "route has no cache")
		return
	}
	glob := r.URL.Query().Get("glob")
	if glob == "" {
		writeError(w, http.StatusBadRequest, "glob required")
		return
	}
	removed := c.InvalidateMatching(glob)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (a *API) cacheStats(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	c, ok := a.engine.RouteCache(ps.ByName("route"))
	if !ok {
		writeError(w, http.StatusNotFound, "route has no cache")
		return
	}
	writeJSON(w, http.StatusOK, c.Stats())
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
