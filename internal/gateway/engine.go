// Package gateway wires the request plane together: sanitation, route
// resolution, admission (IP filter, WAF, auth, rate limits), the response
// cache, the plugin pipeline, and dispatch through the proxy. The engine is
// transport-agnostic; the HTTP adapter lives in server.go.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gantrygw/gantry/internal/auth"
	"github.com/gantrygw/gantry/internal/cache"
	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
	"github.com/gantrygw/gantry/internal/health"
	"github.com/gantrygw/gantry/internal/ipfilter"
	"github.com/gantrygw/gantry/internal/logging"
	"github.com/gantrygw/gantry/internal/metrics"
	"github.com/gantrygw/gantry/internal/plugin"
	"github.com/gantrygw/gantry/internal/proxy"
	"github.com/gantrygw/gantry/internal/ratelimit"
	"github.com/gantrygw/gantry/internal/routing"
	"github.com/gantrygw/gantry/internal/sanitize"
	"github.com/gantrygw/gantry/internal/tracing"
	"github.com/gantrygw/gantry/internal/waf"
)

// inspector is satisfied by both the built-in WAF and the Coraza engine.
type inspector interface {
	Analyze(req *core.Request) waf.Result
}

// ruleLimiter pairs a rule with its limiter instance.
type ruleLimiter struct {
	rule    ratelimit.Rule
	limiter ratelimit.Limiter
}

// routeState is everything resolved per route at snapshot build time.
type routeState struct {
	route    *routing.Route
	auth     config.RouteAuth
	limits   []*ruleLimiter
	cache    *cache.Cache
	pipeline *plugin.Pipeline
}

// snapshot is the immutable per-config state the engine reads on every
// request. Reloads build a fresh snapshot and swap it whole.
type snapshot struct {
	cfg        *config.Config
	table      *routing.Table
	routes     map[string]*routeState
	filter     *ipfilter.Filter
	inspector  inspector
	validators map[string]auth.Validator
	cors       *corsPolicy
}

// Engine is the request-plane core.
type Engine struct {
	mu   sync.RWMutex
	snap *snapshot

	upstreams   *proxy.Registry
	dispatcher  *proxy.Dispatcher
	checker     *health.Checker
	instruments *metrics.Instruments
	store       *metrics.Store
	tracer      *tracing.Tracer
	sanitizer   *sanitize.Sanitizer
	registry    *plugin.Registry
	redis       redis.UniversalClient
	watcher     *config.Watcher
	chain       Next

	now func() time.Time
}

func (e *Engine) snapshot() *snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// Handle runs one request through the full pipeline and always returns a
// response; failures surface as serialized gateway errors, never as panics.
func (e *Engine) Handle(ctx context.Context, req *core.Request) (resp *core.Response) {
	start := e.now()
	e.instruments.RequestStarted()
	defer e.instruments.RequestFinished()

	defer func() {
		if r := recover(); r != nil {
			logging.Error("request handler panicked",
				zap.Any("panic", r),
				zap.String("path", req.Path))
			resp = errors.Internal(fmt.Errorf("panic: %v", r)).Response()
		}
		e.finish(req, resp, start)
	}()

	resp = e.chain(ctx, req)
	return resp
}

// handle is the innermost element of the middleware chain.
func (e *Engine) handle(ctx context.Context, req *core.Request) *core.Response {
	snap := e.snapshot()
	e.sanitizer.Request(req)

	ctx, span := e.tracer.StartRequest(ctx, req)
	route, err := snap.table.Resolve(req.Method, req.Path)
	if err != nil {
		resp := errors.From(err).Response()
		e.tracer.FinishRequest(span, resp.StatusCode)
		return resp
	}
	if !route.Enabled {
		resp := errors.RouteDisabled(route.ID).Response()
		e.tracer.FinishRequest(span, resp.StatusCode)
		return resp
	}
	rs := snap.routes[route.ID]

	resp := e.handleRoute(ctx, snap, rs, req)
	e.tracer.FinishRequest(span, resp.StatusCode)
	return resp
}

func (e *Engine) handleRoute(ctx context.Context, snap *snapshot, rs *routeState, req *core.Request) *core.Response {
	pc := &plugin.Context{
		Request: req,
		Route: plugin.RouteInfo{
			ID:         rs.route.ID,
			Name:       rs.route.Name,
			UpstreamID: rs.route.UpstreamID,
			PathParams: pathParams(rs.route, req.Path),
		},
		Values: make(map[string]any),
	}

	if err := e.admit(ctx, snap, rs, req, pc); err != nil {
		return e.fail(ctx, rs, pc, err)
	}

	// Cache lookup happens after admission so unauthorized clients can
	// never read another consumer's cached responses.
	var fingerprint string
	if rs.cache != nil && rs.cache.CacheableRequest(req.Method) {
		fingerprint = rs.cache.Fingerprint(req)
		if hit := rs.cache.Get(fingerprint); hit != nil {
			e.instruments.CacheHit()
			hit.Header.Set("X-Cache", "HIT")
			pc.Response = hit
			return e.postRoute(ctx, rs, pc)
		}
		e.instruments.CacheMiss()
	}

	resp, err := rs.pipeline.Run(ctx, plugin.PhasePreRoute, pc)
	if err != nil {
		return e.fail(ctx, rs, pc, err)
	}
	if resp == nil {
		resp, err = rs.pipeline.Run(ctx, plugin.PhaseRoute, pc)
		if err != nil {
			return e.fail(ctx, rs, pc, err)
		}
	}

	fromUpstream := false
	if resp == nil {
		resp, err = e.dispatch(ctx, rs, req)
		if err != nil {
			return e.fail(ctx, rs, pc, err)
		}
		fromUpstream = true
	}
	pc.Response = resp

	if fromUpstream && fingerprint != "" && rs.cache.CacheableResponse(resp.StatusCode) {
		rs.cache.Set(fingerprint, req.Path, resp)
		resp.Header.Set("X-Cache", "MISS")
	}

	return e.postRoute(ctx, rs, pc)
}

// admit runs the admission gauntlet in fixed order: IP filter, WAF, auth,
// rate limits. The first rejection wins.
func (e *Engine) admit(ctx context.Context, snap *snapshot, rs *routeState, req *core.Request, pc *plugin.Context) error {
	if snap.filter != nil && !snap.filter.Allow(req.ClientIP()) {
		return errors.AuthorizationFailed("client address not permitted")
	}

	if snap.inspector != nil {
		result := snap.inspector.Analyze(req)
		if result.Blocked() {
			logging.Warn("request blocked by waf",
				zap.String("path", req.Path),
				zap.Strings("rules", result.MatchedRuleIDs()))
			return errors.WAFBlocked(result.MatchedRuleIDs())
		}
		if len(result.Matches) > 0 {
			logging.Info("waf rules matched",
				zap.String("path", req.Path),
				zap.Strings("rules", result.MatchedRuleIDs()))
		}
	}

	if rs.auth.Type != "" {
		validator, ok := snap.validators[rs.auth.Type]
		if !ok {
			return errors.Internal(fmt.Errorf("auth type %q not configured", rs.auth.Type))
		}
		consumer, err := validator.Validate(ctx, req)
		if err != nil {
			return err
		}
		if !consumer.HasAllScopes(rs.auth.RequiredScopes) {
			return errors.AuthorizationFailed("insufficient scope")
		}
		req.Consumer = consumer
		pc.Consumer = consumer
	}

	return e.applyLimits(ctx, rs, req, pc)
}

// applyLimits consumes every limiter bound to the route. Verdict headers
// reflect the tightest limiter and are attached to the eventual response
// whether the request was admitted or not.
func (e *Engine) applyLimits(ctx context.Context, rs *routeState, req *core.Request, pc *plugin.Context) error {
	if len(rs.limits) == 0 {
		return nil
	}

	var tightest *ratelimit.Decision
	for _, rl := range rs.limits {
		key := ratelimit.Key(rl.rule, e.discriminator(rl.rule.Scope, rs, req))
		decision, err := rl.limiter.Consume(ctx, key)
		if err != nil {
			// Limiter backends fail open; an unreachable store must not
			// take the route down with it.
			logging.Warn("rate limiter error",
				zap.String("rule", rl.rule.ID),
				zap.Error(err))
			continue
		}
		e.instruments.LimiterVerdict(rl.rule.ID, decision.Allowed)
		if tightest == nil || decision.Remaining < tightest.Remaining {
			tightest = &decision
		}
		if !decision.Allowed {
			pc.Values["ratelimit_decision"] = decision
			return errors.RateLimited(decision.RetryAfter)
		}
	}
	if tightest != nil {
		pc.Values["ratelimit_decision"] = *tightest
	}
	return nil
}

func (e *Engine) discriminator(scope ratelimit.Scope, rs *routeState, req *core.Request) string {
	switch scope {
	case ratelimit.ScopeConsumer:
		if req.Consumer != nil {
			return req.Consumer.ID
		}
		return req.ClientIP()
	case ratelimit.ScopeRoute:
		return rs.route.ID
	case ratelimit.ScopeIP:
		return req.ClientIP()
	default:
		return ""
	}
}

// dispatch forwards the request to the route's upstream.
func (e *Engine) dispatch(ctx context.Context, rs *routeState, req *core.Request) (*core.Response, error) {
	u, ok := e.upstreams.Get(rs.route.UpstreamID)
	if !ok {
		return nil, errors.Internal(fmt.Errorf("upstream %q not registered", rs.route.UpstreamID))
	}

	egress := req
	if rs.route.StripPrefix {
		if stripped, ok := stripRoutePrefix(rs.route, req.Path); ok {
			egress = req.Clone()
			egress.Path = stripped
		}
	}
	e.tracer.Inject(ctx, req, egress)

	resp, err := e.dispatcher.Do(ctx, u, egress)
	e.instruments.SetBreakerState(u.ID, int(u.Breaker.State()))
	return resp, err
}

// postRoute runs the post-route phase and applies verdict headers. A handler
// returning a response replaces the current one.
func (e *Engine) postRoute(ctx context.Context, rs *routeState, pc *plugin.Context) *core.Response {
	if replacement, err := rs.pipeline.Run(ctx, plugin.PhasePostRoute, pc); err != nil {
		return e.fail(ctx, rs, pc, err)
	} else if replacement != nil {
		pc.Response = replacement
	}
	applyDecisionHeaders(pc)
	return pc.Response
}

// fail renders err through the error phase. Error plugins may synthesize a
// replacement response; their own failures are swallowed so the original
// error always surfaces otherwise.
func (e *Engine) fail(ctx context.Context, rs *routeState, pc *plugin.Context, err error) *core.Response {
	pc.Err = err
	if resp := rs.pipeline.RunError(ctx, pc); resp != nil {
		pc.Response = resp
		applyDecisionHeaders(pc)
		return resp
	}

	pc.Response = errors.From(err).Response()
	applyDecisionHeaders(pc)
	return pc.Response
}

// applyDecisionHeaders writes the rate-limit verdict headers recorded during
// admission onto the response.
func applyDecisionHeaders(pc *plugin.Context) {
	if pc.Response == nil {
		return
	}
	v, ok := pc.Values["ratelimit_decision"]
	if !ok {
		return
	}
	d, ok := v.(ratelimit.Decision)
	if !ok {
		return
	}
	h := pc.Response.Header
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed && d.RetryAfter > 0 {
		secs := int(d.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}

// finish records the request outcome: metrics, the in-memory stats window,
// and the access log.
func (e *Engine) finish(req *core.Request, resp *core.Response, start time.Time) {
	if resp == nil {
		return
	}
	duration := e.now().Sub(start)
	resp.Duration = duration

	routeID := ""
	if snap := e.snapshot(); snap != nil {
		if r, err := snap.table.Resolve(req.Method, req.Path); err == nil {
			routeID = r.ID
		}
	}
	consumerID := ""
	if req.Consumer != nil {
		consumerID = req.Consumer.ID
	}

	e.instruments.ObserveRequest(routeID, resp.StatusCode, duration.Seconds())
	e.store.Append(metrics.Record{
		RouteID:     routeID,
		ConsumerID:  consumerID,
		Method:      req.Method,
		Path:        req.Path,
		Status:      resp.StatusCode,
		Duration:    duration,
		UpstreamID:  resp.UpstreamID,
		Cached:      resp.Header.Get("X-Cache") == "HIT",
		RateLimited: resp.StatusCode == 429,
		At:          e.now(),
	})

	logging.Info("request",
		zap.String("request_id", req.ID),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration),
		zap.String("route", routeID),
		zap.String("consumer", consumerID),
		zap.String("client", req.ClientIP()))
}

// pathParams extracts :name segments when the route declares any.
func pathParams(route *routing.Route, path string) map[string]string {
	for _, pattern := range route.Paths {
		if !strings.Contains(pattern, ":") {
			continue
		}
		if params, ok := routing.PathParams(pattern, path); ok {
			return params
		}
	}
	return nil
}

// stripRoutePrefix removes the matched prefix from a prefix route's path.
func stripRoutePrefix(route *routing.Route, path string) (string, bool) {
	if route.Match != routing.MatchPrefix {
		return path, false
	}
	for _, p := range route.Paths {
		prefix := strings.TrimSuffix(p, "/")
		if prefix == "" {
			return path, false
		}
		if path == prefix {
			return "/", true
		}
		if strings.HasPrefix(path, prefix+"/") {
			return path[len(prefix):], true
		}
	}
	return path, false
}
