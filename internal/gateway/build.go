package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gantrygw/gantry/internal/auth"
	"github.com/gantrygw/gantry/internal/cache"
	"github.com/gantrygw/gantry/internal/circuitbreaker"
	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/health"
	"github.com/gantrygw/gantry/internal/ipfilter"
	"github.com/gantrygw/gantry/internal/loadbalancer"
	"github.com/gantrygw/gantry/internal/logging"
	"github.com/gantrygw/gantry/internal/metrics"
	"github.com/gantrygw/gantry/internal/plugin"
	"github.com/gantrygw/gantry/internal/plugin/builtin"
	"github.com/gantrygw/gantry/internal/proxy"
	"github.com/gantrygw/gantry/internal/ratelimit"
	"github.com/gantrygw/gantry/internal/routing"
	"github.com/gantrygw/gantry/internal/sanitize"
	"github.com/gantrygw/gantry/internal/tracing"
	"github.com/gantrygw/gantry/internal/waf"
)

// Option tunes Engine construction.
type Option func(*Engine)

// WithTransport replaces the upstream transport, used by tests.
func WithTransport(t proxy.Transport) Option {
	return func(e *Engine) {
		e.dispatcher = proxy.NewDispatcher(t, e.checker)
	}
}

// WithRegistry supplies a plugin registry with extra factories registered.
func WithRegistry(reg *plugin.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// New builds the engine for cfg. The built-in plugin set is always
// registered; callers add custom factories through WithRegistry.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	tracer, err := tracing.New(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
		Headers:     cfg.Tracing.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: tracing: %w", err)
	}

	transport, err := proxy.NewHTTPTransport(proxy.TransportConfig{})
	if err != nil {
		return nil, fmt.Errorf("gateway: transport: %w", err)
	}

	e := &Engine{
		upstreams:   proxy.NewRegistry(),
		instruments: metrics.NewInstruments(),
		store:       metrics.NewStore(metrics.StoreConfig{}),
		tracer:      tracer,
		sanitizer:   sanitize.New(),
		now:         time.Now,
	}
	e.checker = health.NewChecker(health.WithOnChange(e.onHealthChange))
	e.dispatcher = proxy.NewDispatcher(transport, e.checker)

	if cfg.Redis.Address != "" {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = plugin.NewRegistry()
	}
	builtin.RegisterAll(e.registry)

	if err := e.ApplyConfig(cfg); err != nil {
		e.checker.Close()
		return nil, err
	}

	mws := []Middleware{requestID()}
	if cfg.Server.SpikeRPS > 0 {
		mws = append(mws, spikeArrest(cfg.Server.SpikeRPS, cfg.Server.SpikeBurst))
	}
	mws = append(mws, e.cors())
	e.chain = chain(e.handle, mws...)

	return e, nil
}

// Watch hot-reloads the engine from the config file at path. Invalid new
// configs are rejected; the running snapshot stays on the last good one.
func (e *Engine) Watch(path string) error {
	w, err := config.NewWatcher(path)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		if err := e.ApplyConfig(cfg); err != nil {
			logging.Error("config reload rejected", zap.Error(err))
		}
	})
	if err := w.Start(); err != nil {
		w.Close()
		return err
	}
	e.watcher = w
	return nil
}

// ApplyConfig swaps in a freshly built snapshot and reconciles upstreams and
// health loops. Request handling keeps reading the old snapshot until the
// swap, so a failed build changes nothing.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	snap, err := e.buildSnapshot(cfg)
	if err != nil {
		return err
	}
	upstreams, err := buildUpstreams(cfg)
	if err != nil {
		return err
	}

	oldIDs := e.upstreams.IDs()

	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
	e.upstreams.Replace(upstreams)
	e.reconcileHealth(upstreams, oldIDs)

	logging.Info("configuration applied",
		zap.Int("routes", snap.table.Len()),
		zap.Int("upstreams", len(upstreams)))
	return nil
}

func (e *Engine) buildSnapshot(cfg *config.Config) (*snapshot, error) {
	snap := &snapshot{
		cfg:        cfg,
		routes:     make(map[string]*routeState, len(cfg.Routes)),
		validators: make(map[string]auth.Validator),
	}

	if cfg.IPFilter.Enabled {
		f, err := ipfilter.New(ipfilter.Mode(cfg.IPFilter.Mode), cfg.IPFilter.Entries)
		if err != nil {
			return nil, err
		}
		snap.filter = f
	}

	if cfg.WAF.Enabled {
		insp, err := buildInspector(cfg.WAF)
		if err != nil {
			return nil, err
		}
		snap.inspector = insp
	}

	if err := e.buildValidators(cfg, snap); err != nil {
		return nil, err
	}

	limiters, err := e.buildLimiters(cfg)
	if err != nil {
		return nil, err
	}

	routes := make([]*routing.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		route := &routing.Route{
			ID:          rc.ID,
			Name:        rc.Name,
			Methods:     rc.Methods,
			Paths:       rc.Paths,
			Match:       routing.MatchType(rc.Match),
			UpstreamID:  rc.Upstream,
			Plugins:     descriptors(rc.Plugins),
			Enabled:     rc.Enabled == nil || *rc.Enabled,
			StripPrefix: rc.StripPrefix,
		}
		routes = append(routes, route)

		rs := &routeState{route: route, auth: rc.Auth}
		for _, id := range rc.RateLimits {
			rl, ok := limiters[id]
			if !ok {
				return nil, fmt.Errorf("gateway: route %s: unknown rate limit %q", rc.ID, id)
			}
			rs.limits = append(rs.limits, rl)
		}
		if rc.Cache != nil && cfg.Cache.Enabled {
			c, err := cache.New(cachePolicy(cfg.Cache, rc.Cache))
			if err != nil {
				return nil, fmt.Errorf("gateway: route %s: %w", rc.ID, err)
			}
			rs.cache = c
		}
		pipe, err := plugin.NewPipeline(e.registry, route.Plugins)
		if err != nil {
			return nil, fmt.Errorf("gateway: route %s: %w", rc.ID, err)
		}
		rs.pipeline = pipe
		snap.routes[rc.ID] = rs
	}

	table, err := routing.NewTable(routes)
	if err != nil {
		return nil, err
	}
	snap.table = table

	if cfg.CORS.Enabled {
		snap.cors = newCORSPolicy(corsConfig{
			AllowOrigins:     cfg.CORS.AllowOrigins,
			AllowMethods:     cfg.CORS.AllowMethods,
			AllowHeaders:     cfg.CORS.AllowHeaders,
			ExposeHeaders:    cfg.CORS.ExposeHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		})
	}
	return snap, nil
}

func buildInspector(cfg config.WAFConfig) (inspector, error) {
	if len(cfg.CorazaDirectives) > 0 {
		return waf.NewCoraza(cfg.CorazaDirectives)
	}
	rules := make([]waf.UserRule, len(cfg.Rules))
	for i, r := range cfg.Rules {
		rules[i] = waf.UserRule{
			ID:      r.ID,
			Pattern: r.Pattern,
			Literal: r.Literal,
			Action:  waf.Action(r.Action),
		}
	}
	return waf.New(waf.Config{
		DisabledFamilies: cfg.DisabledFamilies,
		UserRules:        rules,
	})
}

func (e *Engine) buildValidators(cfg *config.Config, snap *snapshot) error {
	store := auth.NewConsumerStore()
	consumers := make([]*core.Consumer, 0, len(cfg.Auth.Consumers))
	for _, c := range cfg.Auth.Consumers {
		meta := make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
		consumers = append(consumers, &core.Consumer{
			ID:       c.ID,
			Name:     c.Name,
			Scopes:   c.Scopes,
			Metadata: meta,
		})
	}
	keys := make([]*auth.APIKey, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		hashed := k.HashedKey
		if hashed == "" {
			hashed = auth.HashKey(k.Key)
		}
		keys = append(keys, &auth.APIKey{
			ID:         k.ID,
			ConsumerID: k.Consumer,
			HashedKey:  hashed,
			Scopes:     k.Scopes,
			ExpiresAt:  k.ExpiresAt,
			Disabled:   k.Disabled,
		})
	}
	store.ReplaceAll(consumers, keys)

	snap.validators["api_key"] = auth.NewAPIKeyValidator(store, auth.APIKeyConfig{})

	if cfg.Auth.JWT.Enabled {
		v, err := auth.NewJWTValidator(auth.JWTConfig{
			Algorithm:    cfg.Auth.JWT.Algorithm,
			Secret:       []byte(cfg.Auth.JWT.Secret),
			PublicKeyPEM: []byte(cfg.Auth.JWT.PublicKeyPEM),
			JWKSURL:      cfg.Auth.JWT.JWKSURL,
			Issuer:       cfg.Auth.JWT.Issuer,
			Audience:     cfg.Auth.JWT.Audience,
			Leeway:       cfg.Auth.JWT.Leeway,
		})
		if err != nil {
			return err
		}
		snap.validators["jwt"] = v
	}

	if cfg.Auth.OAuth.Enabled {
		v, err := auth.NewOAuthValidator(auth.OAuthConfig{
			IntrospectionURL: cfg.Auth.OAuth.IntrospectionURL,
			ClientID:         cfg.Auth.OAuth.ClientID,
			ClientSecret:     cfg.Auth.OAuth.ClientSecret,
			CacheTTL:         cfg.Auth.OAuth.CacheTTL,
		})
		if err != nil {
			return err
		}
		snap.validators["oauth"] = v
	}

	if len(cfg.Auth.Basic) > 0 {
		creds := make([]*auth.BasicCredential, len(cfg.Auth.Basic))
		for i, b := range cfg.Auth.Basic {
			creds[i] = &auth.BasicCredential{
				Username:     b.Username,
				ConsumerID:   b.Consumer,
				PasswordHash: []byte(b.PasswordHash),
			}
		}
		snap.validators["basic"] = auth.NewBasicValidator(store, creds)
	}
	return nil
}

func (e *Engine) buildLimiters(cfg *config.Config) (map[string]*ruleLimiter, error) {
	limiters := make(map[string]*ruleLimiter, len(cfg.RateLimits))
	for _, rc := range cfg.RateLimits {
		rule := ratelimit.Rule{
			ID:          rc.ID,
			Algorithm:   ratelimit.Algorithm(rc.Algorithm),
			Scope:       ratelimit.Scope(rc.Scope),
			Limit:       rc.Limit,
			Window:      rc.Window,
			Burst:       rc.Burst,
			KeySuffix:   rc.KeySuffix,
			Distributed: rc.Distributed,
		}

		var limiter ratelimit.Limiter
		var err error
		if rule.Distributed && e.redis != nil {
			limiter, err = ratelimit.NewRedisLimiter(e.redis, cfg.Redis.KeyPrefix, rule)
		} else {
			if rule.Distributed {
				logging.Warn("distributed rate limit without redis, using local limiter",
					zap.String("rule", rule.ID))
			}
			limiter, err = ratelimit.NewLimiter(rule)
		}
		if err != nil {
			return nil, err
		}
		limiters[rc.ID] = &ruleLimiter{rule: rule, limiter: limiter}
	}
	return limiters, nil
}

func buildUpstreams(cfg *config.Config) ([]*proxy.Upstream, error) {
	upstreams := make([]*proxy.Upstream, 0, len(cfg.Upstreams))
	for _, uc := range cfg.Upstreams {
		targets := make([]*loadbalancer.Target, 0, len(uc.Targets))
		for _, tc := range uc.Targets {
			t, err := loadbalancer.NewTarget(tc.ID, tc.URL, tc.Weight)
			if err != nil {
				return nil, err
			}
			targets = append(targets, t)
		}

		breakerCfg := circuitbreaker.DefaultConfig()
		if uc.Breaker != nil {
			breakerCfg = circuitbreaker.Config{
				FailureThreshold: uc.Breaker.FailureThreshold,
				VolumeThreshold:  uc.Breaker.VolumeThreshold,
				SuccessThreshold: uc.Breaker.SuccessThreshold,
				Timeout:          uc.Breaker.Timeout,
			}
		}

		u, err := proxy.NewUpstream(uc.ID, loadbalancer.Policy(uc.Policy), targets, breakerCfg)
		if err != nil {
			return nil, err
		}
		u.Retries = uc.Retries
		u.Timeouts = proxy.Timeouts{
			Connect: uc.Timeouts.Connect,
			Send:    uc.Timeouts.Send,
			Read:    uc.Timeouts.Read,
			Overall: uc.Timeouts.Overall,
		}
		if uc.HealthCheck != nil {
			u.HealthCheck = &health.Spec{
				Type:               health.ProbeType(uc.HealthCheck.Type),
				Path:               uc.HealthCheck.Path,
				Method:             uc.HealthCheck.Method,
				Interval:           uc.HealthCheck.Interval,
				Timeout:            uc.HealthCheck.Timeout,
				HealthyThreshold:   uc.HealthCheck.HealthyThreshold,
				UnhealthyThreshold: uc.HealthCheck.UnhealthyThreshold,
				ExpectedStatuses:   uc.HealthCheck.ExpectedStatuses,
				ExpectedBody:       uc.HealthCheck.ExpectedBody,
			}
		}
		upstreams = append(upstreams, u)
	}
	return upstreams, nil
}

// reconcileHealth registers probe loops for the new upstream set and stops
// loops for upstreams that disappeared.
func (e *Engine) reconcileHealth(upstreams []*proxy.Upstream, oldIDs []string) {
	live := make(map[string]bool, len(upstreams))
	for _, u := range upstreams {
		live[u.ID] = true
		if u.HealthCheck == nil {
			e.checker.Deregister(u.ID)
			continue
		}
		targets := make([]health.Target, len(u.Balancer.Targets()))
		for i, t := range u.Balancer.Targets() {
			targets[i] = health.Target{ID: t.ID, URL: t.URL}
		}
		if err := e.checker.Register(u.ID, *u.HealthCheck, targets); err != nil {
			logging.Error("health check registration failed",
				zap.String("upstream", u.ID),
				zap.Error(err))
		}
	}
	for _, id := range oldIDs {
		if !live[id] {
			e.checker.Deregister(id)
		}
	}
}

// onHealthChange feeds health flips into the balancer's healthy snapshot.
func (e *Engine) onHealthChange(upstreamID, targetID string, healthy bool) {
	u, ok := e.upstreams.Get(upstreamID)
	if !ok {
		return
	}
	if healthy {
		u.Balancer.MarkHealthy(targetID)
	} else {
		u.Balancer.MarkUnhealthy(targetID)
	}
}

// Upstreams exposes the registry for the admin API.
func (e *Engine) Upstreams() *proxy.Registry { return e.upstreams }

// HealthChecker exposes target health for the admin API.
func (e *Engine) HealthChecker() *health.Checker { return e.checker }

// Instruments exposes the Prometheus instruments for the admin API.
func (e *Engine) Instruments() *metrics.Instruments { return e.instruments }

// Stats exposes the in-memory request window for the admin API.
func (e *Engine) Stats() *metrics.Store { return e.store }

// Routes returns the live route table.
func (e *Engine) Routes() []*routing.Route {
	return e.snapshot().table.Routes()
}

// RouteCache returns a route's cache, if it has one.
func (e *Engine) RouteCache(routeID string) (*cache.Cache, bool) {
	rs, ok := e.snapshot().routes[routeID]
	if !ok || rs.cache == nil {
		return nil, false
	}
	return rs.cache, true
}

// Close releases background resources: the config watcher, probe loops, the
// tracer, and the Redis client.
func (e *Engine) Close(ctx context.Context) error {
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.checker.Close()
	if e.redis != nil {
		e.redis.Close()
	}
	return e.tracer.Close(ctx)
}

func descriptors(plugins []config.PluginConfig) []plugin.Descriptor {
	out := make([]plugin.Descriptor, len(plugins))
	for i, p := range plugins {
		out[i] = plugin.Descriptor{
			Name:     p.Name,
			Phase:    plugin.Phase(p.Phase),
			Priority: p.Priority,
			Enabled:  p.Enabled,
			Config:   p.Config,
		}
	}
	return out
}

// cachePolicy merges the process-wide cache defaults with a route's
// overrides.
func cachePolicy(global config.CacheConfig, route *config.RouteCache) cache.Policy {
	p := cache.Policy{
		TTL:         global.TTL,
		MaxSize:     int64(global.MaxSizeMB) << 20,
		Eviction:    cache.EvictionPolicy(global.Eviction),
		Methods:     global.Methods,
		Statuses:    global.Statuses,
		VaryHeaders: global.VaryHeaders,
	}
	if route.TTL > 0 {
		p.TTL = route.TTL
	}
	if len(route.VaryHeaders) > 0 {
		p.VaryHeaders = route.VaryHeaders
	}
	return p
}
