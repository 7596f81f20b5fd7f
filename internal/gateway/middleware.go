package gateway

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
)

// Next is one element of the engine's middleware chain.
type Next func(ctx context.Context, req *core.Request) *core.Response

// Middleware wraps a Next with pre/post behavior.
type Middleware func(Next) Next

// chain composes middlewares around the terminal handler; the first
// middleware in the list runs outermost.
func chain(handler Next, mws ...Middleware) Next {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

// requestID assigns an ID to requests that arrived without one and echoes it
// on the response.
func requestID() Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, req *core.Request) *core.Response {
			if req.ID == "" {
				if incoming := req.Header.Get("X-Request-Id"); incoming != "" {
					req.ID = incoming
				} else {
					req.ID = uuid.NewString()
				}
			}
			resp := next(ctx, req)
			if resp != nil && resp.Header.Get("X-Request-Id") == "" {
				resp.Header.Set("X-Request-Id", req.ID)
			}
			return resp
		}
	}
}

// spikeArrest smooths bursts with a process-wide token bucket before any
// per-route limits apply.
func spikeArrest(rps, burst int) Middleware {
	if burst <= 0 {
		burst = rps
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next Next) Next {
		return func(ctx context.Context, req *core.Request) *core.Response {
			if !limiter.Allow() {
				return errors.RateLimited(0).Response()
			}
			return next(ctx, req)
		}
	}
}

// corsPolicy is the compiled CORS configuration.
type corsPolicy struct {
	allowAll      bool
	origins       map[string]bool
	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	credentials   bool
	maxAge        string
}

func newCORSPolicy(cfg corsConfig) *corsPolicy {
	p := &corsPolicy{
		origins:       make(map[string]bool, len(cfg.AllowOrigins)),
		allowMethods:  strings.Join(cfg.AllowMethods, ", "),
		allowHeaders:  strings.Join(cfg.AllowHeaders, ", "),
		exposeHeaders: strings.Join(cfg.ExposeHeaders, ", "),
		credentials:   cfg.AllowCredentials,
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			p.allowAll = true
		}
		p.origins[o] = true
	}
	if p.allowMethods == "" {
		p.allowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

// corsConfig mirrors config.CORSConfig without importing it here; build.go
// converts.
type corsConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

func (p *corsPolicy) allows(origin string) bool {
	return p.allowAll || p.origins[origin]
}

func (p *corsPolicy) allowedOrigin(origin string) string {
	// With credentials the wildcard is forbidden; echo the origin instead.
	if p.allowAll && !p.credentials {
		return "*"
	}
	return origin
}

// cors answers preflights and decorates responses for allowed origins. The
// policy is read from the live snapshot so reloads take effect immediately.
func (e *Engine) cors() Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, req *core.Request) *core.Response {
			policy := e.snapshot().cors
			origin := req.Header.Get("Origin")
			if policy == nil || origin == "" || !policy.allows(origin) {
				return next(ctx, req)
			}

			if req.Method == "OPTIONS" && req.Header.Get("Access-Control-Request-Method") != "" {
				resp := core.NewResponse(204)
				h := resp.Header
				h.Set("Access-Control-Allow-Origin", policy.allowedOrigin(origin))
				h.Set("Access-Control-Allow-Methods", policy.allowMethods)
				if policy.allowHeaders != "" {
					h.Set("Access-Control-Allow-Headers", policy.allowHeaders)
				} else if requested := req.Header.Get("Access-Control-Request-Headers"); requested != "" {
					h.Set("Access-Control-Allow-Headers", requested)
				}
				if policy.credentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				if policy.maxAge != "" {
					h.Set("Access-Control-Max-Age", policy.maxAge)
				}
				h.Set("Vary", "Origin")
				return resp
			}

			resp := next(ctx, req)
			if resp != nil {
				resp.Header.Set("Access-Control-Allow-Origin", policy.allowedOrigin(origin))
				if policy.exposeHeaders != "" {
					resp.Header.Set("Access-Control-Expose-Headers", policy.exposeHeaders)
				}
				if policy.credentials {
					resp.Header.Set("Access-Control-Allow-Credentials", "true")
				}
				resp.Header.Add("Vary", "Origin")
			}
			return resp
		}
	}
}
