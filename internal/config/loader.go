package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/goccy/go-yaml"
)

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validPolicies = map[string]bool{
	"": true, "round-robin": true, "weighted-round-robin": true,
	"least-connections": true, "ip-hash": true, "random": true,
	"consistent-hash": true,
}

var validAlgorithms = map[string]bool{
	"token-bucket": true, "sliding-window": true, "fixed-window": true,
	"adaptive": true,
}

// Loader parses and validates configuration files.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader returns a loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses one file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return l.Parse(data)
}

// Parse expands environment variables, unmarshals over the defaults,
// expands OpenAPI routes, and validates.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if err := expandOpenAPIRoutes(cfg); err != nil {
		return nil, fmt.Errorf("config: openapi expansion: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} with the environment value; unset variables are
// left verbatim so validation reports them in context.
func (l *Loader) expandEnv(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// validate collects every problem rather than stopping at the first.
func (l *Loader) validate(cfg *Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	upstreamIDs := make(map[string]bool)
	for i, u := range cfg.Upstreams {
		if u.ID == "" {
			fail("upstream %d: id required", i)
			continue
		}
		if upstreamIDs[u.ID] {
			fail("duplicate upstream id %q", u.ID)
		}
		upstreamIDs[u.ID] = true
		if !validPolicies[u.Policy] {
			fail("upstream %s: unknown policy %q", u.ID, u.Policy)
		}
		if u.Retries < 0 {
			fail("upstream %s: retries must be >= 0", u.ID)
		}
		if len(u.Targets) == 0 {
			fail("upstream %s: at least one target required", u.ID)
		}
		for j, t := range u.Targets {
			if t.URL == "" {
				fail("upstream %s: target %d: url required", u.ID, j)
			}
		}
		if hc := u.HealthCheck; hc != nil {
			switch hc.Type {
			case "", "http", "https", "tcp":
			default:
				fail("upstream %s: unknown health check type %q", u.ID, hc.Type)
			}
		}
	}

	ruleIDs := make(map[string]bool)
	for i, r := range cfg.RateLimits {
		if r.ID == "" {
			fail("rate limit %d: id required", i)
			continue
		}
		if ruleIDs[r.ID] {
			fail("duplicate rate limit id %q", r.ID)
		}
		ruleIDs[r.ID] = true
		if !validAlgorithms[r.Algorithm] {
			fail("rate limit %s: unknown algorithm %q", r.ID, r.Algorithm)
		}
		if r.Limit <= 0 {
			fail("rate limit %s: limit must be positive", r.ID)
		}
		if r.Window <= 0 {
			fail("rate limit %s: window must be positive", r.ID)
		}
	}

	routeIDs := make(map[string]bool)
	for i, r := range cfg.Routes {
		if r.ID == "" {
			fail("route %d: id required", i)
			continue
		}
		if routeIDs[r.ID] {
			fail("duplicate route id %q", r.ID)
		}
		routeIDs[r.ID] = true
		if len(r.Paths) == 0 {
			fail("route %s: at least one path required", r.ID)
		}
		for _, m := range r.Methods {
			if !validMethods[strings.ToUpper(m)] {
				fail("route %s: unknown method %q", r.ID, m)
			}
		}
		switch r.Match {
		case "", "exact", "prefix", "regex":
		default:
			fail("route %s: unknown match type %q", r.ID, r.Match)
		}
		if r.Match == "regex" {
			for _, p := range r.Paths {
				if _, err := regexp.Compile(p); err != nil {
					fail("route %s: bad regex %q: %v", r.ID, p, err)
				}
			}
		}
		if r.Upstream == "" {
			fail("route %s: upstream required", r.ID)
		} else if !upstreamIDs[r.Upstream] {
			fail("route %s: unknown upstream %q", r.ID, r.Upstream)
		}
		for _, id := range r.RateLimits {
			if !ruleIDs[id] {
				fail("route %s: unknown rate limit %q", r.ID, id)
			}
		}
		switch r.Auth.Type {
		case "", "api_key", "jwt", "oauth", "basic":
		default:
			fail("route %s: unknown auth type %q", r.ID, r.Auth.Type)
		}
	}

	if cfg.IPFilter.Enabled {
		switch cfg.IPFilter.Mode {
		case "", "whitelist", "blacklist":
		default:
			fail("ip filter: unknown mode %q", cfg.IPFilter.Mode)
		}
		for _, e := range cfg.IPFilter.Entries {
			if strings.Contains(e, "/") {
				if _, err := netip.ParsePrefix(e); err != nil {
					fail("ip filter: bad cidr %q", e)
				}
			} else if _, err := netip.ParseAddr(e); err != nil {
				fail("ip filter: bad address %q", e)
			}
		}
	}

	for _, r := range cfg.WAF.Rules {
		if r.ID == "" {
			fail("waf rule without id")
			continue
		}
		if !r.Literal {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				fail("waf rule %s: bad pattern: %v", r.ID, err)
			}
		}
	}

	consumerIDs := make(map[string]bool)
	for i, c := range cfg.Auth.Consumers {
		if c.ID == "" {
			fail("consumer %d: id required", i)
			continue
		}
		consumerIDs[c.ID] = true
	}
	for i, k := range cfg.Auth.APIKeys {
		if k.Key == "" && k.HashedKey == "" {
			fail("api key %d: key or hashed_key required", i)
		}
		if !consumerIDs[k.Consumer] {
			fail("api key %s: unknown consumer %q", k.ID, k.Consumer)
		}
	}
	for _, b := range cfg.Auth.Basic {
		if !consumerIDs[b.Consumer] {
			fail("basic credential %s: unknown consumer %q", b.Username, b.Consumer)
		}
	}

	switch cfg.Cache.Eviction {
	case "", "lru", "lfu", "time-based":
	default:
		fail("cache: unknown eviction policy %q", cfg.Cache.Eviction)
	}

	if cfg.Server.SSL.Enabled {
		if cfg.Server.SSL.CertFile == "" || cfg.Server.SSL.KeyFile == "" {
			fail("ssl enabled without cert_file and key_file")
		}
	}

	return stderrors.Join(errs...)
}

// openapiParam matches {name} path parameters.
var openapiParam = regexp.MustCompile(`\{([^}]+)\}`)

// expandOpenAPIRoutes appends one route per spec operation. Generated IDs
// must not collide with hand-written routes.
func expandOpenAPIRoutes(cfg *Config) error {
	if len(cfg.OpenAPI) == 0 {
		return nil
	}
	existing := make(map[string]bool, len(cfg.Routes))
	for _, r := range cfg.Routes {
		existing[r.ID] = true
	}

	ctx := context.Background()
	for _, spec := range cfg.OpenAPI {
		if spec.File == "" {
			return fmt.Errorf("openapi spec %s: file required", spec.ID)
		}
		if spec.Upstream == "" {
			return fmt.Errorf("openapi spec %s: upstream required", spec.ID)
		}

		loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}
		doc, err := loader.LoadFromFile(spec.File)
		if err != nil {
			return fmt.Errorf("spec %s: load: %w", spec.ID, err)
		}
		if err := doc.Validate(ctx); err != nil {
			return fmt.Errorf("spec %s: invalid document: %w", spec.ID, err)
		}
		if doc.Paths == nil {
			continue
		}

		for path, item := range doc.Paths.Map() {
			for method, op := range item.Operations() {
				id := openapiRouteID(method, path, op.OperationID)
				if existing[id] {
					return fmt.Errorf("spec %s: generated route %s collides with an existing route", spec.ID, id)
				}
				existing[id] = true

				// Parameterized paths become anchored regex routes; plain
				// paths stay exact.
				match, gwPath := "exact", spec.RoutePrefix+path
				if strings.Contains(path, "{") {
					match = "regex"
					gwPath = openapiPathRegex(spec.RoutePrefix + path)
				}
				cfg.Routes = append(cfg.Routes, RouteConfig{
					ID:       id,
					Name:     op.Summary,
					Methods:  []string{strings.ToUpper(method)},
					Paths:    []string{gwPath},
					Match:    match,
					Upstream: spec.Upstream,
				})
			}
		}
	}
	return nil
}

// openapiRouteID derives a stable route ID from the operation.
func openapiRouteID(method, path, operationID string) string {
	if operationID != "" {
		return "openapi-" + operationID
	}
	sanitized := strings.NewReplacer("/", "-", "{", "", "}", "").Replace(path)
	sanitized = strings.Trim(sanitized, "-")
	return fmt.Sprintf("openapi-%s-%s", strings.ToLower(method), sanitized)
}

// openapiPathRegex turns /users/{id}/posts into ^/users/[^/]+/posts$ with
// literal segments quoted.
func openapiPathRegex(path string) string {
	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range openapiParam.FindAllStringIndex(path, -1) {
		b.WriteString(regexp.QuoteMeta(path[last:loc[0]]))
		b.WriteString("[^/]+")
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(path[last:]))
	b.WriteString("$")
	return b.String()
}
