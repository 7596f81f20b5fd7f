// Package config loads, validates, and hot-reloads the gateway's YAML
// configuration, including OpenAPI-driven route expansion.
package config

import "time"

// Config is the full file surface.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Admin       AdminConfig        `yaml:"admin"`
	Tracing     TracingConfig      `yaml:"tracing"`
	Redis       RedisConfig        `yaml:"redis"`
	CORS        CORSConfig         `yaml:"cors"`
	Compression CompressionConfig  `yaml:"compression"`
	Cache       CacheConfig        `yaml:"cache"`
	IPFilter    IPFilterConfig     `yaml:"ip_filter"`
	WAF         WAFConfig          `yaml:"waf"`
	Auth        AuthConfig         `yaml:"auth"`
	RateLimits  []RateLimitRule    `yaml:"rate_limits"`
	Routes      []RouteConfig      `yaml:"routes"`
	Upstreams   []UpstreamConfig   `yaml:"upstreams"`
	OpenAPI     []OpenAPISpec      `yaml:"openapi"`
}

// ServerConfig tunes the external listener wrapper.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// Workers caps concurrent in-flight requests; 0 means unlimited.
	Workers int `yaml:"workers"`
	// SpikeRPS smooths traffic bursts before admission; 0 disables the
	// arrester. SpikeBurst defaults to SpikeRPS.
	SpikeRPS     int           `yaml:"spike_rps"`
	SpikeBurst   int           `yaml:"spike_burst"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	SSL          SSLConfig     `yaml:"ssl"`
}

// SSLConfig is parsed and validated here; termination happens in the thin
// listener, not the engine.
type SSLConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig feeds the zap setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables rotating file output when set.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AdminConfig toggles the debug API.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TracingConfig feeds the otel setup.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// RedisConfig backs the distributed rate limiter.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CORSConfig is applied by the engine for configured origins.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// CompressionConfig enables engine-level response compression.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	// MinBytes skips compressing tiny bodies (default 1024).
	MinBytes int      `yaml:"min_bytes"`
	Types    []string `yaml:"types"`
}

// CacheConfig is the process-wide cache policy; routes opt in.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	TTL         time.Duration `yaml:"ttl"`
	MaxSizeMB   int           `yaml:"max_size_mb"`
	Eviction    string        `yaml:"eviction"`
	Methods     []string      `yaml:"methods"`
	Statuses    []int         `yaml:"statuses"`
	VaryHeaders []string      `yaml:"vary_headers"`
}

// IPFilterConfig is the admission CIDR policy.
type IPFilterConfig struct {
	Enabled bool     `yaml:"enabled"`
	Mode    string   `yaml:"mode"`
	Entries []string `yaml:"entries"`
}

// WAFConfig selects families, custom rules, and the optional Coraza engine.
type WAFConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DisabledFamilies []string      `yaml:"disabled_families"`
	Rules            []WAFUserRule `yaml:"rules"`
	// CorazaDirectives switches analysis to the Coraza engine when set.
	CorazaDirectives []string `yaml:"coraza_directives"`
}

// WAFUserRule is one custom inspection rule.
type WAFUserRule struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
	Literal bool   `yaml:"literal"`
	Action  string `yaml:"action"`
}

// AuthConfig carries every validator's settings plus the consumer table.
type AuthConfig struct {
	Consumers []ConsumerConfig  `yaml:"consumers"`
	APIKeys   []APIKeyConfig    `yaml:"api_keys"`
	JWT       JWTConfig         `yaml:"jwt"`
	OAuth     OAuthConfig       `yaml:"oauth"`
	Basic     []BasicCredential `yaml:"basic"`
}

// ConsumerConfig declares one identity.
type ConsumerConfig struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Scopes   []string          `yaml:"scopes"`
	Metadata map[string]string `yaml:"metadata"`
}

// APIKeyConfig is one key record. Key is the plaintext form (hashed at
// load); HashedKey accepts a pre-hashed value instead.
type APIKeyConfig struct {
	ID        string    `yaml:"id"`
	Consumer  string    `yaml:"consumer"`
	Key       string    `yaml:"key"`
	HashedKey string    `yaml:"hashed_key"`
	Scopes    []string  `yaml:"scopes"`
	ExpiresAt time.Time `yaml:"expires_at"`
	Disabled  bool      `yaml:"disabled"`
}

// JWTConfig feeds the JWT validator.
type JWTConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Algorithm    string        `yaml:"algorithm"`
	Secret       string        `yaml:"secret"`
	PublicKeyPEM string        `yaml:"public_key_pem"`
	JWKSURL      string        `yaml:"jwks_url"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	Leeway       time.Duration `yaml:"leeway"`
}

// OAuthConfig feeds the introspection validator.
type OAuthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	IntrospectionURL string        `yaml:"introspection_url"`
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// BasicCredential is one bcrypt-hashed basic-auth entry.
type BasicCredential struct {
	Username     string `yaml:"username"`
	Consumer     string `yaml:"consumer"`
	PasswordHash string `yaml:"password_hash"`
}

// RateLimitRule is one named limiter rule routes reference by ID.
type RateLimitRule struct {
	ID          string        `yaml:"id"`
	Algorithm   string        `yaml:"algorithm"`
	Scope       string        `yaml:"scope"`
	Limit       int           `yaml:"limit"`
	Window      time.Duration `yaml:"window"`
	Burst       int           `yaml:"burst"`
	KeySuffix   string        `yaml:"key_suffix"`
	Distributed bool          `yaml:"distributed"`
}

// RouteConfig maps paths to an upstream with per-route policy.
type RouteConfig struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Methods     []string       `yaml:"methods"`
	Paths       []string       `yaml:"paths"`
	Match       string         `yaml:"match"`
	Upstream    string         `yaml:"upstream"`
	StripPrefix bool           `yaml:"strip_prefix"`
	Enabled     *bool          `yaml:"enabled"`
	Auth        RouteAuth      `yaml:"auth"`
	RateLimits  []string       `yaml:"rate_limits"`
	Cache       *RouteCache    `yaml:"cache"`
	Plugins     []PluginConfig `yaml:"plugins"`
}

// RouteAuth selects the validator a route requires.
type RouteAuth struct {
	// Type is one of "", api_key, jwt, oauth, basic.
	Type           string   `yaml:"type"`
	RequiredScopes []string `yaml:"required_scopes"`
}

// RouteCache opts a route into the response cache with overrides.
type RouteCache struct {
	TTL         time.Duration `yaml:"ttl"`
	VaryHeaders []string      `yaml:"vary_headers"`
}

// PluginConfig attaches one plugin instance to a route phase.
type PluginConfig struct {
	Name     string         `yaml:"name"`
	Phase    string         `yaml:"phase"`
	Priority int            `yaml:"priority"`
	Enabled  *bool          `yaml:"enabled"`
	Config   map[string]any `yaml:"config"`
}

// UpstreamConfig is one backend pool.
type UpstreamConfig struct {
	ID          string             `yaml:"id"`
	Policy      string             `yaml:"policy"`
	Retries     int                `yaml:"retries"`
	Targets     []TargetConfig     `yaml:"targets"`
	Timeouts    TimeoutConfig      `yaml:"timeouts"`
	Breaker     *BreakerConfig     `yaml:"circuit_breaker"`
	HealthCheck *HealthCheckConfig `yaml:"health_check"`
}

// TargetConfig is one backend instance.
type TargetConfig struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// TimeoutConfig bounds upstream calls.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Send    time.Duration `yaml:"send"`
	Read    time.Duration `yaml:"read"`
	Overall time.Duration `yaml:"overall"`
}

// BreakerConfig tunes an upstream's circuit breaker.
type BreakerConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold"`
	VolumeThreshold  int           `yaml:"volume_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// HealthCheckConfig enables active probing for an upstream.
type HealthCheckConfig struct {
	Type               string        `yaml:"type"`
	Path               string        `yaml:"path"`
	Method             string        `yaml:"method"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	ExpectedStatuses   []string      `yaml:"expected_statuses"`
	ExpectedBody       string        `yaml:"expected_body"`
}

// OpenAPISpec expands one document into routes at load time.
type OpenAPISpec struct {
	ID          string `yaml:"id"`
	File        string `yaml:"file"`
	Upstream    string `yaml:"upstream"`
	RoutePrefix string `yaml:"route_prefix"`
}

// DefaultConfig returns the baseline every load starts from.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Admin: AdminConfig{
			Listen: ":9090",
		},
		Tracing: TracingConfig{
			ServiceName: "gantry",
			SampleRate:  1.0,
		},
		Cache: CacheConfig{
			TTL:       time.Minute,
			MaxSizeMB: 64,
			Eviction:  "lru",
		},
		Compression: CompressionConfig{
			MinBytes: 1024,
		},
	}
}
