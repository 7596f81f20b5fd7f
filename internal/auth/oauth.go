package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
)

// OAuthConfig configures RFC 7662 token introspection.
type OAuthConfig struct {
	IntrospectionURL string
	ClientID         string
	ClientSecret     string

	RequiredScopes []string

	// CacheSize bounds the decision cache (default 4096 entries).
	CacheSize int
	// CacheTTL caps how long a positive decision may be reused, regardless
	// of the token's own expiry (default 60s).
	CacheTTL time.Duration
	// Timeout bounds one introspection round trip (default 5s).
	Timeout time.Duration
}

// introspection is the subset of the RFC 7662 response the gateway uses.
type introspection struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Sub      string `json:"sub"`
	Exp      int64  `json:"exp"`
}

type cachedDecision struct {
	consumer *core.Consumer
	// expiresAt mirrors the token's exp claim; zero means the server sent
	// none and only the cache TTL bounds reuse.
	expiresAt time.Time
}

// OAuthValidator authenticates bearer tokens against an authorization
// server's introspection endpoint and caches positive decisions.
type OAuthValidator struct {
	cfg    OAuthConfig
	client *http.Client
	cache  *expirable.LRU[string, cachedDecision]
	now    func() time.Time
}

// NewOAuthValidator builds the validator.
func NewOAuthValidator(cfg OAuthConfig) (*OAuthValidator, error) {
	if cfg.IntrospectionURL == "" {
		return nil, fmt.Errorf("auth: introspection url is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &OAuthValidator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  expirable.NewLRU[string, cachedDecision](cfg.CacheSize, nil, cfg.CacheTTL),
		now:    time.Now,
	}, nil
}

// Validate introspects the request's bearer token.
func (v *OAuthValidator) Validate(ctx context.Context, req *core.Request) (*core.Consumer, error) {
	raw := extractToken(req)
	if raw == "" {
		return nil, errors.AuthenticationFailed("missing token")
	}

	cacheKey := HashKey(raw)
	if dec, ok := v.cache.Get(cacheKey); ok {
		if dec.expiresAt.IsZero() || v.now().Before(dec.expiresAt) {
			return v.authorize(dec.consumer)
		}
		v.cache.Remove(cacheKey)
	}

	intro, err := v.introspect(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(errors.KindAuthentication, err)
	}
	if !intro.Active {
		return nil, errors.AuthenticationFailed("token inactive")
	}

	consumer := &core.Consumer{
		ID:       intro.Sub,
		Name:     intro.Username,
		AuthType: "oauth2",
		Metadata: map[string]string{"client_id": intro.ClientID},
	}
	if consumer.ID == "" {
		consumer.ID = intro.ClientID
	}
	if intro.Scope != "" {
		consumer.Scopes = strings.Fields(intro.Scope)
	}

	dec := cachedDecision{consumer: consumer}
	if intro.Exp > 0 {
		dec.expiresAt = time.Unix(intro.Exp, 0)
		if !v.now().Before(dec.expiresAt) {
			return nil, errors.AuthenticationFailed("token expired")
		}
	}
	v.cache.Add(cacheKey, dec)

	return v.authorize(consumer)
}

func (v *OAuthValidator) authorize(c *core.Consumer) (*core.Consumer, error) {
	if !c.HasAllScopes(v.cfg.RequiredScopes) {
		return nil, errors.AuthorizationFailed("insufficient scope")
	}
	return c, nil
}

func (v *OAuthValidator) introspect(ctx context.Context, token string) (*introspection, error) {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.cfg.ClientID != "" {
		hr.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)
	}

	resp, err := v.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("introspection request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("introspection body: %w", err)
	}
	var intro introspection
	if err := json.Unmarshal(body, &intro); err != nil {
		return nil, fmt.Errorf("introspection decode: %w", err)
	}
	return &intro, nil
}
