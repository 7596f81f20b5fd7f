package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

// jwksMinRefresh caps how often the remote key set is re-fetched even when
// its Cache-Control headers ask for less.
const jwksMinRefresh = 5 * time.Minute

// JWKSProvider resolves verification keys from a remote JWK set by kid.
// The jwk cache handles refresh scheduling; the singleflight group collapses
// concurrent cold-cache fetches into one HTTP request.
type JWKSProvider struct {
	url   string
	cache *jwk.Cache
	group singleflight.Group
}

// NewJWKSProvider registers the URL with a refreshing cache.
func NewJWKSProvider(url string) (*JWKSProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("auth: jwks url is required")
	}
	cache := jwk.NewCache(context.Background())
	if err := cache.Register(url, jwk.WithMinRefreshInterval(jwksMinRefresh)); err != nil {
		return nil, fmt.Errorf("auth: jwks register: %w", err)
	}
	return &JWKSProvider{url: url, cache: cache}, nil
}

func (p *JWKSProvider) fetch(ctx context.Context) (jwk.Set, error) {
	v, err, _ := p.group.Do(p.url, func() (any, error) {
		return p.cache.Get(ctx, p.url)
	})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks fetch: %w", err)
	}
	return v.(jwk.Set), nil
}

// KeyFunc adapts the provider to the jwt parser. The returned func looks the
// token's kid up in the cached set.
func (p *JWKSProvider) KeyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("auth: token has no kid header")
		}
		set, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("auth: jwks has no key %q", kid)
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("auth: jwks key %q: %w", kid, err)
		}
		return raw, nil
	}
}
