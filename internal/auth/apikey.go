package auth

import (
	"context"
	"strings"
	"time"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
)

// Validator authenticates one request and resolves its consumer.
type Validator interface {
	Validate(ctx context.Context, req *core.Request) (*core.Consumer, error)
}

// APIKeyConfig configures the API key validator.
type APIKeyConfig struct {
	// RequiredScopes must all be present on the key for admission.
	RequiredScopes []string
}

// APIKeyValidator checks request keys against the hashed key store.
// Extraction order: Authorization Bearer, X-API-Key header, api_key query
// parameter.
type APIKeyValidator struct {
	store *ConsumerStore
	cfg   APIKeyConfig
	now   func() time.Time
}

// NewAPIKeyValidator builds a validator over the given store.
func NewAPIKeyValidator(store *ConsumerStore, cfg APIKeyConfig) *APIKeyValidator {
	return &APIKeyValidator{store: store, cfg: cfg, now: time.Now}
}

// extractAPIKey pulls the key material out of the request, or "" if absent.
func extractAPIKey(req *core.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if k := req.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return req.Query.Get("api_key")
}

// Validate authenticates the request and returns the resolved consumer.
func (v *APIKeyValidator) Validate(_ context.Context, req *core.Request) (*core.Consumer, error) {
	plaintext := extractAPIKey(req)
	if plaintext == "" {
		return nil, errors.AuthenticationFailed("missing api key")
	}

	key, ok := v.store.KeyByHash(HashKey(plaintext))
	if !ok {
		return nil, errors.AuthenticationFailed("unknown api key")
	}
	if key.Disabled {
		return nil, errors.AuthenticationFailed("api key disabled")
	}
	if !key.ExpiresAt.IsZero() && !v.now().Before(key.ExpiresAt) {
		return nil, errors.AuthenticationFailed("api key expired")
	}

	consumer, ok := v.store.Consumer(key.ConsumerID)
	if !ok {
		return nil, errors.AuthenticationFailed("key has no consumer")
	}

	resolved := &core.Consumer{
		ID:       consumer.ID,
		Name:     consumer.Name,
		AuthType: "api_key",
		Scopes:   key.Scopes,
		Metadata: consumer.Metadata,
	}
	if !resolved.HasAllScopes(v.cfg.RequiredScopes) {
		return nil, errors.AuthorizationFailed("insufficient scope")
	}
	return resolved, nil
}
