package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
)

// JWTConfig configures the JWT validator. Exactly one key source applies:
// Secret for HS*, PublicKey for RS*/ES*, or JWKSURL for remote key sets.
type JWTConfig struct {
	// Algorithm pins the accepted signing method (HS256, RS256, ES256, ...).
	// Tokens signed with any other method are rejected before verification.
	Algorithm string
	// Secret is the HMAC key for the HS* family.
	Secret []byte
	// PublicKeyPEM holds the PEM verification key for RS*/ES*.
	PublicKeyPEM []byte
	// JWKSURL enables remote key resolution by kid.
	JWKSURL string

	Issuer   string
	Audience string
	// Leeway absorbs clock skew on exp/nbf/iat checks.
	Leeway time.Duration

	RequiredScopes []string
}

// JWTValidator verifies bearer tokens and maps claims onto a consumer.
// Extraction order: Authorization Bearer, token query parameter, jwt cookie.
type JWTValidator struct {
	cfg    JWTConfig
	parser *jwt.Parser

	rsaKey *rsa.PublicKey
	ecKey  *ecdsa.PublicKey
	jwks   *JWKSProvider
}

// NewJWTValidator builds the validator. Key material is parsed once here so
// per-request verification never touches PEM.
func NewJWTValidator(cfg JWTConfig) (*JWTValidator, error) {
	if cfg.Algorithm == "" {
		return nil, fmt.Errorf("auth: jwt algorithm is required")
	}
	if jwt.GetSigningMethod(cfg.Algorithm) == nil {
		return nil, fmt.Errorf("auth: unknown jwt algorithm %q", cfg.Algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}

	v := &JWTValidator{cfg: cfg, parser: jwt.NewParser(opts...)}

	switch {
	case cfg.JWKSURL != "":
		p, err := NewJWKSProvider(cfg.JWKSURL)
		if err != nil {
			return nil, err
		}
		v.jwks = p
	case strings.HasPrefix(cfg.Algorithm, "HS"):
		if len(cfg.Secret) == 0 {
			return nil, fmt.Errorf("auth: %s requires a secret", cfg.Algorithm)
		}
	case strings.HasPrefix(cfg.Algorithm, "RS"), strings.HasPrefix(cfg.Algorithm, "PS"):
		key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("auth: rsa public key: %w", err)
		}
		v.rsaKey = key
	case strings.HasPrefix(cfg.Algorithm, "ES"):
		key, err := jwt.ParseECPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("auth: ec public key: %w", err)
		}
		v.ecKey = key
	default:
		return nil, fmt.Errorf("auth: unsupported jwt algorithm %q", cfg.Algorithm)
	}
	return v, nil
}

// extractToken pulls the raw token out of the request, or "" if absent.
func extractToken(req *core.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if tok := req.Query.Get("token"); tok != "" {
		return tok
	}
	// Cookie parsing through the stdlib jar semantics.
	hr := http.Request{Header: req.Header}
	if c, err := hr.Cookie("jwt"); err == nil {
		return c.Value
	}
	return ""
}

func (v *JWTValidator) keyFunc(ctx context.Context) jwt.Keyfunc {
	if v.jwks != nil {
		return v.jwks.KeyFunc(ctx)
	}
	return func(*jwt.Token) (any, error) {
		switch {
		case v.rsaKey != nil:
			return v.rsaKey, nil
		case v.ecKey != nil:
			return v.ecKey, nil
		default:
			return v.cfg.Secret, nil
		}
	}
}

// Validate verifies the request token and returns the claims consumer.
func (v *JWTValidator) Validate(ctx context.Context, req *core.Request) (*core.Consumer, error) {
	raw := extractToken(req)
	if raw == "" {
		return nil, errors.AuthenticationFailed("missing token")
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc(ctx)); err != nil {
		return nil, errors.AuthenticationFailed(tokenFailureReason(err))
	}

	consumer := consumerFromClaims(claims)
	if !consumer.HasAllScopes(v.cfg.RequiredScopes) {
		return nil, errors.AuthorizationFailed("insufficient scope")
	}
	return consumer, nil
}

// tokenFailureReason maps verification errors onto stable reasons without
// leaking key material details to clients.
func tokenFailureReason(err error) string {
	switch {
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case stderrors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not yet valid"
	case stderrors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid issuer"
	case stderrors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid audience"
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid signature"
	default:
		return "invalid token"
	}
}

// consumerFromClaims derives the identity. The scope claim may be a
// space-separated string (RFC 8693 style) or an array.
func consumerFromClaims(claims jwt.MapClaims) *core.Consumer {
	c := &core.Consumer{AuthType: "jwt", Claims: claims}
	if sub, _ := claims.GetSubject(); sub != "" {
		c.ID = sub
	}
	if name, ok := claims["name"].(string); ok {
		c.Name = name
	}
	switch scope := claims["scope"].(type) {
	case string:
		if scope != "" {
			c.Scopes = strings.Fields(scope)
		}
	case []any:
		for _, s := range scope {
			if str, ok := s.(string); ok {
				c.Scopes = append(c.Scopes, str)
			}
		}
	}
	return c
}
