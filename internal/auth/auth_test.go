package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
)

func testStore() *ConsumerStore {
	s := NewConsumerStore()
	s.AddConsumer(&core.Consumer{ID: "acme", Name: "Acme Corp"})
	s.AddKey(&APIKey{
		ID:         "key-1",
		ConsumerID: "acme",
		HashedKey:  HashKey("sk-live-123"),
		Scopes:     []string{"read", "write"},
	})
	return s
}

func TestAPIKeyExtractionOrder(t *testing.T) {
	v := NewAPIKeyValidator(testStore(), APIKeyConfig{})

	cases := []struct {
		name string
		set  func(*core.Request)
	}{
		{"authorization bearer", func(r *core.Request) { r.Header.Set("Authorization", "Bearer sk-live-123") }},
		{"x-api-key header", func(r *core.Request) { r.Header.Set("X-API-Key", "sk-live-123") }},
		{"query parameter", func(r *core.Request) { r.Query.Set("api_key", "sk-live-123") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := core.NewRequest("GET", "/x")
			tc.set(req)
			c, err := v.Validate(context.Background(), req)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if c.ID != "acme" || c.AuthType != "api_key" {
				t.Errorf("consumer = %+v", c)
			}
		})
	}

	// Header beats query when both are present.
	req := core.NewRequest("GET", "/x")
	req.Header.Set("X-API-Key", "sk-live-123")
	req.Query.Set("api_key", "wrong")
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Errorf("header should win over query: %v", err)
	}
}

func TestAPIKeyRejections(t *testing.T) {
	store := testStore()
	store.AddKey(&APIKey{
		ID: "key-off", ConsumerID: "acme",
		HashedKey: HashKey("sk-disabled"), Disabled: true,
	})
	store.AddKey(&APIKey{
		ID: "key-old", ConsumerID: "acme",
		HashedKey: HashKey("sk-expired"),
		ExpiresAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	store.AddKey(&APIKey{
		ID: "key-orphan", ConsumerID: "ghost",
		HashedKey: HashKey("sk-orphan"),
	})

	v := NewAPIKeyValidator(store, APIKeyConfig{})
	v.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }

	cases := []struct {
		name string
		key  string
		kind errors.Kind
	}{
		{"missing", "", errors.KindAuthentication},
		{"unknown", "sk-bogus", errors.KindAuthentication},
		{"disabled", "sk-disabled", errors.KindAuthentication},
		{"expired", "sk-expired", errors.KindAuthentication},
		{"orphan", "sk-orphan", errors.KindAuthentication},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := core.NewRequest("GET", "/x")
			if tc.key != "" {
				req.Header.Set("X-API-Key", tc.key)
			}
			_, err := v.Validate(context.Background(), req)
			if !errors.IsKind(err, tc.kind) {
				t.Errorf("err = %v, want kind %d", err, tc.kind)
			}
		})
	}
}

func TestAPIKeyScopes(t *testing.T) {
	v := NewAPIKeyValidator(testStore(), APIKeyConfig{RequiredScopes: []string{"write"}})
	req := core.NewRequest("GET", "/x")
	req.Header.Set("X-API-Key", "sk-live-123")
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("key with scope rejected: %v", err)
	}

	v = NewAPIKeyValidator(testStore(), APIKeyConfig{RequiredScopes: []string{"admin"}})
	_, err := v.Validate(context.Background(), req)
	if !errors.IsKind(err, errors.KindAuthorization) {
		t.Errorf("err = %v, want authorization failure", err)
	}
}

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTHappyPath(t *testing.T) {
	secret := []byte("topsecret")
	v, err := NewJWTValidator(JWTConfig{
		Algorithm: "HS256",
		Secret:    secret,
		Issuer:    "https://issuer.example",
		Audience:  "gantry",
	})
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}

	raw := signHS256(t, secret, jwt.MapClaims{
		"sub":   "user-42",
		"name":  "Pat",
		"iss":   "https://issuer.example",
		"aud":   "gantry",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "read write",
	})
	req := core.NewRequest("GET", "/x")
	req.Header.Set("Authorization", "Bearer "+raw)

	c, err := v.Validate(context.Background(), req)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.ID != "user-42" || c.Name != "Pat" || c.AuthType != "jwt" {
		t.Errorf("consumer = %+v", c)
	}
	if len(c.Scopes) != 2 || c.Scopes[0] != "read" || c.Scopes[1] != "write" {
		t.Errorf("scopes = %v", c.Scopes)
	}
}

func TestJWTExtractionFallbacks(t *testing.T) {
	secret := []byte("s")
	v, err := NewJWTValidator(JWTConfig{Algorithm: "HS256", Secret: secret})
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	raw := signHS256(t, secret, jwt.MapClaims{
		"sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
	})

	req := core.NewRequest("GET", "/x")
	req.Query.Set("token", raw)
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Errorf("query token rejected: %v", err)
	}

	req = core.NewRequest("GET", "/x")
	req.Header.Set("Cookie", "jwt="+raw)
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Errorf("cookie token rejected: %v", err)
	}
}

func TestJWTRejections(t *testing.T) {
	secret := []byte("topsecret")
	v, err := NewJWTValidator(JWTConfig{
		Algorithm: "HS256",
		Secret:    secret,
		Issuer:    "https://issuer.example",
	})
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}

	future := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name string
		raw  string
	}{
		{"missing token", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", signHS256(t, []byte("other"), jwt.MapClaims{
			"iss": "https://issuer.example", "exp": future,
		})},
		{"expired", signHS256(t, secret, jwt.MapClaims{
			"iss": "https://issuer.example", "exp": time.Now().Add(-time.Hour).Unix(),
		})},
		{"wrong issuer", signHS256(t, secret, jwt.MapClaims{
			"iss": "https://evil.example", "exp": future,
		})},
		{"no exp", signHS256(t, secret, jwt.MapClaims{
			"iss": "https://issuer.example",
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := core.NewRequest("GET", "/x")
			if tc.raw != "" {
				req.Header.Set("Authorization", "Bearer "+tc.raw)
			}
			_, err := v.Validate(context.Background(), req)
			if !errors.IsKind(err, errors.KindAuthentication) {
				t.Errorf("err = %v, want authentication failure", err)
			}
		})
	}
}

func TestJWTLeeway(t *testing.T) {
	secret := []byte("s")
	v, err := NewJWTValidator(JWTConfig{Algorithm: "HS256", Secret: secret, Leeway: 2 * time.Minute})
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	// Expired one minute ago, inside the leeway.
	raw := signHS256(t, secret, jwt.MapClaims{
		"sub": "u", "exp": time.Now().Add(-time.Minute).Unix(),
	})
	req := core.NewRequest("GET", "/x")
	req.Header.Set("Authorization", "Bearer "+raw)
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Errorf("token inside leeway rejected: %v", err)
	}
}

func TestJWTScopeArrayClaim(t *testing.T) {
	secret := []byte("s")
	v, err := NewJWTValidator(JWTConfig{
		Algorithm: "HS256", Secret: secret,
		RequiredScopes: []string{"admin"},
	})
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	raw := signHS256(t, secret, jwt.MapClaims{
		"sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
		"scope": []string{"admin", "read"},
	})
	req := core.NewRequest("GET", "/x")
	req.Header.Set("Authorization", "Bearer "+raw)
	c, err := v.Validate(context.Background(), req)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !c.HasScope("admin") {
		t.Errorf("scopes = %v", c.Scopes)
	}
}

func TestJWTConstructionErrors(t *testing.T) {
	if _, err := NewJWTValidator(JWTConfig{}); err == nil {
		t.Error("missing algorithm must fail")
	}
	if _, err := NewJWTValidator(JWTConfig{Algorithm: "HS256"}); err == nil {
		t.Error("HS256 without secret must fail")
	}
	if _, err := NewJWTValidator(JWTConfig{Algorithm: "RS256", PublicKeyPEM: []byte("junk")}); err == nil {
		t.Error("bad PEM must fail")
	}
	if _, err := NewJWTValidator(JWTConfig{Algorithm: "XX999"}); err == nil {
		t.Error("unknown algorithm must fail")
	}
}

func introspectionServer(t *testing.T, calls *atomic.Int64, resp introspection) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("token") == "" {
			t.Error("introspection request missing token form field")
		}
		if user, _, ok := r.BasicAuth(); !ok || user != "gantry-client" {
			t.Errorf("basic auth user = %q", user)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestOAuthIntrospection(t *testing.T) {
	var calls atomic.Int64
	srv := introspectionServer(t, &calls, introspection{
		Active: true, Sub: "user-7", Username: "pat",
		Scope: "read write", ClientID: "app-1",
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	defer srv.Close()

	v, err := NewOAuthValidator(OAuthConfig{
		IntrospectionURL: srv.URL,
		ClientID:         "gantry-client",
		ClientSecret:     "shh",
	})
	if err != nil {
		t.Fatalf("NewOAuthValidator: %v", err)
	}

	req := core.NewRequest("GET", "/x")
	req.Header.Set("Authorization", "Bearer opaque-token-1")

	c, err := v.Validate(context.Background(), req)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.ID != "user-7" || c.AuthType != "oauth2" || !c.HasScope("write") {
		t.Errorf("consumer = %+v", c)
	}

	// Second validation of the same token is served from cache.
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("cached Validate: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("introspection calls = %d, want 1", n)
	}
}

func TestOAuthInactiveToken(t *testing.T) {
	var calls atomic.Int64
	srv := introspectionServer(t, &calls, introspection{Active: false})
	defer srv.Close()

	v, err := NewOAuthValidator(OAuthConfig{IntrospectionURL: srv.URL, ClientID: "gantry-client"})
	if err != nil {
		t.Fatalf("NewOAuthValidator: %v", err)
	}
	req := core.NewRequest("GET", "/x")
	req.Header.Set("Authorization", "Bearer revoked")
	_, err = v.Validate(context.Background(), req)
	if !errors.IsKind(err, errors.KindAuthentication) {
		t.Errorf("err = %v, want authentication failure", err)
	}

	// Negative decisions are not cached; a retry hits the server again.
	v.Validate(context.Background(), req)
	if n := calls.Load(); n != 2 {
		t.Errorf("introspection calls = %d, want 2", n)
	}
}

func TestOAuthExpiredCacheEntry(t *testing.T) {
	var calls atomic.Int64
	exp := time.Now().Add(time.Hour)
	srv := introspectionServer(t, &calls, introspection{
		Active: true, Sub: "u", Exp: exp.Unix(),
	})
	defer srv.Close()

	v, err := NewOAuthValidator(OAuthConfig{
		IntrospectionURL: srv.URL,
		ClientID:         "gantry-client",
		CacheTTL:         time.Hour,
	})
	if err != nil {
		t.Fatalf("NewOAuthValidator: %v", err)
	}
	req := core.NewRequest("GET", "/x")
	req.Header.Set("Authorization", "Bearer tok")
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Past the token's own expiry the cached decision is discarded and the
	// endpoint consulted again.
	v.now = func() time.Time { return exp.Add(time.Minute) }
	v.Validate(context.Background(), req)
	if n := calls.Load(); n != 2 {
		t.Errorf("introspection calls = %d, want 2", n)
	}
}

func TestOAuthScopeCheck(t *testing.T) {
	var calls atomic.Int64
	srv := introspectionServer(t, &calls, introspection{
		Active: true, Sub: "u", Scope: "read",
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	defer srv.Close()

	v, err := NewOAuthValidator(OAuthConfig{
		IntrospectionURL: srv.URL,
		ClientID:         "gantry-client",
		RequiredScopes:   []string{"write"},
	})
	if err != nil {
		t.Fatalf("NewOAuthValidator: %v", err)
	}
	req := core.NewRequest("GET", "/x")
	req.Header.Set("Authorization", "Bearer tok")
	_, err = v.Validate(context.Background(), req)
	if !errors.IsKind(err, errors.KindAuthorization) {
		t.Errorf("err = %v, want authorization failure", err)
	}
}

func TestBasicValidator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	store := testStore()
	v := NewBasicValidator(store, []*BasicCredential{
		{Username: "pat", ConsumerID: "acme", PasswordHash: hash},
	})

	req := core.NewRequest("GET", "/x")
	req.Header.Set("Authorization", "Basic "+basicHeader("pat", "hunter2"))
	c, err := v.Validate(context.Background(), req)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.ID != "acme" || c.AuthType != "basic" {
		t.Errorf("consumer = %+v", c)
	}

	cases := []struct {
		name       string
		user, pass string
	}{
		{"wrong password", "pat", "letmein"},
		{"unknown user", "sam", "hunter2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := core.NewRequest("GET", "/x")
			req.Header.Set("Authorization", "Basic "+basicHeader(tc.user, tc.pass))
			_, err := v.Validate(context.Background(), req)
			if !errors.IsKind(err, errors.KindAuthentication) {
				t.Errorf("err = %v, want authentication failure", err)
			}
		})
	}

	req = core.NewRequest("GET", "/x")
	if _, err := v.Validate(context.Background(), req); !errors.IsKind(err, errors.KindAuthentication) {
		t.Errorf("missing header: err = %v", err)
	}
}

func basicHeader(user, pass string) string {
	hr := http.Request{Header: make(http.Header)}
	hr.SetBasicAuth(user, pass)
	return hr.Header.Get("Authorization")[len("Basic "):]
}

func TestStoreReplaceAll(t *testing.T) {
	s := testStore()
	s.ReplaceAll(
		[]*core.Consumer{{ID: "globex"}},
		[]*APIKey{{ID: "k2", ConsumerID: "globex", HashedKey: HashKey("sk-new")}},
	)
	if _, ok := s.Consumer("acme"); ok {
		t.Error("old consumer survived ReplaceAll")
	}
	if _, ok := s.KeyByHash(HashKey("sk-live-123")); ok {
		t.Error("old key survived ReplaceAll")
	}
	if _, ok := s.KeyByHash(HashKey("sk-new")); !ok {
		t.Error("new key missing after ReplaceAll")
	}
}
