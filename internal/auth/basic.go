package auth

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
)

// BasicCredential is one username with its bcrypt-hashed password.
type BasicCredential struct {
	Username   string
	ConsumerID string
	// PasswordHash is a bcrypt hash; plaintext passwords are never stored.
	PasswordHash []byte
}

// BasicValidator authenticates Authorization: Basic credentials against a
// bcrypt credential table.
type BasicValidator struct {
	store *ConsumerStore

	mu    sync.RWMutex
	creds map[string]*BasicCredential
}

// NewBasicValidator builds the validator over the given credential table.
func NewBasicValidator(store *ConsumerStore, creds []*BasicCredential) *BasicValidator {
	m := make(map[string]*BasicCredential, len(creds))
	for _, c := range creds {
		m[c.Username] = c
	}
	return &BasicValidator{store: store, creds: m}
}

// ReplaceCredentials swaps the credential table.
func (v *BasicValidator) ReplaceCredentials(creds []*BasicCredential) {
	m := make(map[string]*BasicCredential, len(creds))
	for _, c := range creds {
		m[c.Username] = c
	}
	v.mu.Lock()
	v.creds = m
	v.mu.Unlock()
}

// Validate checks the request's basic credentials.
func (v *BasicValidator) Validate(_ context.Context, req *core.Request) (*core.Consumer, error) {
	user, pass, ok := basicCredentials(req)
	if !ok {
		return nil, errors.AuthenticationFailed("missing credentials")
	}

	v.mu.RLock()
	cred, found := v.creds[user]
	v.mu.RUnlock()
	if !found {
		// Burn a comparison anyway so unknown and wrong-password lookups
		// take comparable time.
		bcrypt.CompareHashAndPassword(antiTimingHash, []byte(pass))
		return nil, errors.AuthenticationFailed("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(pass)) != nil {
		return nil, errors.AuthenticationFailed("invalid credentials")
	}

	consumer, found := v.store.Consumer(cred.ConsumerID)
	if !found {
		return nil, errors.AuthenticationFailed("credential has no consumer")
	}
	return &core.Consumer{
		ID:       consumer.ID,
		Name:     consumer.Name,
		AuthType: "basic",
		Scopes:   consumer.Scopes,
		Metadata: consumer.Metadata,
	}, nil
}

// antiTimingHash is a fixed bcrypt hash compared against when the username
// is unknown.
var antiTimingHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

func basicCredentials(req *core.Request) (user, pass string, ok bool) {
	hr := http.Request{Header: req.Header}
	return hr.BasicAuth()
}
