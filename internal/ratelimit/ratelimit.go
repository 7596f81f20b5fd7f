// Package ratelimit implements the gateway's admission rate limiters: token
// bucket, sliding window, fixed window, and an adaptive fixed-window variant
// that retunes its limit from observed response times and error rates. All
// local limiters share the same sharded key store discipline with lazy
// cleanup at access time.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Algorithm names a limiter implementation.
type Algorithm string

const (
	TokenBucket   Algorithm = "token-bucket"
	SlidingWindow Algorithm = "sliding-window"
	FixedWindow   Algorithm = "fixed-window"
	Adaptive      Algorithm = "adaptive"
)

// Scope picks the discriminator the engine folds into limiter keys.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeConsumer Scope = "consumer"
	ScopeRoute    Scope = "route"
	ScopeIP       Scope = "ip"
)

// Decision is the outcome of one Consume call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the current window rolls or the bucket refills enough
	// for one request.
	ResetAt time.Time
	// RetryAfter is a hint for denied requests; zero when allowed.
	RetryAfter time.Duration
}

// Limiter admits or rejects one event against a key's budget.
type Limiter interface {
	Consume(ctx context.Context, key string) (Decision, error)
}

// Rule configures one named limit the engine applies to requests.
type Rule struct {
	ID        string
	Algorithm Algorithm
	Scope     Scope
	// Limit is the request budget per Window (windowed algorithms) or the
	// bucket capacity (token bucket).
	Limit int
	// Window is the measurement period; for token bucket it is the period
	// over which Limit tokens refill.
	Window time.Duration
	// Burst caps token-bucket tokens; defaults to Limit.
	Burst int
	// KeySuffix is an optional user-specified key component.
	KeySuffix string
	// Distributed routes this rule through the Redis-backed limiter.
	Distributed bool
}

func (r Rule) validate() error {
	switch r.Algorithm {
	case TokenBucket, SlidingWindow, FixedWindow, Adaptive:
	default:
		return fmt.Errorf("ratelimit: rule %s: unknown algorithm %q", r.ID, r.Algorithm)
	}
	switch r.Scope {
	case "", ScopeGlobal, ScopeConsumer, ScopeRoute, ScopeIP:
	default:
		return fmt.Errorf("ratelimit: rule %s: unknown scope %q", r.ID, r.Scope)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("ratelimit: rule %s: limit must be positive", r.ID)
	}
	if r.Window <= 0 {
		return fmt.Errorf("ratelimit: rule %s: window must be positive", r.ID)
	}
	return nil
}

// Key composes the limiter key for a rule: ruleID:scope:discriminator with
// the optional user suffix appended. The discriminator is the consumer ID,
// route ID, or client IP the engine selected for the rule's scope.
func Key(rule Rule, discriminator string) string {
	scope := rule.Scope
	if scope == "" {
		scope = ScopeGlobal
	}
	var b strings.Builder
	b.Grow(len(rule.ID) + len(scope) + len(discriminator) + len(rule.KeySuffix) + 3)
	b.WriteString(rule.ID)
	b.WriteByte(':')
	b.WriteString(string(scope))
	b.WriteByte(':')
	b.WriteString(discriminator)
	if rule.KeySuffix != "" {
		b.WriteByte(':')
		b.WriteString(rule.KeySuffix)
	}
	return b.String()
}

// NewLimiter builds the local limiter for a rule.
func NewLimiter(rule Rule) (Limiter, error) {
	if err := rule.validate(); err != nil {
		return nil, err
	}
	switch rule.Algorithm {
	case TokenBucket:
		return NewTokenBucket(rule.Limit, rule.Window, rule.Burst), nil
	case SlidingWindow:
		return NewSlidingWindow(rule.Limit, rule.Window), nil
	case FixedWindow:
		return NewFixedWindow(rule.Limit, rule.Window), nil
	case Adaptive:
		return NewAdaptive(rule.Limit, rule.Window), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown algorithm %q", rule.Algorithm)
	}
}

// compactThreshold is the key count past which a limiter sweeps stale
// entries during Consume instead of waiting for per-key lazy cleanup.
const compactThreshold = 16384
