// Package errors defines the closed set of failures the gateway surfaces to
// clients. Every error carries an HTTP status, a stable machine code, and an
// operator-facing message; the hot-path kinds are pre-serialized once.
package errors

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gantrygw/gantry/internal/core"
)

// Kind enumerates every failure class the request plane can produce.
type Kind uint8

const (
	KindInternal Kind = iota
	KindRouteNotFound
	KindRouteDisabled
	KindRateLimited
	KindAuthentication
	KindAuthorization
	KindWAFBlocked
	KindCircuitOpen
	KindNoHealthyTargets
	KindUpstreamFailure
)

type kindInfo struct {
	status  int
	code    string
	message string
}

var kinds = [...]kindInfo{
	KindInternal:         {500, "INTERNAL_ERROR", "internal server error"},
	KindRouteNotFound:    {404, "ROUTE_NOT_FOUND", "no route matches the request"},
	KindRouteDisabled:    {503, "ROUTE_DISABLED", "route is disabled"},
	KindRateLimited:      {429, "RATE_LIMIT_EXCEEDED", "rate limit exceeded"},
	KindAuthentication:   {401, "AUTHENTICATION_FAILED", "authentication failed"},
	KindAuthorization:    {403, "AUTHORIZATION_FAILED", "authorization failed"},
	KindWAFBlocked:       {403, "AUTHORIZATION_FAILED", "request blocked by security policy"},
	KindCircuitOpen:      {503, "CIRCUIT_BREAKER_OPEN", "upstream circuit breaker is open"},
	KindNoHealthyTargets: {503, "NO_HEALTHY_TARGETS", "no healthy upstream targets available"},
	KindUpstreamFailure:  {502, "UPSTREAM_FAILED", "upstream request failed"},
}

// preSerialized caches the JSON body for each bare kind so the common
// rejection paths do not marshal per request.
var preSerialized [len(kinds)][]byte

func init() {
	for k := range kinds {
		b, err := json.Marshal(responseBody{
			Error: kinds[k].message,
			Code:  kinds[k].code,
		})
		if err != nil {
			panic(fmt.Sprintf("errors: pre-serialize kind %d: %v", k, err))
		}
		preSerialized[k] = b
	}
}

// Error is a typed gateway failure.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any

	// RetryAfter is set on rate-limit rejections so the engine can attach
	// the Retry-After header without digging through Details.
	RetryAfter time.Duration

	underlying error
}

type responseBody struct {
	Error    string         `json:"error"`
	Code     string         `json:"code"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// New builds an error of the given kind with the kind's default message.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Message: kinds[kind].message}
}

// Wrap builds an error of the given kind that unwraps to err.
func Wrap(kind Kind, err error) *Error {
	e := New(kind)
	e.underlying = err
	if err != nil {
		e.Details = map[string]any{"cause": err.Error()}
	}
	return e
}

// RouteNotFound reports a resolver miss.
func RouteNotFound(method, path string) *Error {
	e := New(KindRouteNotFound)
	e.Details = map[string]any{"method": method, "path": path}
	return e
}

// RouteDisabled reports a matched but disabled route.
func RouteDisabled(routeID string) *Error {
	e := New(KindRouteDisabled)
	e.Details = map[string]any{"route_id": routeID}
	return e
}

// RateLimited reports a limiter denial with its retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	e := New(KindRateLimited)
	e.RetryAfter = retryAfter
	return e
}

// AuthenticationFailed reports a credential rejection.
func AuthenticationFailed(reason string) *Error {
	e := New(KindAuthentication)
	if reason != "" {
		e.Details = map[string]any{"reason": reason}
	}
	return e
}

// AuthorizationFailed reports a scope or IP policy denial.
func AuthorizationFailed(reason string) *Error {
	e := New(KindAuthorization)
	if reason != "" {
		e.Details = map[string]any{"reason": reason}
	}
	return e
}

// WAFBlocked reports a security-rule denial with the matched rule IDs.
func WAFBlocked(matchedRules []string) *Error {
	e := New(KindWAFBlocked)
	e.Details = map[string]any{"matched_rules": matchedRules}
	return e
}

// CircuitOpen reports that the upstream's breaker refused the request.
func CircuitOpen(upstreamID string) *Error {
	e := New(KindCircuitOpen)
	e.Details = map[string]any{"upstream_id": upstreamID}
	return e
}

// NoHealthyTargets reports that load balancing found no usable target.
func NoHealthyTargets(upstreamID string) *Error {
	e := New(KindNoHealthyTargets)
	e.Details = map[string]any{"upstream_id": upstreamID}
	return e
}

// UpstreamFailed reports retry-budget exhaustion with the last error.
func UpstreamFailed(upstreamID string, last error) *Error {
	e := Wrap(KindUpstreamFailure, last)
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details["upstream_id"] = upstreamID
	return e
}

// Internal wraps an unclassified failure.
func Internal(err error) *Error {
	return Wrap(KindInternal, err)
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", kinds[e.Kind].code, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", kinds[e.Kind].code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.underlying }

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int { return kinds[e.Kind].status }

// Code returns the stable machine-readable code.
func (e *Error) Code() string { return kinds[e.Kind].code }

// WithDetail returns a copy carrying an extra metadata entry.
func (e *Error) WithDetail(key string, value any) *Error {
	dup := *e
	dup.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		dup.Details[k] = v
	}
	dup.Details[key] = value
	return &dup
}

// JSON returns the canonical error body {error, code, metadata?}.
func (e *Error) JSON() []byte {
	if e.Details == nil && e.Message == kinds[e.Kind].message {
		return preSerialized[e.Kind]
	}
	b, err := json.Marshal(responseBody{
		Error:    e.Message,
		Code:     kinds[e.Kind].code,
		Metadata: e.Details,
	})
	if err != nil {
		return preSerialized[KindInternal]
	}
	return b
}

// Response converts the error into a pipeline response.
func (e *Error) Response() *core.Response {
	resp := core.NewResponse(e.Status())
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = e.JSON()
	return resp
}

// From classifies err: typed gateway errors pass through, anything else
// becomes an internal failure.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*Error); ok {
		return ge
	}
	return Internal(err)
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind Kind) bool {
	ge, ok := err.(*Error)
	return ok && ge.Kind == kind
}
