// Package core defines the transport-agnostic request and response types the
// gateway pipeline operates on. Adapters at the edge convert concrete
// transport objects (net/http requests, test fixtures) into these.
package core

import (
	"net"
	"net/http"
	"net/url"
	"time"
)

// Request is one inbound request as seen by the pipeline. Header and Query
// use the standard library multimaps, which give the case-insensitive header
// semantics the wire requires via canonical MIME keys.
type Request struct {
	ID         string
	Method     string
	Path       string
	Header     http.Header
	Query      url.Values
	Body       []byte
	Host       string
	Scheme     string
	ClientAddr string
	ReceivedAt time.Time

	// Consumer is set by admission once authentication succeeds.
	Consumer *Consumer
}

// NewRequest builds a request with initialized maps so callers can set
// headers and query values without nil checks.
func NewRequest(method, path string) *Request {
	return &Request{
		Method:     method,
		Path:       path,
		Header:     make(http.Header),
		Query:      make(url.Values),
		Scheme:     "http",
		ReceivedAt: time.Now(),
	}
}

// ClientIP returns the client address without a port, if one is present.
func (r *Request) ClientIP() string {
	host, _, err := net.SplitHostPort(r.ClientAddr)
	if err != nil {
		return r.ClientAddr
	}
	return host
}

// Clone returns a deep copy. The pipeline hands mutable copies to plugins
// and the sanitizer while keeping the original intact for logging.
func (r *Request) Clone() *Request {
	dup := *r
	dup.Header = cloneHeader(r.Header)
	dup.Query = cloneValues(r.Query)
	if r.Body != nil {
		dup.Body = make([]byte, len(r.Body))
		copy(dup.Body, r.Body)
	}
	return &dup
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	dup := make(http.Header, len(h))
	for k, vv := range h {
		cp := make([]string, len(vv))
		copy(cp, vv)
		dup[k] = cp
	}
	return dup
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return make(url.Values)
	}
	dup := make(url.Values, len(v))
	for k, vv := range v {
		cp := make([]string, len(vv))
		copy(cp, vv)
		dup[k] = cp
	}
	return dup
}
