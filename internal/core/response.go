package core

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the pipeline's view of one response, whether it came from an
// upstream target, the cache, or a plugin.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Duration is the engine-measured handling time, set once at egress.
	Duration time.Duration
	// UpstreamID names the upstream that produced the response, empty for
	// synthetic responses (cache hits keep the ID recorded at store time).
	UpstreamID string
}

// NewResponse builds an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{
		StatusCode: status,
		Header:     make(http.Header),
	}
}

// JSONResponse marshals v into a response body with the JSON content type.
// Marshal failures fall back to an empty object so the pipeline always has
// a writable response.
func JSONResponse(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte("{}")
	}
	resp := NewResponse(status)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = body
	return resp
}

// Clone returns a deep copy. The cache stores clones so later pipeline
// mutation of a served response cannot corrupt the stored entry.
func (r *Response) Clone() *Response {
	dup := *r
	dup.Header = cloneHeader(r.Header)
	if r.Body != nil {
		dup.Body = make([]byte, len(r.Body))
		copy(dup.Body, r.Body)
	}
	return &dup
}
