package core

import (
	"net/http"
	"testing"
)

func TestRequestCloneIsIndependent(t *testing.T) {
	req := NewRequest("GET", "/api/users")
	req.Header.Set("X-Test", "one")
	req.Query.Set("page", "1")
	req.Body = []byte("hello")

	dup := req.Clone()
	dup.Header.Set("X-Test", "two")
	dup.Query.Set("page", "2")
	dup.Body[0] = 'H'

	if got := req.Header.Get("X-Test"); got != "one" {
		t.Errorf("original header mutated: got %q", got)
	}
	if got := req.Query.Get("page"); got != "1" {
		t.Errorf("original query mutated: got %q", got)
	}
	if string(req.Body) != "hello" {
		t.Errorf("original body mutated: got %q", req.Body)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.168.1.10:54321", "192.168.1.10"},
		{"192.168.1.10", "192.168.1.10"},
		{"[2001:db8::1]:8080", "2001:db8::1"},
	}
	for _, tt := range tests {
		req := NewRequest("GET", "/")
		req.ClientAddr = tt.addr
		if got := req.ClientIP(); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestHeaderCaseInsensitivity(t *testing.T) {
	req := NewRequest("GET", "/")
	req.Header.Set("x-request-id", "abc")

	if got := req.Header.Get("X-Request-Id"); got != "abc" {
		t.Errorf("case-insensitive lookup failed: got %q", got)
	}
	// Round trip through clone preserves values and multi-value order.
	req.Header.Add("Accept", "text/html")
	req.Header.Add("accept", "application/json")
	dup := req.Clone()
	vals := dup.Header.Values("Accept")
	if len(vals) != 2 || vals[0] != "text/html" || vals[1] != "application/json" {
		t.Errorf("multi-value order not preserved: %v", vals)
	}
}

func TestStripHopByHop(t *testing.T) {
	h := make(http.Header)
	h.Set("Connection", "close, X-Custom-Hop")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("X-Custom-Hop", "drop-me")
	h.Set("X-App-Header", "keep-me")

	StripHopByHop(h)

	for _, name := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "X-Custom-Hop"} {
		if h.Get(name) != "" {
			t.Errorf("header %s not stripped", name)
		}
	}
	if h.Get("X-App-Header") != "keep-me" {
		t.Errorf("end-to-end header was stripped")
	}
}

func TestJSONResponse(t *testing.T) {
	resp := JSONResponse(429, map[string]string{"error": "slow down"})
	if resp.StatusCode != 429 {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if string(resp.Body) != `{"error":"slow down"}` {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestConsumerScopes(t *testing.T) {
	c := &Consumer{ID: "c1", Scopes: []string{"read", "write"}}
	if !c.HasScope("read") {
		t.Error("expected read scope")
	}
	if c.HasScope("admin") {
		t.Error("unexpected admin scope")
	}
	if !c.HasAllScopes([]string{"read", "write"}) {
		t.Error("expected all scopes present")
	}
	if c.HasAllScopes([]string{"read", "admin"}) {
		t.Error("admin should be missing")
	}
	var nilC *Consumer
	if nilC.HasScope("read") {
		t.Error("nil consumer cannot have scopes")
	}
}
