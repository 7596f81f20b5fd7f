package builtin

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/errors"
	"github.com/gantrygw/gantry/internal/plugin"
)

func pctx(req *core.Request) *plugin.Context {
	return &plugin.Context{
		Request: req,
		Route:   plugin.RouteInfo{ID: "r1", UpstreamID: "u1"},
		Values:  make(map[string]any),
	}
}

func TestRegisterAll(t *testing.T) {
	reg := plugin.NewRegistry()
	RegisterAll(reg)
	want := []string{
		"claims-header", "compress", "geo-filter", "mock-response",
		"request-transform", "request-validation", "response-transform", "rules",
	}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRequestTransform(t *testing.T) {
	h, err := newRequestTransform(map[string]any{
		"set_headers":    map[string]any{"X-Gateway": "gantry"},
		"remove_headers": []any{"X-Internal"},
		"set_fields":     map[string]any{"meta.source": "edge"},
		"remove_fields":  []any{"password"},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	req := core.NewRequest("POST", "/users")
	req.Header.Set("X-Internal", "1")
	req.Body = []byte(`{"name":"pat","password":"hunter2"}`)

	if _, err := h.Execute(context.Background(), pctx(req)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if req.Header.Get("X-Gateway") != "gantry" || req.Header.Get("X-Internal") != "" {
		t.Errorf("headers = %v", req.Header)
	}
	body := string(req.Body)
	if strings.Contains(body, "password") {
		t.Errorf("removed field survived: %s", body)
	}
	if !strings.Contains(body, `"source":"edge"`) {
		t.Errorf("set field missing: %s", body)
	}
}

func TestResponseTransformAllowFields(t *testing.T) {
	h, err := newResponseTransform(map[string]any{
		"allow_fields": []any{"id", "name"},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	pc := pctx(core.NewRequest("GET", "/users/1"))
	pc.Response = core.NewResponse(200)
	pc.Response.Body = []byte(`{"id":1,"name":"pat","ssn":"000-00-0000"}`)

	if _, err := h.Execute(context.Background(), pc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	body := string(pc.Response.Body)
	if strings.Contains(body, "ssn") {
		t.Errorf("disallowed field survived: %s", body)
	}
	if !strings.Contains(body, `"name":"pat"`) {
		t.Errorf("allowed field lost: %s", body)
	}
}

func TestTransformLeavesNonJSONAlone(t *testing.T) {
	h, err := newRequestTransform(map[string]any{
		"set_fields": map[string]any{"a": "b"},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	req := core.NewRequest("POST", "/x")
	req.Body = []byte("plain text payload")
	h.Execute(context.Background(), pctx(req))
	if string(req.Body) != "plain text payload" {
		t.Errorf("non-JSON body mutated: %q", req.Body)
	}
}

func TestRequestValidation(t *testing.T) {
	h, err := newRequestValidation(map[string]any{
		"schema": map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	req := core.NewRequest("POST", "/users")
	req.Body = []byte(`{"name":"pat"}`)
	resp, err := h.Execute(context.Background(), pctx(req))
	if err != nil || resp != nil {
		t.Errorf("valid body rejected: resp=%v err=%v", resp, err)
	}

	req.Body = []byte(`{"age":3}`)
	resp, err = h.Execute(context.Background(), pctx(req))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("invalid body produced %+v", resp)
	}

	req.Body = []byte(`{not json`)
	if resp, _ := h.Execute(context.Background(), pctx(req)); resp == nil || resp.StatusCode != 400 {
		t.Error("malformed JSON must 400")
	}
}

func TestRequestValidationLogOnly(t *testing.T) {
	h, err := newRequestValidation(map[string]any{
		"schema":   map[string]any{"type": "object"},
		"log_only": true,
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	req := core.NewRequest("POST", "/x")
	req.Body = []byte(`[1,2,3]`)
	pc := pctx(req)
	resp, err := h.Execute(context.Background(), pc)
	if resp != nil || err != nil {
		t.Errorf("log_only must pass: resp=%v err=%v", resp, err)
	}
	if pc.Values["validation_failure"] == nil {
		t.Error("failure detail not recorded")
	}
}

func TestMockResponse(t *testing.T) {
	h, err := newMockResponse(map[string]any{
		"status": float64(202),
		"body":   `{"path": "{{ .Path }}", "who": "{{ .ConsumerID | upper }}"}`,
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	pc := pctx(core.NewRequest("GET", "/orders/9"))
	pc.Consumer = &core.Consumer{ID: "acme"}
	resp, err := h.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.StatusCode != 202 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"path": "/orders/9", "who": "ACME"}` {
		t.Errorf("body = %s", resp.Body)
	}

	if _, err := newMockResponse(map[string]any{"body": "{{ .Broken"}); err == nil {
		t.Error("bad template must fail at registration")
	}
}

func TestClaimsHeader(t *testing.T) {
	h, err := newClaimsHeader(map[string]any{
		"claims": map[string]any{
			"sub":          "X-User-Id",
			"org.tenant":   "X-Tenant",
			"missingclaim": "X-Missing",
		},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	pc := pctx(core.NewRequest("GET", "/x"))
	pc.Consumer = &core.Consumer{
		ID: "u1",
		Claims: map[string]any{
			"sub": "user-42",
			"org": map[string]any{"tenant": "acme"},
		},
	}
	if _, err := h.Execute(context.Background(), pc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := pc.Request.Header.Get("X-User-Id"); got != "user-42" {
		t.Errorf("X-User-Id = %q", got)
	}
	if got := pc.Request.Header.Get("X-Tenant"); got != "acme" {
		t.Errorf("X-Tenant = %q", got)
	}
	if pc.Request.Header.Get("X-Missing") != "" {
		t.Error("absent claim set a header")
	}

	// No consumer: nothing set, nothing fails.
	pc2 := pctx(core.NewRequest("GET", "/x"))
	if _, err := h.Execute(context.Background(), pc2); err != nil {
		t.Errorf("Execute without consumer: %v", err)
	}
}

func TestRules(t *testing.T) {
	h, err := newRules(map[string]any{
		"rules": []any{
			map[string]any{
				"when":   `header("X-Debug") == "1"`,
				"action": "set-header",
				"header": "X-Debug-Passed",
				"value":  "yes",
			},
			map[string]any{
				"when":   `path startsWith "/internal"`,
				"action": "block",
			},
			map[string]any{
				"when":   `query("ping") == "1"`,
				"action": "respond",
				"status": float64(204),
			},
		},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	req := core.NewRequest("GET", "/api/things")
	req.Header.Set("X-Debug", "1")
	if _, err := h.Execute(context.Background(), pctx(req)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if req.Header.Get("X-Debug-Passed") != "yes" {
		t.Error("set-header rule did not fire")
	}

	req = core.NewRequest("GET", "/internal/admin")
	_, err = h.Execute(context.Background(), pctx(req))
	if !errors.IsKind(err, errors.KindAuthorization) {
		t.Errorf("block rule: err = %v", err)
	}

	req = core.NewRequest("GET", "/api/things")
	req.Query.Set("ping", "1")
	resp, err := h.Execute(context.Background(), pctx(req))
	if err != nil || resp == nil || resp.StatusCode != 204 {
		t.Errorf("respond rule: resp=%v err=%v", resp, err)
	}
}

func TestRulesRejectsBadConfig(t *testing.T) {
	if _, err := newRules(map[string]any{"rules": []any{}}); err == nil {
		t.Error("empty rules must fail")
	}
	if _, err := newRules(map[string]any{"rules": []any{
		map[string]any{"when": "((", "action": "block"},
	}}); err == nil {
		t.Error("bad expression must fail at registration")
	}
	if _, err := newRules(map[string]any{"rules": []any{
		map[string]any{"when": "true", "action": "explode"},
	}}); err == nil {
		t.Error("unknown action must fail")
	}
}

func TestCompress(t *testing.T) {
	h, err := newCompress(map[string]any{"min_bytes": float64(8)})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	body := bytes.Repeat([]byte("compress me please "), 50)
	req := core.NewRequest("GET", "/x")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	pc := pctx(req)
	pc.Response = core.NewResponse(200)
	pc.Response.Header.Set("Content-Type", "application/json")
	pc.Response.Body = append([]byte(nil), body...)

	if _, err := h.Execute(context.Background(), pc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := pc.Response.Header.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("encoding = %q", got)
	}
	zr, err := gzip.NewReader(bytes.NewReader(pc.Response.Body))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	round, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(round, body) {
		t.Error("round trip mismatch")
	}
}

func TestCompressPrefersBrotli(t *testing.T) {
	h, err := newCompress(map[string]any{"min_bytes": float64(8)})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	req := core.NewRequest("GET", "/x")
	req.Header.Set("Accept-Encoding", "gzip, br;q=0.9, zstd")
	pc := pctx(req)
	pc.Response = core.NewResponse(200)
	pc.Response.Header.Set("Content-Type", "text/html")
	pc.Response.Body = bytes.Repeat([]byte("<p>hello</p>"), 100)

	if _, err := h.Execute(context.Background(), pc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := pc.Response.Header.Get("Content-Encoding"); got != "br" {
		t.Errorf("encoding = %q, want br", got)
	}
}

func TestCompressSkips(t *testing.T) {
	h, err := newCompress(map[string]any{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	// Small body.
	req := core.NewRequest("GET", "/x")
	req.Header.Set("Accept-Encoding", "gzip")
	pc := pctx(req)
	pc.Response = core.NewResponse(200)
	pc.Response.Header.Set("Content-Type", "application/json")
	pc.Response.Body = []byte(`{"ok":true}`)
	h.Execute(context.Background(), pc)
	if pc.Response.Header.Get("Content-Encoding") != "" {
		t.Error("tiny body compressed")
	}

	// Non-compressible type.
	pc.Response.Header.Set("Content-Type", "image/png")
	pc.Response.Body = bytes.Repeat([]byte{0xff}, 4096)
	h.Execute(context.Background(), pc)
	if pc.Response.Header.Get("Content-Encoding") != "" {
		t.Error("binary type compressed")
	}

	// No Accept-Encoding.
	req.Header.Del("Accept-Encoding")
	pc.Response.Header.Set("Content-Type", "application/json")
	pc.Response.Body = bytes.Repeat([]byte("a"), 4096)
	h.Execute(context.Background(), pc)
	if pc.Response.Header.Get("Content-Encoding") != "" {
		t.Error("compressed without client opt-in")
	}
}

func TestGeoFilterConstruction(t *testing.T) {
	if _, err := newGeoFilter(map[string]any{}); err == nil {
		t.Error("missing database must fail")
	}
	if _, err := newGeoFilter(map[string]any{
		"database": "/nonexistent.mmdb",
		"allow":    []any{"US"},
		"deny":     []any{"RU"},
	}); err == nil {
		t.Error("allow+deny must fail")
	}
	if _, err := newGeoFilter(map[string]any{"database": "/nonexistent.mmdb"}); err == nil {
		t.Error("unreadable database must fail")
	}
}
