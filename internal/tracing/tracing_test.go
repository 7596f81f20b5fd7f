package tracing

import (
	"context"
	"testing"

	"github.com/gantrygw/gantry/internal/core"
)

func TestDisabledTracerIsNoOp(t *testing.T) {
	tr, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Enabled() {
		t.Fatal("disabled tracer reports enabled")
	}

	ctx, span := tr.StartRequest(context.Background(), core.NewRequest("GET", "/x"))
	if span.SpanContext().IsValid() {
		t.Error("disabled tracer produced a recording span")
	}
	tr.FinishRequest(span, 200)

	if _, child := tr.StartSpan(ctx, "dispatch"); child.SpanContext().IsValid() {
		t.Error("disabled tracer produced a child span")
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestInjectCopiesClientTraceHeaders(t *testing.T) {
	tr, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src := core.NewRequest("GET", "/x")
	src.Header.Set("Traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	src.Header.Set("Tracestate", "vendor=1")
	dst := core.NewRequest("GET", "/x")

	tr.Inject(context.Background(), src, dst)
	if dst.Header.Get("Traceparent") == "" || dst.Header.Get("Tracestate") == "" {
		t.Error("client trace headers not carried to egress")
	}

	// An existing egress value is never overwritten.
	dst2 := core.NewRequest("GET", "/x")
	dst2.Header.Set("Traceparent", "00-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-bbbbbbbbbbbbbbbb-01")
	tr.Inject(context.Background(), src, dst2)
	if got := dst2.Header.Get("Traceparent"); got != "00-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-bbbbbbbbbbbbbbbb-01" {
		t.Errorf("existing traceparent overwritten: %q", got)
	}
}
