// Package tracing wires OpenTelemetry through the request plane: a root
// span per handled request, child spans per dispatch attempt, and W3C
// propagation headers on egress.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gantrygw/gantry/internal/core"
)

// Config selects and tunes the exporter.
type Config struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	Insecure    bool
	SampleRate  float64
	Headers     map[string]string
}

// Tracer is the gateway's tracing facade. A disabled tracer is a cheap
// no-op so call sites never branch.
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New builds the tracer. With Enabled false no exporter is dialed.
func New(cfg Config) (*Tracer, error) {
	t := &Tracer{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return t, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "gantry"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	ctx := context.Background()
	opts := []otlptracegrpc.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)
	otel.SetTracerProvider(t.provider)
	t.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(t.propagator)
	t.tracer = t.provider.Tracer("gantry")
	return t, nil
}

// Enabled reports whether spans are recorded.
func (t *Tracer) Enabled() bool { return t.enabled }

// StartRequest opens the root span for one request, continuing any trace
// context the client sent in its headers.
func (t *Tracer) StartRequest(ctx context.Context, req *core.Request) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx = t.propagator.Extract(ctx, propagation.HeaderCarrier(req.Header))
	return t.tracer.Start(ctx, req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLPath(req.Path),
			semconv.ServerAddress(req.Host),
		),
	)
}

// FinishRequest closes the root span with the response status.
func (t *Tracer) FinishRequest(span trace.Span, status int) {
	if !t.enabled {
		return
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}

// StartSpan opens a child span, used per dispatch attempt.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Inject writes W3C propagation headers for an egress request. The direct
// copy keeps client-supplied trace headers flowing when tracing is off.
func (t *Tracer) Inject(ctx context.Context, src, dst *core.Request) {
	if t.enabled {
		t.propagator.Inject(ctx, propagation.HeaderCarrier(dst.Header))
	}
	for _, name := range []string{"Traceparent", "Tracestate"} {
		if dst.Header.Get(name) == "" {
			if v := src.Header.Get(name); v != "" {
				dst.Header.Set(name, v)
			}
		}
	}
}

// Close flushes and shuts the provider down.
func (t *Tracer) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}
