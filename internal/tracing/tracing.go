// Package tracing wires OpenTelemetry for case pipelines: one span per
// pipeline stage, HTTP spans for dataset and model calls, and W3C trace
// context on every outbound request.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultServiceName = "riskcase"
	defaultEndpoint    = "localhost:4317"
)

var (
	tracer     = otel.Tracer(defaultServiceName)
	propagator = propagation.TraceContext{}
)

type Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
}

// Initialize installs an OTLP/gRPC tracer provider. The returned function
// flushes pending spans; it is a no-op when tracing is disabled.
func Initialize(cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	tracer = otel.Tracer(cfg.ServiceName)
	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return noop, nil
	}

	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version),
	)

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)
	tracer = tp.Tracer(cfg.ServiceName)

	logger.Info("Tracing initialized",
		zap.String("endpoint", endpoint),
		zap.String("service", cfg.ServiceName),
	)
	return tp.Shutdown, nil
}

// W3CTraceparent returns the traceparent value for the span in ctx, or ""
// when there is none.
func W3CTraceparent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

// InjectTraceparent sets the W3C trace headers on req.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// ParseTraceparent splits a traceparent header into its ids and flags.
func ParseTraceparent(traceparent string) (traceID, spanID string, flags byte, valid bool) {
	ctx := propagator.Extract(context.Background(), propagation.MapCarrier{"traceparent": traceparent})
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", "", 0, false
	}
	return sc.TraceID().String(), sc.SpanID().String(), byte(sc.TraceFlags()), true
}

func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, name)
}

// StartStageSpan opens a span for one pipeline stage of a case.
func StartStageSpan(ctx context.Context, caseID, stage string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, "case."+stage, oteltrace.WithAttributes(
		attribute.String("case.id", caseID),
		attribute.String("case.stage", stage),
	))
}

// StartHTTPSpan opens a client span for an outbound dataset or model request.
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, "HTTP "+method,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLFull(url),
		),
	)
}
