// Package observability sets up OpenTelemetry tracing for the verifier
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "verifiedid-verifier"

// Config holds OpenTelemetry configuration
type Config struct {
	Enabled bool

	// Endpoint is the OTLP trace endpoint (e.g., http://localhost:4318/v1/traces)
	Endpoint string

	Headers        map[string]string
	ServiceName    string
	ServiceVersion string
	Environment    string

	// SampleRate controls the sampling rate (0.0-1.0)
	SampleRate float64

	ExportTimeout time.Duration
}

// DefaultConfig returns a default tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Endpoint:       "http://localhost:4318/v1/traces",
		Headers:        make(map[string]string),
		ServiceName:    "verifiedid-verifier",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
		ExportTimeout:  30 * time.Second,
	}
}

// Initialize installs the global tracer provider and returns its shutdown func.
// When tracing is disabled a no-op provider is installed.
func Initialize(ctx context.Context, config Config) (func(context.Context) error, error) {
	if !config.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(config.Endpoint),
		otlptracehttp.WithHeaders(config.Headers),
		otlptracehttp.WithTimeout(config.ExportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tracerProvider.Shutdown, nil
}

// StartSpan starts a span on the verifier tracer
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}
