// Package tracing wires OpenTelemetry for the exchange server. The exporter
// is chosen by configuration so deployments can point spans at Jaeger,
// Zipkin, stdout, or drop them entirely.
package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the exporter and sampling for the tracer provider.
type Config struct {
	// Exporter is one of "jaeger", "zipkin", "stdout", or "none".
	Exporter string `yaml:"exporter" json:"exporter"`
	// Endpoint is the collector endpoint for jaeger/zipkin.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// ServiceName labels emitted spans. Defaults to "academy-exchange".
	ServiceName string `yaml:"service_name" json:"service_name"`
	// SampleRate in [0, 1]. Defaults to 1.
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
	// Environment tags spans (e.g. "production").
	Environment string `yaml:"environment" json:"environment"`
}

var (
	mu           sync.RWMutex
	globalTracer trace.Tracer
	initialized  bool
)

// Initialize installs a global tracer provider per the config. A "none" or
// empty exporter leaves tracing as a no-op.
func Initialize(ctx context.Context, config Config) error {
	if config.Exporter == "" || config.Exporter == "none" {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return fmt.Errorf("tracing already initialized")
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "academy-exchange"
	}
	sampleRate := config.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("create tracing resource: %w", err)
	}

	exporter, err := newExporter(config)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalTracer = tp.Tracer(serviceName)
	initialized = true
	return nil
}

// Tracer returns the global tracer, or a no-op one before Initialize.
func Tracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	if globalTracer == nil {
		return trace.NewNoopTracerProvider().Tracer("noop")
	}
	return globalTracer
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return nil
	}
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
