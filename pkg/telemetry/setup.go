package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// SetupTelemetry configures the global tracer from the config: OTLP when a
// host is set, Jaeger otherwise.
func SetupTelemetry(ctx context.Context, config Config) (*tracesdk.TracerProvider, error) {
	res, err := NewResource(config)
	if err != nil {
		return nil, err
	}

	var exp tracesdk.SpanExporter
	if config.OTLP.Host != "" {
		exp, err = NewOTLPExporter(ctx, config.OTLP)
	} else {
		exp, err = NewJaegerExporter(config.JaegerURL)
	}
	if err != nil {
		return nil, err
	}

	tp := NewTracerProvider(exp, res)

	// Set the trace provider as the global trace provider.
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(packageName(config))

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

// NewOTLPExporter creates an exporter speaking OTLP over HTTP.
func NewOTLPExporter(ctx context.Context, config OTLP) (*otlptrace.Exporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Host)}
	if !config.Secure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, options...)
}

// NewJaegerExporter creates an exporter for a Jaeger collector.
func NewJaegerExporter(url string) (*jaeger.Exporter, error) {
	return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
}

// NewResource identifies this focus instance.
func NewResource(config Config) (*resource.Resource, error) {
	id := config.ID
	if id == "" {
		id = uuid.NewString()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(packageName(config)),
		attribute.String("ID", id),
	), nil
}

func packageName(config Config) string {
	if config.Package != "" {
		return config.Package
	}
	return defaultService
}
