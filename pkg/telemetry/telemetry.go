// Package telemetry is the tracing layer: exporter setup plus a thin span
// wrapper that carries the context alongside the span, so call sites create
// child spans without threading both around.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// defaultService names the spans when no service name is configured.
const defaultService = "focus"

var tracer = otel.Tracer(defaultService)

// Telemetry is one traced operation.
type Telemetry struct {
	span    trace.Span
	context context.Context //nolint:containedctx
}

// NewTelemetry opens a span under the given context.
func NewTelemetry(ctx context.Context, name string, attributes ...attribute.KeyValue) *Telemetry {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attributes...))

	return &Telemetry{
		span:    span,
		context: ctx,
	}
}

// CreateChild opens a span nested under this one.
func (t *Telemetry) CreateChild(name string, attributes ...attribute.KeyValue) *Telemetry {
	return NewTelemetry(t.context, name, attributes...)
}

// AddEvent records a point-in-time event on the span.
func (t *Telemetry) AddEvent(text string, attributes ...attribute.KeyValue) {
	t.span.AddEvent(text, trace.WithAttributes(attributes...))
}

// AddError records the error without failing the span.
func (t *Telemetry) AddError(err error) {
	t.span.RecordError(err)
}

// Fail records the error and marks the span failed.
func (t *Telemetry) Fail(err error) {
	t.span.SetStatus(codes.Error, err.Error())
	t.AddError(err)
}

func (t *Telemetry) End() {
	t.span.End()
}
