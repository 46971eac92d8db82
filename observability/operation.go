package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Operation pairs a span with its start time so callers can end both with
// one call.
type Operation struct {
	name  string
	span  trace.Span
	start time.Time
}

// StartOperation starts a span named name carrying attrs.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Operation) {
	ctx, span := StartSpan(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Operation{name: name, span: span, start: time.Now()}
}

// Name returns the span name.
func (o *Operation) Name() string { return o.name }

// SetAttributes adds attributes to the span.
func (o *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	o.span.SetAttributes(attrs...)
}

// Duration returns the elapsed time since the operation started.
func (o *Operation) Duration() time.Duration {
	return time.Since(o.start)
}

// End records err (if any) and the outcome, ends the span and returns the
// elapsed time.
func (o *Operation) End(outcome string, err error) time.Duration {
	d := time.Since(o.start)
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}
	o.span.SetAttributes(attribute.String(AttrOutcome, outcome))
	o.span.End()
	return d
}
