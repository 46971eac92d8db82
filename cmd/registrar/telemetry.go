package main

import (
	"context"
	"fmt"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"

	"github.com/kbukum/registrar/component"
)

// telemetryComponent flushes the OTLP providers on stop.
type telemetryComponent struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

func (t *telemetryComponent) Name() string { return "telemetry" }

func (t *telemetryComponent) Start(context.Context) error { return nil }

func (t *telemetryComponent) Stop(ctx context.Context) error {
	var errs error
	if t.tp != nil {
		errs = multierr.Append(errs, t.tp.Shutdown(ctx))
	}
	if t.mp != nil {
		errs = multierr.Append(errs, t.mp.Shutdown(ctx))
	}
	return errs
}

func (t *telemetryComponent) Health(context.Context) component.Health {
	return component.Health{Name: t.Name(), Status: component.StatusHealthy}
}

func (t *telemetryComponent) Describe() component.Description {
	return component.Description{Type: "telemetry", Details: fmt.Sprintf("traces=%t metrics=%t", t.tp != nil, t.mp != nil)}
}
