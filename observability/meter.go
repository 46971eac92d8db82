package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/registrar/logger"
)

// MeterName is the instrumentation scope used for registrar metrics.
const MeterName = "github.com/kbukum/registrar"

// MeterConfig configures the OpenTelemetry meter provider.
type MeterConfig struct {
	// ServiceName is the name of the service.
	ServiceName string
	// ServiceVersion is the version of the service.
	ServiceVersion string
	// Environment is the deployment environment (dev, staging, prod).
	Environment string
	// Endpoint is the OTLP HTTP endpoint host:port (e.g., "localhost:4318").
	Endpoint string
	// Insecure allows insecure connections (for development).
	Insecure bool
	// Interval is the metric export interval.
	Interval time.Duration
}

// DefaultMeterConfig returns sensible defaults for development.
func DefaultMeterConfig(serviceName string) MeterConfig {
	return MeterConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4318",
		Insecure:       true,
		Interval:       15 * time.Second,
	}
}

// InitMeter initializes the OpenTelemetry meter provider and installs it
// globally. Shut the returned provider down on exit.
func InitMeter(ctx context.Context, config *MeterConfig) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := newResource(config.ServiceName, config.ServiceVersion, config.Environment)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if config.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(config.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	logger.Info("meter initialized", logger.Fields(
		"service", config.ServiceName,
		"endpoint", config.Endpoint,
		"interval", config.Interval.String(),
	))

	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Outcome attribute values.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeStale     = "stale"
	OutcomeNoMatch   = "no_match"
	OutcomeRetried   = "retried"
	OutcomeExpired   = "expired"
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
)

// DiscoveryMetrics holds the instruments recorded by the registry and the
// resolver. A nil *DiscoveryMetrics records nothing.
type DiscoveryMetrics struct {
	registrationsActive metric.Int64UpDownCounter
	renewals            metric.Int64Counter
	registrationsLost   metric.Int64Counter
	resolutions         metric.Int64Counter
	resolveDuration     metric.Float64Histogram
	snapshotRefreshes   metric.Int64Counter
}

// NewDiscoveryMetrics creates the registrar instruments on the given meter.
func NewDiscoveryMetrics(meter metric.Meter) (*DiscoveryMetrics, error) {
	registrationsActive, err := meter.Int64UpDownCounter("registrar.registrations.active",
		metric.WithDescription("Endpoints currently registered by this process"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating registrar.registrations.active counter: %w", err)
	}

	renewals, err := meter.Int64Counter("registrar.renewals",
		metric.WithDescription("Session renewal attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating registrar.renewals counter: %w", err)
	}

	registrationsLost, err := meter.Int64Counter("registrar.registrations.lost",
		metric.WithDescription("Sessions whose lease could not be kept alive"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating registrar.registrations.lost counter: %w", err)
	}

	resolutions, err := meter.Int64Counter("registrar.resolutions",
		metric.WithDescription("Resolve calls by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating registrar.resolutions counter: %w", err)
	}

	resolveDuration, err := meter.Float64Histogram("registrar.resolve.duration",
		metric.WithDescription("Duration of resolve calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating registrar.resolve.duration histogram: %w", err)
	}

	snapshotRefreshes, err := meter.Int64Counter("registrar.snapshot.refreshes",
		metric.WithDescription("Snapshot refreshes by source and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating registrar.snapshot.refreshes counter: %w", err)
	}

	return &DiscoveryMetrics{
		registrationsActive: registrationsActive,
		renewals:            renewals,
		registrationsLost:   registrationsLost,
		resolutions:         resolutions,
		resolveDuration:     resolveDuration,
		snapshotRefreshes:   snapshotRefreshes,
	}, nil
}

// AddActiveRegistrations moves the active registration gauge by delta.
func (m *DiscoveryMetrics) AddActiveRegistrations(ctx context.Context, backend string, delta int64) {
	if m == nil {
		return
	}
	m.registrationsActive.Add(ctx, delta, metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordRenewal counts one renewal attempt.
func (m *DiscoveryMetrics) RecordRenewal(ctx context.Context, backend, outcome string) {
	if m == nil {
		return
	}
	m.renewals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	))
}

// RecordRegistrationLost counts one lost session.
func (m *DiscoveryMetrics) RecordRegistrationLost(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.registrationsLost.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordResolution counts one resolve call and its duration.
func (m *DiscoveryMetrics) RecordResolution(ctx context.Context, serviceID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service_id", serviceID),
		attribute.String("outcome", outcome),
	))
	m.resolveDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("service_id", serviceID),
	))
}

// RecordSnapshotRefresh counts one snapshot fetch or push.
func (m *DiscoveryMetrics) RecordSnapshotRefresh(ctx context.Context, serviceID, source, outcome string) {
	if m == nil {
		return
	}
	m.snapshotRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service_id", serviceID),
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}
