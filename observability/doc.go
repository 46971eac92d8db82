// Package observability wires OpenTelemetry tracing and metrics for the
// registry and the resolver.
//
// Without InitTracer/InitMeter the global no-op providers are used, so
// instrumentation costs nothing until a process opts in:
//
//	tp, err := observability.InitTracer(ctx, observability.DefaultTracerConfig("orders"))
//	defer tp.Shutdown(ctx)
//
//	mp, err := observability.InitMeter(ctx, &cfg)
//	defer mp.Shutdown(ctx)
//
// DiscoveryMetrics exposes the registrar.* instruments:
//
//	m, err := observability.NewDiscoveryMetrics(observability.Meter(observability.MeterName))
//	m.RecordResolution(ctx, "orders", observability.OutcomeOK, elapsed)
//
// Component health rolls up with Aggregate:
//
//	sh := observability.Aggregate("orders", "1.0.0", registry.HealthAll(ctx))
package observability
