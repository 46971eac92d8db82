// Command registrar registers this process with the configured discovery
// backend, resolves the configured targets on an interval and deregisters on
// SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kbukum/registrar/bootstrap"
	"github.com/kbukum/registrar/config"
	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/logger"
	"github.com/kbukum/registrar/observability"
	"github.com/kbukum/registrar/version"

	_ "github.com/kbukum/registrar/discovery/consul"
	_ "github.com/kbukum/registrar/discovery/etcd"
	_ "github.com/kbukum/registrar/discovery/memory"
	_ "github.com/kbukum/registrar/discovery/redis"
)

const paramVersion = "version"

var (
	configFile = flag.String("config", "", "config file path")
	envFile    = flag.String("env", "", ".env file path")
	once       = flag.Bool("once", false, "resolve the targets once and exit")
	showVer    = flag.Bool("version", false, "print the version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.Get().String())
		return
	}
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "registrar: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg Config
	opts := []config.LoaderOption{config.WithEnvPrefix("REGISTRAR")}
	if *configFile != "" {
		opts = append(opts, config.WithConfigFile(*configFile))
	}
	if *envFile != "" {
		opts = append(opts, config.WithEnvFile(*envFile))
	}
	if err := config.LoadConfig("registrar", &cfg, opts...); err != nil {
		return err
	}
	stampVersion(&cfg, version.Get())

	app, err := bootstrap.NewApp(&cfg)
	if err != nil {
		return err
	}
	if cfg.Telemetry.Enabled {
		if err := setupTelemetry(ctx, app); err != nil {
			return err
		}
	}

	disc := discovery.NewComponent(cfg.Discovery, app.Logger)
	if err := app.RegisterComponent(disc); err != nil {
		return err
	}
	app.OnReady(func(context.Context) error {
		if self := disc.Self(); self != nil {
			app.Logger.Info("registered", logger.Fields(logger.FieldEndpoint, self.String()))
		}
		return nil
	})

	return app.RunTask(ctx, func(ctx context.Context) error {
		if *once {
			resolveTargets(ctx, disc.Resolver(), cfg.Resolve.Targets, app.Logger)
			return nil
		}
		return resolveLoop(ctx, disc.Resolver(), cfg.Resolve, app.Logger)
	})
}

// stampVersion fills the service version from the build and advertises it
// on the registered endpoint.
func stampVersion(cfg *Config, info version.Info) {
	if cfg.Version == "" {
		cfg.Version = info.Short()
	}
	reg := &cfg.Discovery.Registration
	if _, ok := reg.Parameters[paramVersion]; ok {
		return
	}
	if reg.Parameters == nil {
		reg.Parameters = make(map[string]string)
	}
	reg.Parameters[paramVersion] = cfg.Version
}

// setupTelemetry installs the OTLP tracer and meter providers and flushes
// them on shutdown.
func setupTelemetry(ctx context.Context, app *bootstrap.App[*Config]) error {
	cfg := app.Cfg
	tc := observability.DefaultTracerConfig(cfg.Name)
	tc.ServiceVersion = cfg.Version
	tc.Environment = cfg.Environment
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Insecure = cfg.Telemetry.Insecure
	tc.SampleRate = cfg.Telemetry.SampleRate
	tp, err := observability.InitTracer(ctx, tc)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	mc := observability.DefaultMeterConfig(cfg.Name)
	mc.ServiceVersion = cfg.Version
	mc.Environment = cfg.Environment
	mc.Endpoint = cfg.Telemetry.Endpoint
	mc.Insecure = cfg.Telemetry.Insecure
	mc.Interval = cfg.Telemetry.ExportInterval
	mp, err := observability.InitMeter(ctx, &mc)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("init meter: %w", err)
	}

	// Registered before discovery so it stops after deregistration.
	return app.RegisterComponent(&telemetryComponent{tp: tp, mp: mp})
}

func resolveLoop(ctx context.Context, r *discovery.Resolver, cfg ResolveConfig, log *logger.Logger) error {
	if len(cfg.Targets) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		resolveTargets(ctx, r, cfg.Targets, log)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func resolveTargets(ctx context.Context, r *discovery.Resolver, targets []ResolveTarget, log *logger.Logger) {
	for _, t := range targets {
		fields := logger.Fields(
			logger.FieldServiceID, t.ServiceID,
			logger.FieldProtocol, t.Protocol,
			logger.FieldEnvironment, t.Environment,
		)
		url, err := r.ResolveWithKey(ctx, t.Protocol, t.ServiceID, t.Environment, t.RequestKey)
		switch {
		case err == nil:
			fields["url"] = url
			log.Info("resolved", fields)
		case errors.Is(err, errors.ErrCodeNoMatchingInstance):
			log.Warn("no matching instance", fields)
		default:
			log.Error("resolve failed", logger.MergeWithError(fields, err))
		}
	}
}
