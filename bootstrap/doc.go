// Package bootstrap runs a registrar process: it validates the typed config,
// starts the registered components in order, runs lifecycle hooks, waits for
// SIGINT or SIGTERM and shuts everything down within a grace period.
//
//	app, err := bootstrap.NewApp(&cfg)
//	app.RegisterComponent(discovery.NewComponent(cfg.Discovery, app.Logger))
//	app.OnReady(func(ctx context.Context) error { ... })
//	err = app.Run(ctx)
package bootstrap
