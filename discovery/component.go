package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/kbukum/registrar/component"
	"github.com/kbukum/registrar/logger"
	"github.com/kbukum/registrar/observability"
	"github.com/kbukum/registrar/resilience"
)

// ComponentOption customizes a Component.
type ComponentOption func(*Component)

// WithClock sets the clock shared by the registry, the resolver and the
// backend decorator.
func WithClock(clk clock.Clock) ComponentOption {
	return func(c *Component) { c.clk = clk }
}

// WithBackend uses b instead of building one from the provider factories.
func WithBackend(b Backend) ComponentOption {
	return func(c *Component) { c.injected = b }
}

// Component wires a backend, a Registry and a Resolver together and
// implements component.Component for lifecycle management.
type Component struct {
	cfg      Config
	log      *logger.Logger
	clk      clock.Clock
	injected Backend

	mu       sync.RWMutex
	backend  *ResilientBackend
	registry *Registry
	resolver *Resolver
	self     *Endpoint
	started  bool

	lost atomic.Bool
}

var (
	_ component.Component   = (*Component)(nil)
	_ component.Describable = (*Component)(nil)
)

// NewComponent creates a discovery Component for use with the component registry.
func NewComponent(cfg Config, log *logger.Logger, opts ...ComponentOption) *Component {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	c := &Component{
		cfg: cfg,
		log: log.WithComponent("discovery"),
		clk: clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the component name.
func (c *Component) Name() string { return "discovery" }

// Registry returns the registry, or nil if not started.
func (c *Component) Registry() *Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry
}

// Resolver returns the resolver, or nil if not started.
func (c *Component) Resolver() *Resolver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolver
}

// Backend returns the decorated backend, or nil if not started.
func (c *Component) Backend() Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.backend == nil {
		return nil
	}
	return c.backend
}

// Self returns a copy of the endpoint registered on start, or nil.
func (c *Component) Self() *Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self.Clone()
}

// Start builds the backend, the registry and the resolver, then registers
// this process when self-registration is enabled.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("discovery component already started")
	}

	c.cfg.ApplyDefaults()
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("discovery config: %w", err)
	}

	backend := c.injected
	if backend == nil {
		cfg := c.cfg
		if !cfg.Enabled {
			c.log.Info("discovery disabled, serving static endpoints")
			cfg.Provider = "memory"
		}
		b, err := NewBackend(cfg, c.log, c.clk)
		if err != nil {
			return fmt.Errorf("discovery start: %w", err)
		}
		backend = b
	}
	resilient := NewResilientBackend(backend, c.cfg.ResilienceConfig(backend.Name(), c.clk), c.log)

	metrics, err := observability.NewDiscoveryMetrics(observability.Meter(observability.MeterName))
	if err != nil {
		c.log.Warn("discovery metrics unavailable", logger.ErrorFields("metrics", err))
		metrics = nil
	}

	registry, err := NewRegistry(resilient, c.cfg.RegistryConfig(c.clk), c.log,
		WithMetrics(metrics), WithLostHandler(c.onRegistrationLost))
	if err != nil {
		_ = resilient.Close()
		return fmt.Errorf("discovery start: %w", err)
	}
	resolver, err := NewResolver(resilient, c.cfg.ResolverConfig(c.clk), c.log, WithResolverMetrics(metrics))
	if err != nil {
		_ = resilient.Close()
		return fmt.Errorf("discovery start: %w", err)
	}
	if err := resolver.Start(ctx); err != nil {
		_ = resilient.Close()
		return fmt.Errorf("discovery start: %w", err)
	}

	c.backend = resilient
	c.registry = registry
	c.resolver = resolver

	if c.cfg.Enabled && c.cfg.Registration.Enabled {
		self, err := c.selfEndpoint()
		if err == nil {
			err = registry.Register(ctx, self)
		}
		if err != nil {
			_ = multierr.Combine(resolver.Stop(ctx), resilient.Close())
			c.backend, c.registry, c.resolver = nil, nil, nil
			return fmt.Errorf("discovery: register self: %w", err)
		}
		c.self = self
	}

	c.started = true
	c.log.Info("discovery component started", map[string]interface{}{
		"provider":     backend.Name(),
		"refresh_mode": c.cfg.RefreshMode,
		"strategy":     c.cfg.Strategy,
	})
	return nil
}

// Stop deregisters owned endpoints, stops the resolver and closes the
// backend.
func (c *Component) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	registry, resolver, backend := c.registry, c.resolver, c.backend
	c.mu.Unlock()

	c.log.Info("discovery component stopping")
	return multierr.Combine(
		registry.Stop(ctx),
		resolver.Stop(ctx),
		backend.Close(),
	)
}

// Health reports degraded while a lost registration is unrecovered or the
// backend circuit is open.
func (c *Component) Health(_ context.Context) component.Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusUnhealthy,
			Message: "discovery not started",
		}
	}
	if c.backend.CircuitState() == resilience.StateOpen {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusDegraded,
			Message: fmt.Sprintf("backend %s circuit open", c.backend.Name()),
		}
	}
	if c.lost.Load() {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusDegraded,
			Message: "registration lost",
		}
	}

	stats := c.registry.Stats()
	return component.Health{
		Name:    c.Name(),
		Status:  component.StatusHealthy,
		Message: fmt.Sprintf("endpoints=%d sessions=%d", stats.RegisteredEndpoints, stats.ActiveSessions),
	}
}

// Describe returns infrastructure summary info for the bootstrap display.
func (c *Component) Describe() component.Description {
	provider := c.cfg.Provider
	if !c.cfg.Enabled {
		provider = "memory"
	}
	return component.Description{
		Name:    "Discovery",
		Type:    "discovery",
		Details: fmt.Sprintf("provider=%s refresh=%s strategy=%s", provider, c.cfg.RefreshMode, c.cfg.Strategy),
		Port:    c.cfg.Registration.Port,
	}
}

// onRegistrationLost re-registers this process's own endpoint when its
// session was lost.
func (c *Component) onRegistrationLost(ev RegistrationLostEvent) {
	c.lost.Store(true)

	c.mu.RLock()
	self, registry := c.self, c.registry
	c.mu.RUnlock()
	if self == nil || registry == nil {
		return
	}

	owned := false
	for _, ep := range ev.Endpoints {
		if ep.Identity() == self.Identity() {
			owned = true
			break
		}
	}
	if !owned {
		return
	}

	timeout := c.cfg.RequestTimeout * time.Duration(c.cfg.Retry.MaxAttempts+1)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := registry.Register(ctx, self); err != nil {
		c.log.Error("re-registration failed", map[string]interface{}{
			logger.FieldEndpoint: self.String(),
			logger.FieldError:    err.Error(),
		})
		return
	}
	c.lost.Store(false)
	c.log.Info("re-registered after lost session", map[string]interface{}{
		logger.FieldEndpoint: self.String(),
	})
}

func (c *Component) selfEndpoint() (*Endpoint, error) {
	reg := c.cfg.Registration
	host := reg.Host
	if host == "" {
		ip, err := getLocalIP()
		if err != nil {
			return nil, fmt.Errorf("resolve local IP: %w", err)
		}
		host = ip
	}
	ep := NewEndpoint(reg.Protocol, host, reg.Port, reg.ServiceID, reg.Parameters)
	ep.Path = reg.Path
	if reg.Environment != "" {
		ep.AddParameter(ParamEnvironment, reg.Environment)
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	return ep, nil
}

func getLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
