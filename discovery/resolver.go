package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/logger"
	"github.com/kbukum/registrar/observability"
	"github.com/kbukum/registrar/validation"
)

// RefreshMode selects how cached snapshots are kept current.
type RefreshMode string

const (
	// RefreshPoll lists each resolved service on a fixed interval.
	RefreshPoll RefreshMode = "poll"
	// RefreshWatch subscribes to backend change notifications, falling back
	// to polling when the backend cannot push.
	RefreshWatch RefreshMode = "watch"
	// RefreshOnDemand refreshes only when a snapshot is older than the
	// freshness window.
	RefreshOnDemand RefreshMode = "on_demand"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// FreshnessWindow is how long a snapshot without a live subscription is
	// served without asking the backend.
	FreshnessWindow time.Duration
	RefreshMode     RefreshMode
	PollInterval    time.Duration
	Strategy        Strategy
	// Seed makes random selection reproducible. Zero seeds from the time.
	Seed int64
	// MaxServices bounds the number of cached services.
	MaxServices int
	Clock       clock.Clock
}

// ApplyDefaults fills zero-valued fields.
func (c *ResolverConfig) ApplyDefaults() {
	if c.FreshnessWindow == 0 {
		c.FreshnessWindow = 5 * time.Second
	}
	if c.RefreshMode == "" {
		c.RefreshMode = RefreshPoll
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRandom
	}
	if c.MaxServices == 0 {
		c.MaxServices = 256
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Validate checks the configuration after defaults are applied.
func (c *ResolverConfig) Validate() error {
	return validation.New().
		Positive("freshness_window", c.FreshnessWindow).
		Positive("poll_interval", c.PollInterval).
		Min("max_services", c.MaxServices, 1).
		OneOf("refresh_mode", string(c.RefreshMode), []string{
			string(RefreshPoll), string(RefreshWatch), string(RefreshOnDemand),
		}).
		OneOf("strategy", string(c.Strategy), []string{
			string(StrategyRandom), string(StrategyRoundRobin), string(StrategyWeighted),
			string(StrategyConsistentHash), string(StrategyFirst),
		}).
		Err()
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithSelector replaces the strategy-based selector.
func WithSelector(s Selector) ResolverOption {
	return func(r *Resolver) { r.selector = s }
}

// WithSource replaces the snapshot source chosen by RefreshMode.
func WithSource(src SnapshotSource) ResolverOption {
	return func(r *Resolver) { r.source = src }
}

// WithResolverMetrics records resolver instruments on m.
func WithResolverMetrics(m *observability.DiscoveryMetrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver maps a service id and environment tag to a reachable endpoint
// using a per-service snapshot cache.
type Resolver struct {
	backend  Backend
	cfg      ResolverConfig
	log      *logger.Logger
	metrics  *observability.DiscoveryMetrics
	selector Selector
	source   SnapshotSource
	cache    *discoveryCache
	group    singleflight.Group

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewResolver creates a resolver reading from backend.
func NewResolver(backend Backend, cfg ResolverConfig, log *logger.Logger, opts ...ResolverOption) (*Resolver, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("resolver config: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("resolver")

	cache, err := newDiscoveryCache(cfg.MaxServices)
	if err != nil {
		return nil, fmt.Errorf("resolver cache: %w", err)
	}
	r := &Resolver{
		backend: backend,
		cfg:     cfg,
		log:     log,
		cache:   cache,
	}

	switch cfg.RefreshMode {
	case RefreshPoll:
		r.source = NewPollingSource(backend, cfg.PollInterval, cfg.Clock, log)
	case RefreshWatch:
		if w, ok := AsWatcher(backend); ok {
			r.source = NewWatchSource(w, cfg.Clock)
		} else {
			log.Warn("backend cannot watch, polling instead", map[string]interface{}{
				logger.FieldBackend: backend.Name(),
			})
			r.source = NewPollingSource(backend, cfg.PollInterval, cfg.Clock, log)
		}
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.selector == nil {
		sel, err := NewSelector(cfg.Strategy, cfg.Seed)
		if err != nil {
			return nil, err
		}
		r.selector = sel
	}
	return r, nil
}

// Start enables background subscriptions. Services are subscribed lazily
// on first use.
func (r *Resolver) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errors.New(errors.ErrCodeInternal, "resolver is stopped")
	}
	if r.started {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.started = true

	source := "none"
	if r.source != nil {
		source = r.source.Name()
	}
	r.log.Info("resolver started", map[string]interface{}{
		"source":   source,
		"strategy": string(r.cfg.Strategy),
	})
	return nil
}

// Stop cancels every subscription and drops the cache. It waits for the
// subscriptions to exit or for ctx to end.
func (r *Resolver) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.cache.purge()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("resolver stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve returns the URL (protocol://host:port) of one live instance of
// serviceID whose environment tag equals envTag and whose protocol matches.
// An empty envTag selects instances with no tag or an empty one.
func (r *Resolver) Resolve(ctx context.Context, protocol, serviceID, envTag string) (string, error) {
	ep, err := r.resolve(ctx, SelectionKey{ServiceID: serviceID, Environment: envTag, Protocol: protocol})
	if err != nil {
		return "", err
	}
	return ep.URL(), nil
}

// ResolveWithKey is Resolve with request affinity: under the
// consistent_hash strategy the same requestKey keeps selecting the same
// instance while membership is stable.
func (r *Resolver) ResolveWithKey(ctx context.Context, protocol, serviceID, envTag, requestKey string) (string, error) {
	ep, err := r.resolve(ctx, SelectionKey{
		ServiceID:   serviceID,
		Environment: envTag,
		Protocol:    protocol,
		RequestKey:  requestKey,
	})
	if err != nil {
		return "", err
	}
	return ep.URL(), nil
}

// ResolveEndpoint is Resolve returning a copy of the selected endpoint.
func (r *Resolver) ResolveEndpoint(ctx context.Context, protocol, serviceID, envTag string) (*Endpoint, error) {
	return r.resolve(ctx, SelectionKey{ServiceID: serviceID, Environment: envTag, Protocol: protocol})
}

// ResolveAll returns the URLs of every matching instance, sorted by key.
func (r *Resolver) ResolveAll(ctx context.Context, protocol, serviceID, envTag string) ([]string, error) {
	snap, _, err := r.snapshot(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	candidates := snap.Candidates(envTag, protocol)
	if len(candidates) == 0 {
		return nil, errors.NoMatchingInstance(serviceID, envTag, protocol)
	}
	urls := make([]string, len(candidates))
	for i, ep := range candidates {
		urls[i] = ep.URL()
	}
	return urls, nil
}

// Instances returns every live instance of serviceID regardless of tag.
func (r *Resolver) Instances(ctx context.Context, serviceID string) ([]*Endpoint, error) {
	snap, _, err := r.snapshot(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return snap.Instances(), nil
}

// Invalidate forces the next lookup of serviceID to ask the backend.
func (r *Resolver) Invalidate(serviceID string) {
	r.cache.invalidate(serviceID)
}

// Watch loads serviceID into the cache and subscribes it so later
// resolves are served locally.
func (r *Resolver) Watch(ctx context.Context, serviceID string) error {
	_, _, err := r.snapshot(ctx, serviceID)
	return err
}

// CachedServices lists the services currently cached.
func (r *Resolver) CachedServices() []string {
	return r.cache.services()
}

func (r *Resolver) resolve(ctx context.Context, key SelectionKey) (*Endpoint, error) {
	ctx, op := observability.StartOperation(ctx, observability.SpanResolve,
		attribute.String(observability.AttrServiceID, key.ServiceID),
		attribute.String(observability.AttrEnvironment, key.Environment),
		attribute.String(observability.AttrProtocol, key.Protocol),
	)

	snap, stale, err := r.snapshot(ctx, key.ServiceID)
	if err != nil {
		d := op.End(observability.OutcomeError, err)
		r.metrics.RecordResolution(ctx, key.ServiceID, observability.OutcomeError, d)
		return nil, err
	}

	candidates := snap.Candidates(key.Environment, key.Protocol)
	if len(candidates) == 0 {
		err := errors.NoMatchingInstance(key.ServiceID, key.Environment, key.Protocol)
		d := op.End(observability.OutcomeNoMatch, err)
		r.metrics.RecordResolution(ctx, key.ServiceID, observability.OutcomeNoMatch, d)
		return nil, err
	}

	ep := r.selector.Select(key, candidates).Clone()
	op.SetAttributes(
		attribute.String(observability.AttrEndpoint, ep.URL()),
		attribute.Int(observability.AttrInstances, len(candidates)),
	)
	outcome := observability.OutcomeOK
	if stale {
		outcome = observability.OutcomeStale
	}
	d := op.End(outcome, nil)
	r.metrics.RecordResolution(ctx, key.ServiceID, outcome, d)
	return ep, nil
}

// snapshot returns the snapshot for serviceID, refreshing it when absent,
// invalidated or expired. When a refresh fails and an older snapshot exists
// the older one is returned with stale set.
func (r *Resolver) snapshot(ctx context.Context, serviceID string) (snap *Snapshot, stale bool, err error) {
	e := r.cache.entry(serviceID)
	current := e.load()
	if current != nil && !e.invalidated.Load() &&
		(e.isSubscribed() || current.Age(r.cfg.Clock.Now()) < r.cfg.FreshnessWindow) {
		r.ensureSubscribed(serviceID, e, nil)
		return current, false, nil
	}

	fresh, err := r.refresh(ctx, serviceID, e)
	if err == nil {
		r.ensureSubscribed(serviceID, e, fresh)
		return fresh, false, nil
	}
	r.ensureSubscribed(serviceID, e, nil)
	if current != nil && ctx.Err() == nil {
		r.log.Warn("serving stale snapshot", map[string]interface{}{
			logger.FieldServiceID: serviceID,
			logger.FieldError:     err.Error(),
			"age":                 current.Age(r.cfg.Clock.Now()).String(),
		})
		return current, true, nil
	}
	return nil, false, err
}

// refresh lists serviceID once for all concurrent callers and stores the
// result in e.
func (r *Resolver) refresh(ctx context.Context, serviceID string, e *serviceEntry) (*Snapshot, error) {
	ch := r.group.DoChan(serviceID, func() (interface{}, error) {
		callCtx := context.WithoutCancel(ctx)
		callCtx, span := observability.StartSpan(callCtx, observability.SpanRefresh)
		defer span.End()

		instances, err := r.backend.ListInstances(callCtx, serviceID)
		if err != nil {
			observability.SetSpanError(callCtx, err)
			r.metrics.RecordSnapshotRefresh(callCtx, serviceID, "fetch", observability.OutcomeError)
			return nil, err
		}
		snap := NewSnapshot(serviceID, instances, r.cfg.Clock.Now())
		r.metrics.RecordSnapshotRefresh(callCtx, serviceID, "fetch", changeOutcome(e.load(), snap))
		e.store(snap)
		return snap, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureSubscribed starts the background source for serviceID once the
// resolver is running. A non-nil seed is the snapshot just fetched; sources
// that accept it skip their own first fetch.
func (r *Resolver) ensureSubscribed(serviceID string, e *serviceEntry, seed *Snapshot) {
	if r.source == nil {
		return
	}
	r.mu.Lock()
	if !r.started || r.stopped || e.isSubscribed() {
		r.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(r.ctx)
	e.subscribe(cancel)
	r.wg.Add(1)
	r.mu.Unlock()

	var (
		updates <-chan *Snapshot
		err     error
	)
	if seeded, ok := r.source.(SeededSource); ok && seed != nil {
		updates, err = seeded.UpdatesFrom(subCtx, seed)
	} else {
		updates, err = r.source.Updates(subCtx, serviceID)
	}
	if err != nil {
		e.unsubscribe()
		r.wg.Done()
		r.log.Warn("subscribe failed", map[string]interface{}{
			logger.FieldServiceID: serviceID,
			logger.FieldError:     err.Error(),
		})
		return
	}

	go func() {
		defer r.wg.Done()
		defer e.unsubscribe()
		for snap := range updates {
			outcome := changeOutcome(e.load(), snap)
			e.store(snap)
			r.metrics.RecordSnapshotRefresh(subCtx, serviceID, r.source.Name(), outcome)
			if outcome == observability.OutcomeChanged {
				r.log.Debug("snapshot updated", map[string]interface{}{
					logger.FieldServiceID: serviceID,
					logger.FieldInstances: snap.Len(),
				})
			}
		}
	}()
}

func changeOutcome(prev, next *Snapshot) string {
	if prev != nil && prev.Fingerprint() == next.Fingerprint() {
		return observability.OutcomeUnchanged
	}
	return observability.OutcomeChanged
}
