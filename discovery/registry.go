package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/logger"
	"github.com/kbukum/registrar/observability"
	"github.com/kbukum/registrar/resilience"
	"github.com/kbukum/registrar/validation"
)

// RegistryConfig configures session handling.
type RegistryConfig struct {
	// SessionTTL is the lease length handed to the backend.
	SessionTTL time.Duration
	// RenewInterval is the heartbeat period. Defaults to a third of the TTL
	// and must be shorter than it.
	RenewInterval time.Duration
	// RenewRetry bounds the retries of one failed heartbeat.
	RenewRetry resilience.RetryConfig
	// GracePeriod bounds the deregistrations performed by Stop and the
	// cleanup of a session whose renewal budget ran out.
	GracePeriod time.Duration
	// Clock drives the heartbeat ticker. Defaults to the wall clock.
	Clock clock.Clock
}

// ApplyDefaults fills zero-valued fields.
func (c *RegistryConfig) ApplyDefaults() {
	if c.SessionTTL == 0 {
		c.SessionTTL = 10 * time.Second
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = c.SessionTTL / 3
	}
	if c.RenewRetry.MaxAttempts == 0 {
		c.RenewRetry.MaxAttempts = 3
	}
	if c.RenewRetry.InitialBackoff == 0 {
		c.RenewRetry.InitialBackoff = 100 * time.Millisecond
	}
	if c.RenewRetry.MaxBackoff == 0 {
		c.RenewRetry.MaxBackoff = time.Second
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Validate checks the configuration after defaults are applied.
func (c *RegistryConfig) Validate() error {
	v := validation.New().
		Positive("session_ttl", c.SessionTTL).
		Positive("renew_interval", c.RenewInterval).
		Positive("grace_period", c.GracePeriod).
		Custom(c.SessionTTL >= time.Millisecond, "session_ttl", "must be at least 1ms").
		Custom(c.RenewInterval < c.SessionTTL, "renew_interval", "must be shorter than session_ttl")
	return v.Err()
}

// RegistrationLostEvent is delivered once per session that could not be
// kept alive. Endpoints are no longer registered when it fires.
type RegistrationLostEvent struct {
	Session   Session
	Endpoints []*Endpoint
	Cause     error
	At        time.Time
}

// RegistryStats is a point-in-time summary of a registry.
type RegistryStats struct {
	RegisteredEndpoints int
	ActiveSessions      int
	LostSessions        int
	LastHeartbeat       time.Time
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithMetrics records registry instruments on m.
func WithMetrics(m *observability.DiscoveryMetrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithLostHandler subscribes h to lost registrations.
func WithLostHandler(h func(RegistrationLostEvent)) RegistryOption {
	return func(r *Registry) { r.handlers = append(r.handlers, h) }
}

// session is the registry's view of one lease.
type session struct {
	Session

	// mu serializes heartbeats with backend writes on this session.
	mu      sync.Mutex
	closing atomic.Bool

	// Guarded by Registry.mu.
	lost      bool
	endpoints map[Identity]*Endpoint

	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the endpoints this process registers and keeps their
// sessions alive.
type Registry struct {
	backend Backend
	cfg     RegistryConfig
	log     *logger.Logger
	metrics *observability.DiscoveryMetrics

	// opMu serializes Register, Deregister and Stop.
	opMu    sync.Mutex
	stopped atomic.Bool

	mu            sync.Mutex
	active        *session
	sessions      map[string]*session
	endpoints     map[Identity]*session
	handlers      []func(RegistrationLostEvent)
	lostCount     int
	lastHeartbeat time.Time

	handlerWG sync.WaitGroup
}

// NewRegistry creates a registry writing to backend. Each heartbeat attempt
// is bounded by RenewInterval. Register and Deregister are bounded only by
// the caller's context; wrap backend in a ResilientBackend for per-call
// timeouts.
func NewRegistry(backend Backend, cfg RegistryConfig, log *logger.Logger, opts ...RegistryOption) (*Registry, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registry config: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	r := &Registry{
		backend:   backend,
		cfg:       cfg,
		log:       log.WithComponent("registry"),
		sessions:  make(map[string]*session),
		endpoints: make(map[Identity]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// OnRegistrationLost subscribes h to lost registrations. Handlers run on a
// separate goroutine, in subscription order.
func (r *Registry) OnRegistrationLost(h func(RegistrationLostEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Register publishes ep. Registering an identity that is already owned
// replaces its parameters. The active session is reused; if the backend
// reports it expired, a new session is opened.
func (r *Registry) Register(ctx context.Context, ep *Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	ctx, op := observability.StartOperation(ctx, observability.SpanRegister,
		attribute.String(observability.AttrBackend, r.backend.Name()),
		attribute.String(observability.AttrEndpoint, ep.String()),
	)
	err := r.register(ctx, ep.Clone())
	if err != nil {
		op.End(observability.OutcomeError, err)
		return err
	}
	op.End(observability.OutcomeOK, nil)
	return nil
}

func (r *Registry) register(ctx context.Context, ep *Endpoint) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.stopped.Load() {
		return errors.New(errors.ErrCodeInternal, "registry is stopped")
	}

	r.mu.Lock()
	sess := r.active
	r.mu.Unlock()

	if sess != nil {
		// The renew loop declares a session lost while holding sess.mu, so
		// checking under it keeps writes off a session that is gone.
		sess.mu.Lock()
		if r.isLost(sess) {
			sess.mu.Unlock()
			sess = nil
		} else if _, err := r.backend.Register(ctx, sess.Session, ep); err != nil {
			sess.mu.Unlock()
			if !errors.Is(err, errors.ErrCodeSessionExpired) {
				return err
			}
			r.loseSession(sess, err)
			sess = nil
		}
	}

	if sess == nil {
		created, err := r.backend.Register(ctx, Session{TTL: r.cfg.SessionTTL}, ep)
		if err != nil {
			return err
		}
		sess = r.startSession(created)
		sess.mu.Lock()
	}
	// Held until the endpoint is recorded so a concurrent loss sees it.
	defer sess.mu.Unlock()

	r.mu.Lock()
	if sess.lost {
		r.mu.Unlock()
		_ = r.backend.Deregister(ctx, sess.Session, ep)
		return errors.RegistrationLost(sess.ID, nil)
	}
	id := ep.Identity()
	_, existed := sess.endpoints[id]
	sess.endpoints[id] = ep
	r.endpoints[id] = sess
	r.mu.Unlock()

	if !existed {
		r.metrics.AddActiveRegistrations(ctx, r.backend.Name(), 1)
	}
	r.log.Info("endpoint registered", map[string]interface{}{
		logger.FieldEndpoint:  ep.String(),
		logger.FieldSessionID: sess.ID,
	})
	return nil
}

// Deregister withdraws ep. Unknown endpoints are ignored. When ep is the
// last endpoint of its session, the heartbeat is stopped before the backend
// call and the session is destroyed.
func (r *Registry) Deregister(ctx context.Context, ep *Endpoint) error {
	if ep == nil {
		return nil
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()

	id := ep.Identity()
	r.mu.Lock()
	sess, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	stored := sess.endpoints[id]
	last := len(sess.endpoints) == 1
	delete(sess.endpoints, id)
	delete(r.endpoints, id)
	if last {
		sess.closing.Store(true)
		delete(r.sessions, sess.ID)
		if r.active == sess {
			r.active = nil
		}
	}
	r.mu.Unlock()

	if last {
		sess.cancel()
		<-sess.done
	}

	sess.mu.Lock()
	err := r.backend.Deregister(ctx, sess.Session, stored)
	sess.mu.Unlock()

	if err != nil && !errors.Is(err, errors.ErrCodeSessionExpired) {
		if !last {
			r.mu.Lock()
			if !sess.lost {
				sess.endpoints[id] = stored
				r.endpoints[id] = sess
				r.mu.Unlock()
				return err
			}
			r.mu.Unlock()
		}
		r.log.Warn("deregister failed, leaving it to lease expiry", map[string]interface{}{
			logger.FieldEndpoint: stored.String(),
			logger.FieldError:    err.Error(),
		})
		r.metrics.AddActiveRegistrations(ctx, r.backend.Name(), -1)
		return err
	}

	r.metrics.AddActiveRegistrations(ctx, r.backend.Name(), -1)
	r.log.Info("endpoint deregistered", map[string]interface{}{
		logger.FieldEndpoint:  stored.String(),
		logger.FieldSessionID: sess.ID,
	})
	return nil
}

// Stop halts every heartbeat, then deregisters all owned endpoints within
// the grace period. Errors are informational: leases expire on their own.
// Stop is idempotent.
func (r *Registry) Stop(ctx context.Context) error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}

	r.opMu.Lock()
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	owned := make(map[*session][]*Endpoint, len(r.sessions))
	for _, sess := range r.sessions {
		sess.closing.Store(true)
		sessions = append(sessions, sess)
		for _, ep := range sess.endpoints {
			owned[sess] = append(owned[sess], ep)
		}
		sess.endpoints = make(map[Identity]*Endpoint)
	}
	r.sessions = make(map[string]*session)
	r.endpoints = make(map[Identity]*session)
	r.active = nil
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
	}
	for _, sess := range sessions {
		<-sess.done
	}

	graceCtx, cancel := context.WithTimeout(ctx, r.cfg.GracePeriod)
	defer cancel()

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  error
		count int64
	)
	for sess, eps := range owned {
		sortEndpoints(eps)
		count += int64(len(eps))
		g.Go(func() error {
			for _, ep := range eps {
				err := r.backend.Deregister(graceCtx, sess.Session, ep)
				if err != nil && !errors.Is(err, errors.ErrCodeSessionExpired) {
					errMu.Lock()
					errs = multierr.Append(errs, fmt.Errorf("deregister %s: %w", ep, err))
					errMu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	r.metrics.AddActiveRegistrations(ctx, r.backend.Name(), -count)
	r.opMu.Unlock()

	r.handlerWG.Wait()

	if errs != nil {
		r.log.Warn("registry stopped with deregistration errors", map[string]interface{}{
			logger.FieldError: errs.Error(),
		})
		return errs
	}
	r.log.Info("registry stopped", map[string]interface{}{
		"sessions":            len(sessions),
		logger.FieldInstances: count,
	})
	return nil
}

// Endpoints returns copies of the endpoints currently owned, sorted by key.
func (r *Registry) Endpoints() []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Endpoint, 0, len(r.endpoints))
	for id, sess := range r.endpoints {
		out = append(out, sess.endpoints[id].Clone())
	}
	sortEndpoints(out)
	return out
}

// Sessions returns the live sessions, sorted by id.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns a summary of the registry.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		RegisteredEndpoints: len(r.endpoints),
		ActiveSessions:      len(r.sessions),
		LostSessions:        r.lostCount,
		LastHeartbeat:       r.lastHeartbeat,
	}
}

// startSession records a freshly created session and starts its heartbeat.
func (r *Registry) startSession(s Session) *session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		Session:   s,
		endpoints: make(map[Identity]*Endpoint),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[s.ID] = sess
	r.active = sess
	r.mu.Unlock()

	ticker := r.cfg.Clock.Ticker(r.cfg.RenewInterval)
	go r.renewLoop(ctx, sess, ticker)

	r.log.Info("session opened", map[string]interface{}{
		logger.FieldSessionID: s.ID,
		"ttl":                 s.TTL.String(),
	})
	return sess
}

func (r *Registry) renewLoop(ctx context.Context, sess *session, ticker *clock.Ticker) {
	defer close(sess.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.renew(ctx, sess) {
				return
			}
		}
	}
}

// renew performs one heartbeat with retries. It returns false once the
// loop should exit.
func (r *Registry) renew(ctx context.Context, sess *session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closing.Load() {
		return true
	}

	cfg := r.cfg.RenewRetry
	cfg.RetryIf = errors.IsRetryable
	cfg.Clock = r.cfg.Clock
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		r.metrics.RecordRenewal(ctx, r.backend.Name(), observability.OutcomeRetried)
		r.log.Warn("session renewal failed, retrying", map[string]interface{}{
			logger.FieldSessionID: sess.ID,
			logger.FieldAttempt:   attempt,
			logger.FieldError:     err.Error(),
			"backoff":             backoff.String(),
		})
	}

	err := resilience.RetryFunc(ctx, cfg, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.RenewInterval)
		defer cancel()
		return r.backend.Renew(attemptCtx, sess.Session)
	})
	if err == nil {
		r.metrics.RecordRenewal(ctx, r.backend.Name(), observability.OutcomeOK)
		r.mu.Lock()
		r.lastHeartbeat = r.cfg.Clock.Now()
		r.mu.Unlock()
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	outcome := observability.OutcomeError
	if errors.Is(err, errors.ErrCodeSessionExpired) {
		outcome = observability.OutcomeExpired
	}
	r.metrics.RecordRenewal(ctx, r.backend.Name(), outcome)
	r.loseSession(sess, err)
	return false
}

// loseSession drops sess and its endpoints and emits exactly one
// RegistrationLostEvent for it.
func (r *Registry) loseSession(sess *session, cause error) {
	r.mu.Lock()
	if sess.lost {
		r.mu.Unlock()
		return
	}
	sess.lost = true
	sess.closing.Store(true)
	eps := make([]*Endpoint, 0, len(sess.endpoints))
	for id, ep := range sess.endpoints {
		eps = append(eps, ep.Clone())
		delete(r.endpoints, id)
	}
	sess.endpoints = make(map[Identity]*Endpoint)
	delete(r.sessions, sess.ID)
	if r.active == sess {
		r.active = nil
	}
	r.lostCount++
	handlers := make([]func(RegistrationLostEvent), len(r.handlers))
	copy(handlers, r.handlers)
	r.handlerWG.Add(1)
	r.mu.Unlock()

	sess.cancel()
	sortEndpoints(eps)

	ctx := context.Background()
	r.metrics.AddActiveRegistrations(ctx, r.backend.Name(), -int64(len(eps)))
	r.metrics.RecordRegistrationLost(ctx, r.backend.Name())

	event := RegistrationLostEvent{
		Session:   sess.Session,
		Endpoints: eps,
		Cause:     errors.RegistrationLost(sess.ID, cause),
		At:        r.cfg.Clock.Now(),
	}
	r.log.Error("registration lost", map[string]interface{}{
		logger.FieldSessionID: sess.ID,
		logger.FieldInstances: len(eps),
		logger.FieldError:     cause.Error(),
	})

	withdraw := !errors.Is(cause, errors.ErrCodeSessionExpired)
	go func() {
		defer r.handlerWG.Done()
		if withdraw {
			r.withdraw(sess.Session, eps)
		}
		for _, h := range handlers {
			h(event)
		}
	}()
}

// withdraw removes the endpoints of a lost session from the backend so they
// stop resolving before the lease runs out. Failures are left to expiry.
func (r *Registry) withdraw(s Session, eps []*Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.GracePeriod)
	defer cancel()
	for _, ep := range eps {
		err := r.backend.Deregister(ctx, s, ep)
		if err == nil || errors.Is(err, errors.ErrCodeSessionExpired) {
			continue
		}
		r.log.Warn("withdrawing lost endpoint failed, leaving it to lease expiry", map[string]interface{}{
			logger.FieldSessionID: s.ID,
			logger.FieldEndpoint:  ep.String(),
			logger.FieldError:     err.Error(),
		})
	}
}

func (r *Registry) isLost(sess *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sess.lost
}
