package discovery

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/logger"
	"github.com/kbukum/registrar/resilience"
)

// ResilienceConfig bounds every call made through a ResilientBackend.
type ResilienceConfig struct {
	// RequestTimeout applies to each attempt. Zero disables it.
	RequestTimeout time.Duration
	// Retry drives Register, Deregister and ListInstances. Renew is never
	// retried here.
	Retry resilience.RetryConfig
	// Breaker guards the backend as a whole.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultResilienceConfig returns the settings used when none are configured.
func DefaultResilienceConfig(name string) ResilienceConfig {
	retry := resilience.DefaultRetryConfig()
	retry.MaxBackoff = 2 * time.Second
	return ResilienceConfig{
		RequestTimeout: 3 * time.Second,
		Retry:          retry,
		Breaker:        resilience.DefaultCircuitBreakerConfig(name),
	}
}

// ResilientBackend decorates a Backend with per-call timeouts, error
// classification, a circuit breaker and bounded retries.
type ResilientBackend struct {
	inner   Backend
	cfg     ResilienceConfig
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
}

var _ Backend = (*ResilientBackend)(nil)

// NewResilientBackend wraps b.
func NewResilientBackend(b Backend, cfg ResilienceConfig, log *logger.Logger) *ResilientBackend {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithFields(map[string]interface{}{logger.FieldBackend: b.Name()})

	cfg.Retry.RetryIf = errors.IsRetryable
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
			log.Warn("backend call failed, retrying", map[string]interface{}{
				logger.FieldAttempt: attempt,
				logger.FieldError:   err.Error(),
				"backoff":           backoff.String(),
			})
		}
	}

	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = b.Name()
	}
	cfg.Breaker.IsFailure = func(err error) bool {
		return errors.Is(err, errors.ErrCodeBackendUnavailable)
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(name string, from, to resilience.State) {
			log.Warn("backend circuit changed state", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		}
	}

	return &ResilientBackend{
		inner:   b,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		log:     log,
	}
}

// Name returns the wrapped backend's name.
func (r *ResilientBackend) Name() string { return r.inner.Name() }

// Unwrap returns the wrapped backend.
func (r *ResilientBackend) Unwrap() Backend { return r.inner }

// CircuitState reports the breaker state.
func (r *ResilientBackend) CircuitState() resilience.State { return r.breaker.State() }

// Register stores ep, retrying transient failures.
func (r *ResilientBackend) Register(ctx context.Context, session Session, ep *Endpoint) (Session, error) {
	return resilience.Retry(ctx, r.cfg.Retry, func() (Session, error) {
		var out Session
		err := r.call(ctx, "register", func(ctx context.Context) error {
			var err error
			out, err = r.inner.Register(ctx, session, ep)
			return err
		})
		return out, err
	})
}

// Renew extends the lease with a single attempt.
func (r *ResilientBackend) Renew(ctx context.Context, session Session) error {
	return r.call(ctx, "renew", func(ctx context.Context) error {
		return r.inner.Renew(ctx, session)
	})
}

// Deregister removes ep, retrying transient failures.
func (r *ResilientBackend) Deregister(ctx context.Context, session Session, ep *Endpoint) error {
	return resilience.RetryFunc(ctx, r.cfg.Retry, func() error {
		return r.call(ctx, "deregister", func(ctx context.Context) error {
			return r.inner.Deregister(ctx, session, ep)
		})
	})
}

// ListInstances lists live instances, retrying transient failures.
func (r *ResilientBackend) ListInstances(ctx context.Context, serviceID string) ([]*Endpoint, error) {
	return resilience.Retry(ctx, r.cfg.Retry, func() ([]*Endpoint, error) {
		var out []*Endpoint
		err := r.call(ctx, "list", func(ctx context.Context) error {
			var err error
			out, err = r.inner.ListInstances(ctx, serviceID)
			return err
		})
		return out, err
	})
}

// Watch delegates to the wrapped backend when it can push changes.
func (r *ResilientBackend) Watch(ctx context.Context, serviceID string) (<-chan []*Endpoint, error) {
	w, ok := AsWatcher(r.inner)
	if !ok {
		return nil, errors.Internal(stderrors.New("backend does not support watch"))
	}
	return w.Watch(ctx, serviceID)
}

// Close closes the wrapped backend.
func (r *ResilientBackend) Close() error { return r.inner.Close() }

func (r *ResilientBackend) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := r.breaker.Execute(func() error {
		callCtx := ctx
		if r.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
			defer cancel()
		}
		return r.classify(ctx, op, fn(callCtx))
	})
	if stderrors.Is(err, resilience.ErrCircuitOpen) {
		return errors.BackendUnavailable(r.inner.Name(), err).WithDetail(logger.FieldOperation, op)
	}
	return err
}

// classify maps raw adapter errors onto the registrar error codes. Errors
// already carrying a code pass through; a cancelled parent context is
// returned as is.
func (r *ResilientBackend) classify(parent context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.IsAppError(err) {
		return err
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.BackendUnavailable(r.inner.Name(), errors.Timeout(op)).WithDetail(logger.FieldOperation, op)
	}
	return errors.BackendUnavailable(r.inner.Name(), err).WithDetail(logger.FieldOperation, op)
}
