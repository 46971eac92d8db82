package discovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/logger"
)

// Session is a renewable lease tying one or more endpoints to the
// registering process. The zero Session asks the backend to create one.
type Session struct {
	ID  string
	TTL time.Duration
}

// IsZero reports whether the session has not been created yet.
func (s Session) IsZero() bool { return s.ID == "" }

// Backend adapts one coordination store.
//
// Errors are *errors.AppError: BACKEND_UNAVAILABLE when the store cannot
// be reached, INVALID_ENDPOINT for malformed input and SESSION_EXPIRED
// when the store no longer holds the session.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Register stores ep under session. A zero session creates a new lease
	// with session.TTL and returns it. Registering an identity that is
	// already present overwrites its record.
	Register(ctx context.Context, session Session, ep *Endpoint) (Session, error)

	// Renew extends the session lease by its TTL.
	Renew(ctx context.Context, session Session) error

	// Deregister removes ep. When ep was the session's last endpoint the
	// session is destroyed too.
	Deregister(ctx context.Context, session Session, ep *Endpoint) error

	// ListInstances returns the live endpoints of a service.
	ListInstances(ctx context.Context, serviceID string) ([]*Endpoint, error)

	// Close releases connections held by the backend.
	Close() error
}

// Watcher is implemented by backends that can push membership changes.
// The channel receives the full instance list of the service on every
// change and is closed when ctx ends.
type Watcher interface {
	Watch(ctx context.Context, serviceID string) (<-chan []*Endpoint, error)
}

// AsWatcher returns the Watcher behind b, looking through decorators that
// expose Unwrap.
func AsWatcher(b Backend) (Watcher, bool) {
	for b != nil {
		if w, ok := b.(Watcher); ok {
			return w, true
		}
		u, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			return nil, false
		}
		b = u.Unwrap()
	}
	return nil, false
}

// ProviderFactory builds a backend from the discovery configuration.
type ProviderFactory func(cfg Config, log *logger.Logger, clk clock.Clock) (Backend, error)

var (
	factoriesMu       sync.RWMutex
	providerFactories = make(map[string]ProviderFactory)
)

// RegisterProviderFactory makes a backend available under name. Backend
// packages call it from init.
func RegisterProviderFactory(name string, f ProviderFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	providerFactories[name] = f
}

// ProviderNames lists the registered providers in sorted order.
func ProviderNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(providerFactories))
	for name := range providerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend builds the backend selected by cfg.Provider.
func NewBackend(cfg Config, log *logger.Logger, clk clock.Clock) (Backend, error) {
	factoriesMu.RLock()
	f, ok := providerFactories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported discovery provider %q (registered: %v)", cfg.Provider, ProviderNames())
	}
	if clk == nil {
		clk = clock.New()
	}
	return f(cfg, log, clk)
}

// Unavailable classifies a raw store error for backend implementations.
// Context errors and errors that already carry a code are returned as is;
// anything else becomes BACKEND_UNAVAILABLE.
func Unavailable(backend string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) || errors.IsAppError(err) {
		return err
	}
	return errors.BackendUnavailable(backend, err)
}
