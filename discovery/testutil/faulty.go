package testutil

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/errors"
)

// Backend operations that FaultyBackend can fail.
const (
	OpRegister   = "register"
	OpRenew      = "renew"
	OpDeregister = "deregister"
	OpList       = "list"
)

// ErrInjected is the cause of faults raised by SetDown.
var ErrInjected = stderrors.New("injected fault")

// FaultyBackend wraps a backend and fails chosen calls.
type FaultyBackend struct {
	inner discovery.Backend

	mu    sync.Mutex
	down  bool
	fails map[string][]error
	calls map[string]int
}

var _ discovery.Backend = (*FaultyBackend)(nil)

// NewFaultyBackend wraps inner.
func NewFaultyBackend(inner discovery.Backend) *FaultyBackend {
	return &FaultyBackend{
		inner: inner,
		fails: make(map[string][]error),
		calls: make(map[string]int),
	}
}

// FailNext makes the next n calls of op return err.
func (f *FaultyBackend) FailNext(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.fails[op] = append(f.fails[op], err)
	}
}

// SetDown makes every call fail with BACKEND_UNAVAILABLE until reset.
func (f *FaultyBackend) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// Calls returns how many times op was invoked, failed or not.
func (f *FaultyBackend) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Unwrap returns the wrapped backend.
func (f *FaultyBackend) Unwrap() discovery.Backend { return f.inner }

// Name implements discovery.Backend.
func (f *FaultyBackend) Name() string { return f.inner.Name() }

// Register implements discovery.Backend.
func (f *FaultyBackend) Register(ctx context.Context, s discovery.Session, ep *discovery.Endpoint) (discovery.Session, error) {
	if err := f.fault(OpRegister); err != nil {
		return discovery.Session{}, err
	}
	return f.inner.Register(ctx, s, ep)
}

// Renew implements discovery.Backend.
func (f *FaultyBackend) Renew(ctx context.Context, s discovery.Session) error {
	if err := f.fault(OpRenew); err != nil {
		return err
	}
	return f.inner.Renew(ctx, s)
}

// Deregister implements discovery.Backend.
func (f *FaultyBackend) Deregister(ctx context.Context, s discovery.Session, ep *discovery.Endpoint) error {
	if err := f.fault(OpDeregister); err != nil {
		return err
	}
	return f.inner.Deregister(ctx, s, ep)
}

// ListInstances implements discovery.Backend.
func (f *FaultyBackend) ListInstances(ctx context.Context, serviceID string) ([]*discovery.Endpoint, error) {
	if err := f.fault(OpList); err != nil {
		return nil, err
	}
	return f.inner.ListInstances(ctx, serviceID)
}

// Close implements discovery.Backend.
func (f *FaultyBackend) Close() error { return f.inner.Close() }

func (f *FaultyBackend) fault(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q := f.fails[op]; len(q) > 0 {
		f.fails[op] = q[1:]
		return q[0]
	}
	if f.down {
		return errors.BackendUnavailable(f.inner.Name(), ErrInjected)
	}
	return nil
}
