package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/registrar/component"
	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/discovery/memory"
	"github.com/kbukum/registrar/testutil"
)

// Component serves a memory backend driven by a mock clock. It implements
// component.Component and testutil.TestComponent.
type Component struct {
	clk     *clock.Mock
	backend *memory.Backend
	seeded  []*discovery.Endpoint
	started bool
	mu      sync.RWMutex
}

var _ component.Component = (*Component)(nil)
var _ testutil.TestComponent = (*Component)(nil)

// NewComponent creates a new in-memory discovery test component.
func NewComponent() *Component {
	return &Component{clk: clock.NewMock()}
}

// Clock returns the mock clock that drives lease expiry.
func (c *Component) Clock() *clock.Mock { return c.clk }

// Advance moves the mock clock forward, expiring leases whose TTL ran out.
func (c *Component) Advance(d time.Duration) { c.clk.Add(d) }

// Backend returns the memory backend, or nil if not started.
func (c *Component) Backend() *memory.Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend
}

// AddInstance seeds a permanent endpoint. Call before or after Start; the
// endpoint survives Reset.
func (c *Component) AddInstance(ep *discovery.Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		if err := c.backend.Seed(ep); err != nil {
			return err
		}
	}
	c.seeded = append(c.seeded, ep.Clone())
	return nil
}

// Name returns the component name.
func (c *Component) Name() string { return "discovery-test" }

// Start creates the backend and seeds it.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("component already started")
	}
	backend, err := c.newBackend(c.seeded)
	if err != nil {
		return err
	}
	c.backend = backend
	c.started = true
	return nil
}

// Stop closes the backend.
func (c *Component) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	err := c.backend.Close()
	c.backend = nil
	return err
}

// Health reports whether the component is running.
func (c *Component) Health(_ context.Context) component.Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: "not started"}
	}
	return component.Health{Name: c.Name(), Status: component.StatusHealthy}
}

// Reset replaces the backend with a fresh one holding only the seeded
// endpoints. Leases held by the old backend are gone.
func (c *Component) Reset(_ context.Context) error {
	return c.replace(nil)
}

// Snapshot captures the seeded endpoints.
func (c *Component) Snapshot(_ context.Context) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*discovery.Endpoint, len(c.seeded))
	for i, ep := range c.seeded {
		out[i] = ep.Clone()
	}
	return out, nil
}

// Restore resets the backend to the seeded endpoints of a snapshot.
func (c *Component) Restore(_ context.Context, snap interface{}) error {
	seeded, ok := snap.([]*discovery.Endpoint)
	if !ok {
		return fmt.Errorf("invalid snapshot type %T", snap)
	}
	return c.replace(seeded)
}

func (c *Component) replace(seeded []*discovery.Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return fmt.Errorf("component not started")
	}
	if seeded != nil {
		c.seeded = seeded
	}
	_ = c.backend.Close()
	backend, err := c.newBackend(c.seeded)
	if err != nil {
		return err
	}
	c.backend = backend
	return nil
}

func (c *Component) newBackend(seeded []*discovery.Endpoint) (*memory.Backend, error) {
	backend := memory.New(c.clk, nil)
	for _, ep := range seeded {
		if err := backend.Seed(ep); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}
	return backend, nil
}
