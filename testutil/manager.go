package testutil

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Manager drives several test components together, e.g. a miniredis
// server and the discovery component that uses it.
type Manager struct {
	ctx        context.Context
	components []TestComponent
	mu         sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager(ctx context.Context) *Manager {
	return &Manager{ctx: ctx}
}

// Add registers a component. Components start in the order added.
func (m *Manager) Add(c TestComponent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
}

// Components returns a copy of the registered components.
func (m *Manager) Components() []TestComponent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TestComponent, len(m.components))
	copy(out, m.components)
	return out
}

// Get returns the component with the given name, or nil.
func (m *Manager) Get(name string) TestComponent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.components {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// StartAll starts components in order and stops at the first failure.
func (m *Manager) StartAll() error {
	for _, c := range m.Components() {
		if err := c.Start(m.ctx); err != nil {
			return fmt.Errorf("failed to start component %s: %w", c.Name(), err)
		}
	}
	return nil
}

// StopAll stops every component in reverse order and combines failures.
func (m *Manager) StopAll() error {
	comps := m.Components()
	var err error
	for i := len(comps) - 1; i >= 0; i-- {
		if stopErr := comps[i].Stop(m.ctx); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to stop component %s: %w", comps[i].Name(), stopErr))
		}
	}
	return err
}

// ResetAll resets components in order and stops at the first failure.
func (m *Manager) ResetAll() error {
	for _, c := range m.Components() {
		if err := c.Reset(m.ctx); err != nil {
			return fmt.Errorf("failed to reset component %s: %w", c.Name(), err)
		}
	}
	return nil
}

// Cleanup is StopAll, shaped for t.Cleanup and defer.
func (m *Manager) Cleanup() error {
	return m.StopAll()
}
