package discovery

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// serviceEntry holds the current snapshot of one service. The snapshot
// pointer is swapped atomically; snapshots themselves are never mutated.
type serviceEntry struct {
	snapshot    atomic.Pointer[Snapshot]
	invalidated atomic.Bool

	mu         sync.Mutex
	subscribed bool
	cancel     context.CancelFunc
}

func (e *serviceEntry) load() *Snapshot { return e.snapshot.Load() }

func (e *serviceEntry) store(s *Snapshot) {
	e.snapshot.Store(s)
	e.invalidated.Store(false)
}

func (e *serviceEntry) isSubscribed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribed
}

// subscribe marks the entry as fed by a source. It returns false when a
// subscription is already running.
func (e *serviceEntry) subscribe(cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subscribed {
		return false
	}
	e.subscribed = true
	e.cancel = cancel
	return true
}

func (e *serviceEntry) unsubscribe() {
	e.mu.Lock()
	cancel := e.cancel
	e.subscribed = false
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// discoveryCache maps service ids to entries, bounded by an LRU. Evicting a
// service cancels its subscription.
type discoveryCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *serviceEntry]
}

func newDiscoveryCache(size int) (*discoveryCache, error) {
	entries, err := lru.NewWithEvict(size, func(_ string, e *serviceEntry) {
		e.unsubscribe()
	})
	if err != nil {
		return nil, err
	}
	return &discoveryCache{entries: entries}, nil
}

// entry returns the entry for serviceID, creating it if needed.
func (c *discoveryCache) entry(serviceID string) *serviceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Get(serviceID); ok {
		return e
	}
	e := &serviceEntry{}
	c.entries.Add(serviceID, e)
	return e
}

func (c *discoveryCache) peek(serviceID string) (*serviceEntry, bool) {
	return c.entries.Peek(serviceID)
}

func (c *discoveryCache) invalidate(serviceID string) {
	if e, ok := c.entries.Peek(serviceID); ok {
		e.invalidated.Store(true)
	}
}

func (c *discoveryCache) services() []string {
	return c.entries.Keys()
}

func (c *discoveryCache) len() int {
	return c.entries.Len()
}

// purge drops every entry, cancelling all subscriptions.
func (c *discoveryCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}
