package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/registrar/component"
	"github.com/kbukum/registrar/redis"
	"github.com/kbukum/registrar/testutil"
)

// Component serves a redis.Client backed by miniredis. It implements both
// component.Component and testutil.TestComponent.
type Component struct {
	mini    *miniredis.Miniredis
	client  *redis.Client
	started bool
	mu      sync.RWMutex
}

var _ component.Component = (*Component)(nil)
var _ testutil.TestComponent = (*Component)(nil)

// NewComponent creates a new in-memory Redis test component.
func NewComponent() *Component {
	return &Component{}
}

// Client returns the client, or nil if not started.
func (c *Component) Client() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Mini exposes the server so tests can FastForward key expiry.
func (c *Component) Mini() *miniredis.Miniredis {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mini
}

// FastForward advances miniredis time, expiring keys whose TTL runs out.
func (c *Component) FastForward(d time.Duration) {
	if mini := c.Mini(); mini != nil {
		mini.FastForward(d)
	}
}

// Name returns the component name.
func (c *Component) Name() string { return "redis-test" }

// Start launches the in-memory Redis server.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("component already started")
	}

	mini, err := miniredis.Run()
	if err != nil {
		return fmt.Errorf("failed to start miniredis: %w", err)
	}

	c.mini = mini
	c.client = redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mini.Addr()}), nil)
	c.started = true
	return nil
}

// Stop shuts down the in-memory Redis server.
func (c *Component) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	if c.client != nil {
		_ = c.client.Close()
	}
	if c.mini != nil {
		c.mini.Close()
	}
	c.started = false
	return nil
}

// Health returns the health status.
func (c *Component) Health(_ context.Context) component.Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started {
		return component.Health{
			Name:    c.Name(),
			Status:  component.StatusUnhealthy,
			Message: "not started",
		}
	}
	return component.Health{
		Name:   c.Name(),
		Status: component.StatusHealthy,
	}
}

// Reset flushes all keys from the in-memory Redis.
func (c *Component) Reset(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started || c.mini == nil {
		return fmt.Errorf("component not started")
	}
	c.mini.FlushAll()
	return nil
}

// entry is one captured key.
type entry struct {
	strVal  string
	members []string
	isSet   bool
	ttl     time.Duration
}

// Snapshot captures string and set keys with their TTLs.
func (c *Component) Snapshot(_ context.Context) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started || c.mini == nil {
		return nil, fmt.Errorf("component not started")
	}

	snapshot := make(map[string]entry)
	for _, key := range c.mini.Keys() {
		e := entry{ttl: c.mini.TTL(key)}
		switch c.mini.Type(key) {
		case "string":
			val, err := c.mini.Get(key)
			if err != nil {
				continue
			}
			e.strVal = val
		case "set":
			members, err := c.mini.Members(key)
			if err != nil {
				continue
			}
			e.members, e.isSet = members, true
		default:
			continue
		}
		snapshot[key] = e
	}
	return snapshot, nil
}

// Restore returns the Redis state to a previously captured snapshot.
func (c *Component) Restore(_ context.Context, snap interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started || c.mini == nil {
		return fmt.Errorf("component not started")
	}

	snapshot, ok := snap.(map[string]entry)
	if !ok {
		return fmt.Errorf("invalid snapshot type: %T", snap)
	}

	c.mini.FlushAll()
	for key, e := range snapshot {
		var err error
		if e.isSet {
			_, err = c.mini.SetAdd(key, e.members...)
		} else {
			err = c.mini.Set(key, e.strVal)
		}
		if err != nil {
			return fmt.Errorf("failed to restore key %q: %w", key, err)
		}
		if e.ttl > 0 {
			c.mini.SetTTL(key, e.ttl)
		}
	}
	return nil
}
