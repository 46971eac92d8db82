// Package consul is a registry backend on the consul KV store. A session is
// a consul session with the delete behavior; endpoint records are KV entries
// acquired by it, so consul removes them when the session is invalidated.
package consul

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/consul/api"

	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/logger"
)

// Name is the provider name.
const Name = "consul"

func init() {
	discovery.RegisterProviderFactory(Name, func(cfg discovery.Config, log *logger.Logger, clk clock.Clock) (discovery.Backend, error) {
		client, err := api.NewClient(clientConfig(cfg.Consul))
		if err != nil {
			return nil, fmt.Errorf("consul client: %w", err)
		}
		return New(client, cfg.Consul.KeyPrefix, cfg.Consul.WaitTime, log, clk), nil
	})
}

// Backend stores endpoints under <prefix>/<service id>/<endpoint key>.
type Backend struct {
	client   *api.Client
	prefix   string
	waitTime time.Duration
	log      *logger.Logger
	clk      clock.Clock

	mu sync.Mutex
	// touched maps a session id to the services it wrote records under.
	touched map[string]map[string]struct{}
}

var (
	_ discovery.Backend = (*Backend)(nil)
	_ discovery.Watcher = (*Backend)(nil)
)

// New creates a backend over client. waitTime bounds one blocking query of
// Watch.
func New(client *api.Client, prefix string, waitTime time.Duration, log *logger.Logger, clk clock.Clock) *Backend {
	if log == nil {
		log = logger.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if waitTime <= 0 {
		waitTime = 30 * time.Second
	}
	return &Backend{
		client:   client,
		prefix:   normalizePrefix(prefix),
		waitTime: waitTime,
		log:      log.WithComponent("discovery.consul"),
		clk:      clk,
		touched:  make(map[string]map[string]struct{}),
	}
}

// Name implements discovery.Backend.
func (b *Backend) Name() string { return Name }

// Register implements discovery.Backend.
func (b *Backend) Register(ctx context.Context, session discovery.Session, ep *discovery.Endpoint) (discovery.Session, error) {
	if err := ep.Validate(); err != nil {
		return discovery.Session{}, err
	}
	wopts := (&api.WriteOptions{}).WithContext(ctx)

	created := false
	if session.IsZero() {
		if session.TTL <= 0 {
			return discovery.Session{}, errors.InvalidInput("ttl", "session ttl must be positive")
		}
		id, _, err := b.client.Session().Create(&api.SessionEntry{
			Name:      b.prefix + "/" + ep.ServiceID,
			Behavior:  api.SessionBehaviorDelete,
			TTL:       sessionTTL(session.TTL),
			LockDelay: time.Millisecond,
		}, wopts)
		if err != nil {
			return discovery.Session{}, discovery.Unavailable(Name, err)
		}
		session.ID = id
		created = true
	} else {
		entry, _, err := b.client.Session().Info(session.ID, (&api.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return discovery.Session{}, discovery.Unavailable(Name, err)
		}
		if entry == nil {
			return discovery.Session{}, errors.SessionExpired(session.ID)
		}
	}

	data, err := discovery.EncodeRecord(discovery.Record{
		Endpoint:     ep,
		SessionID:    session.ID,
		RegisteredAt: b.clk.Now(),
	})
	if err != nil {
		return discovery.Session{}, err
	}

	if err := b.acquire(ctx, session.ID, b.recordKey(ep), data); err != nil {
		if created {
			b.destroy(session.ID)
		}
		return discovery.Session{}, err
	}
	b.track(session.ID, ep.ServiceID)
	return session, nil
}

// acquire writes the record under the session. A key held by another
// session is taken over.
func (b *Backend) acquire(ctx context.Context, sessionID, key string, data []byte) error {
	wopts := (&api.WriteOptions{}).WithContext(ctx)
	pair := &api.KVPair{Key: key, Value: data, Session: sessionID}

	for attempt := 0; attempt < 2; attempt++ {
		ok, _, err := b.client.KV().Acquire(pair, wopts)
		if err != nil {
			return discovery.Unavailable(Name, err)
		}
		if ok {
			return nil
		}
		if _, err := b.client.KV().Delete(key, wopts); err != nil {
			return discovery.Unavailable(Name, err)
		}
	}
	return errors.Internal(fmt.Errorf("could not acquire %s", key))
}

// Renew implements discovery.Backend.
func (b *Backend) Renew(ctx context.Context, session discovery.Session) error {
	entry, _, err := b.client.Session().Renew(session.ID, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return discovery.Unavailable(Name, err)
	}
	if entry == nil {
		b.forget(session.ID)
		return errors.SessionExpired(session.ID)
	}
	return nil
}

// Deregister implements discovery.Backend. The consul session is destroyed
// once it holds no record.
func (b *Backend) Deregister(ctx context.Context, session discovery.Session, ep *discovery.Endpoint) error {
	wopts := (&api.WriteOptions{}).WithContext(ctx)
	qopts := (&api.QueryOptions{}).WithContext(ctx)
	key := b.recordKey(ep)

	pair, _, err := b.client.KV().Get(key, qopts)
	if err != nil {
		return discovery.Unavailable(Name, err)
	}
	if pair != nil && pair.Session == session.ID {
		if _, _, err := b.client.KV().DeleteCAS(&api.KVPair{Key: key, ModifyIndex: pair.ModifyIndex}, wopts); err != nil {
			return discovery.Unavailable(Name, err)
		}
	}

	held := false
	for _, svc := range b.services(session.ID, ep.ServiceID) {
		pairs, _, err := b.client.KV().List(b.servicePrefix(svc), qopts)
		if err != nil {
			return discovery.Unavailable(Name, err)
		}
		if holds(pairs, session.ID) {
			held = true
			continue
		}
		b.untrack(session.ID, svc)
	}
	if held {
		return nil
	}

	entry, _, err := b.client.Session().Info(session.ID, qopts)
	if err != nil {
		return discovery.Unavailable(Name, err)
	}
	b.forget(session.ID)
	if entry == nil {
		return errors.SessionExpired(session.ID)
	}
	if _, err := b.client.Session().Destroy(session.ID, wopts); err != nil {
		return discovery.Unavailable(Name, err)
	}
	return nil
}

func holds(pairs api.KVPairs, sessionID string) bool {
	for _, p := range pairs {
		if p.Session == sessionID {
			return true
		}
	}
	return false
}

func (b *Backend) track(sessionID, serviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.touched[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		b.touched[sessionID] = set
	}
	set[serviceID] = struct{}{}
}

func (b *Backend) untrack(sessionID, serviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.touched[sessionID]; set != nil {
		delete(set, serviceID)
	}
}

func (b *Backend) forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.touched, sessionID)
}

// services returns the services sessionID may still hold records under,
// always including serviceID.
func (b *Backend) services(sessionID, serviceID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []string{serviceID}
	for svc := range b.touched[sessionID] {
		if svc != serviceID {
			out = append(out, svc)
		}
	}
	sort.Strings(out[1:])
	return out
}

// ListInstances implements discovery.Backend.
func (b *Backend) ListInstances(ctx context.Context, serviceID string) ([]*discovery.Endpoint, error) {
	pairs, _, err := b.client.KV().List(b.servicePrefix(serviceID), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, discovery.Unavailable(Name, err)
	}
	return b.decode(pairs), nil
}

// Watch implements discovery.Watcher with blocking queries on the service
// prefix.
func (b *Backend) Watch(ctx context.Context, serviceID string) (<-chan []*discovery.Endpoint, error) {
	out := make(chan []*discovery.Endpoint, 1)

	go func() {
		defer close(out)
		var lastIndex uint64
		first := true
		for {
			if ctx.Err() != nil {
				return
			}
			opts := (&api.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  b.waitTime,
			}).WithContext(ctx)

			pairs, meta, err := b.client.KV().List(b.servicePrefix(serviceID), opts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.Warn("consul watch error", map[string]interface{}{
					logger.FieldServiceID: serviceID,
					logger.FieldError:     err.Error(),
				})
				select {
				case <-ctx.Done():
					return
				case <-b.clk.After(time.Second):
				}
				continue
			}

			if !first && meta.LastIndex == lastIndex {
				continue
			}
			first = false
			// An index going backwards means the store was reset.
			if meta.LastIndex < lastIndex {
				lastIndex = 0
			} else {
				lastIndex = meta.LastIndex
			}

			select {
			case out <- b.decode(pairs):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the consul HTTP client holds no resources.
func (b *Backend) Close() error { return nil }

func (b *Backend) decode(pairs api.KVPairs) []*discovery.Endpoint {
	out := make([]*discovery.Endpoint, 0, len(pairs))
	for _, p := range pairs {
		if p.Session == "" {
			continue
		}
		rec, err := discovery.DecodeRecord(p.Value)
		if err != nil {
			b.log.Warn("skipping malformed record", map[string]interface{}{
				"key":             p.Key,
				logger.FieldError: err.Error(),
			})
			continue
		}
		out = append(out, rec.Endpoint)
	}
	return out
}

func (b *Backend) destroy(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.client.Session().Destroy(sessionID, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		b.log.Debug("session destroy failed", logger.ErrorFields("destroy", err))
	}
}

func (b *Backend) servicePrefix(serviceID string) string {
	return b.prefix + "/" + serviceID + "/"
}

func (b *Backend) recordKey(ep *discovery.Endpoint) string {
	return b.servicePrefix(ep.ServiceID) + ep.Key()
}
