// Package memory is an in-process registry backend. Leases expire on the
// injected clock, so it doubles as the backend for tests and for serving
// statically configured endpoints.
package memory

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/logger"
)

// Name is the provider name.
const Name = "memory"

var errClosed = stderrors.New("memory backend is closed")

func init() {
	discovery.RegisterProviderFactory(Name, func(cfg discovery.Config, log *logger.Logger, clk clock.Clock) (discovery.Backend, error) {
		b := New(clk, log)
		for _, s := range cfg.StaticEndpoints {
			ep, err := s.Endpoint()
			if err != nil {
				_ = b.Close()
				return nil, err
			}
			if err := b.Seed(ep); err != nil {
				_ = b.Close()
				return nil, err
			}
		}
		return b, nil
	})
}

type lease struct {
	ttl     time.Duration
	expires time.Time
	// records maps service id to the endpoint keys held by this lease.
	records map[string]map[string]struct{}
}

type record struct {
	ep      *discovery.Endpoint
	session string
}

// Option customizes a Backend.
type Option func(*Backend)

// WithSweepInterval sets how often expired leases are collected in the
// background. Expiry is also checked on every call.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Backend) { b.sweepInterval = d }
}

// Backend keeps leases and records in memory.
type Backend struct {
	clk           clock.Clock
	log           *logger.Logger
	sweepInterval time.Duration

	mu       sync.Mutex
	leases   map[string]*lease
	services map[string]map[string]*record
	watchers map[string]map[chan []*discovery.Endpoint]struct{}
	closed   bool

	stop chan struct{}
	done chan struct{}
}

var (
	_ discovery.Backend = (*Backend)(nil)
	_ discovery.Watcher = (*Backend)(nil)
)

// New creates a memory backend and starts its sweeper.
func New(clk clock.Clock, log *logger.Logger, opts ...Option) *Backend {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	b := &Backend{
		clk:           clk,
		log:           log.WithComponent("discovery.memory"),
		sweepInterval: time.Second,
		leases:        make(map[string]*lease),
		services:      make(map[string]map[string]*record),
		watchers:      make(map[string]map[chan []*discovery.Endpoint]struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.sweep()
	return b
}

// Name implements discovery.Backend.
func (b *Backend) Name() string { return Name }

// Seed adds an endpoint that belongs to no session and never expires.
func (b *Backend) Seed(ep *discovery.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.BackendUnavailable(Name, errClosed)
	}
	b.put(ep.Clone(), "")
	b.notify(ep.ServiceID)
	return nil
}

// Register implements discovery.Backend.
func (b *Backend) Register(_ context.Context, session discovery.Session, ep *discovery.Endpoint) (discovery.Session, error) {
	if err := ep.Validate(); err != nil {
		return discovery.Session{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return discovery.Session{}, errors.BackendUnavailable(Name, errClosed)
	}
	b.expire(b.clk.Now())

	if session.IsZero() {
		if session.TTL <= 0 {
			return discovery.Session{}, errors.InvalidInput("ttl", "session ttl must be positive")
		}
		session.ID = uuid.NewString()
		b.leases[session.ID] = &lease{
			ttl:     session.TTL,
			expires: b.clk.Now().Add(session.TTL),
			records: make(map[string]map[string]struct{}),
		}
	}
	l, ok := b.leases[session.ID]
	if !ok {
		return discovery.Session{}, errors.SessionExpired(session.ID)
	}

	b.put(ep.Clone(), session.ID)
	keys := l.records[ep.ServiceID]
	if keys == nil {
		keys = make(map[string]struct{})
		l.records[ep.ServiceID] = keys
	}
	keys[ep.Key()] = struct{}{}
	b.notify(ep.ServiceID)
	return discovery.Session{ID: session.ID, TTL: l.ttl}, nil
}

// Renew implements discovery.Backend.
func (b *Backend) Renew(_ context.Context, session discovery.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.BackendUnavailable(Name, errClosed)
	}
	now := b.clk.Now()
	b.expire(now)
	l, ok := b.leases[session.ID]
	if !ok {
		return errors.SessionExpired(session.ID)
	}
	l.expires = now.Add(l.ttl)
	return nil
}

// Deregister implements discovery.Backend.
func (b *Backend) Deregister(_ context.Context, session discovery.Session, ep *discovery.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.BackendUnavailable(Name, errClosed)
	}
	b.expire(b.clk.Now())

	l, ok := b.leases[session.ID]
	if !ok {
		return errors.SessionExpired(session.ID)
	}
	key := ep.Key()
	if recs := b.services[ep.ServiceID]; recs != nil {
		if rec, ok := recs[key]; ok && rec.session == session.ID {
			b.remove(ep.ServiceID, key)
			b.notify(ep.ServiceID)
		}
	}
	if keys := l.records[ep.ServiceID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(l.records, ep.ServiceID)
		}
	}
	if len(l.records) == 0 {
		delete(b.leases, session.ID)
	}
	return nil
}

// ListInstances implements discovery.Backend.
func (b *Backend) ListInstances(_ context.Context, serviceID string) ([]*discovery.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.BackendUnavailable(Name, errClosed)
	}
	b.expire(b.clk.Now())
	return b.list(serviceID), nil
}

// Watch implements discovery.Watcher. The current instances are sent
// first; afterwards only the latest list is kept if the reader falls
// behind.
func (b *Backend) Watch(ctx context.Context, serviceID string) (<-chan []*discovery.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.BackendUnavailable(Name, errClosed)
	}
	ch := make(chan []*discovery.Endpoint, 1)
	ch <- b.list(serviceID)
	set := b.watchers[serviceID]
	if set == nil {
		set = make(map[chan []*discovery.Endpoint]struct{})
		b.watchers[serviceID] = set
	}
	set[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.stop:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.watchers[serviceID][ch]; ok {
			delete(b.watchers[serviceID], ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Sessions returns the number of live leases.
func (b *Backend) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire(b.clk.Now())
	return len(b.leases)
}

// Close stops the sweeper and closes every watch channel.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	for _, set := range b.watchers {
		for ch := range set {
			close(ch)
		}
	}
	b.watchers = make(map[string]map[chan []*discovery.Endpoint]struct{})
	b.mu.Unlock()

	<-b.done
	return nil
}

func (b *Backend) sweep() {
	defer close(b.done)
	ticker := b.clk.Ticker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			b.expire(b.clk.Now())
			b.mu.Unlock()
		}
	}
}

// put stores rec, taking the identity over from any previous owner.
func (b *Backend) put(ep *discovery.Endpoint, sessionID string) {
	recs := b.services[ep.ServiceID]
	if recs == nil {
		recs = make(map[string]*record)
		b.services[ep.ServiceID] = recs
	}
	key := ep.Key()
	if prev, ok := recs[key]; ok && prev.session != sessionID && prev.session != "" {
		if l, ok := b.leases[prev.session]; ok {
			delete(l.records[ep.ServiceID], key)
		}
	}
	recs[key] = &record{ep: ep, session: sessionID}
}

func (b *Backend) remove(serviceID, key string) {
	recs := b.services[serviceID]
	delete(recs, key)
	if len(recs) == 0 {
		delete(b.services, serviceID)
	}
}

// expire drops leases past their deadline together with their records.
func (b *Backend) expire(now time.Time) {
	for id, l := range b.leases {
		if now.Before(l.expires) {
			continue
		}
		for serviceID, keys := range l.records {
			for key := range keys {
				if rec, ok := b.services[serviceID][key]; ok && rec.session == id {
					b.remove(serviceID, key)
				}
			}
			b.notify(serviceID)
		}
		delete(b.leases, id)
		b.log.Debug("lease expired", map[string]interface{}{logger.FieldSessionID: id})
	}
}

func (b *Backend) list(serviceID string) []*discovery.Endpoint {
	recs := b.services[serviceID]
	out := make([]*discovery.Endpoint, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ep.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// notify pushes the current list to every watcher of serviceID, replacing
// a list the watcher has not read yet.
func (b *Backend) notify(serviceID string) {
	set := b.watchers[serviceID]
	if len(set) == 0 {
		return
	}
	for ch := range set {
		list := b.list(serviceID)
		select {
		case ch <- list:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- list:
		default:
		}
	}
}
