// Package etcd is a registry backend on etcd v3. A session is a lease;
// endpoint records are put with the lease attached, so etcd deletes them
// when the lease expires or is revoked.
package etcd

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/logger"
)

// Name is the provider name.
const Name = "etcd"

func init() {
	discovery.RegisterProviderFactory(Name, func(cfg discovery.Config, log *logger.Logger, clk clock.Clock) (discovery.Backend, error) {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		return New(client, cfg.Etcd.KeyPrefix, log, clk), nil
	})
}

// Backend stores endpoints under <prefix>/<service id>/<endpoint key>.
type Backend struct {
	client *clientv3.Client
	prefix string
	log    *logger.Logger
	clk    clock.Clock
}

var (
	_ discovery.Backend = (*Backend)(nil)
	_ discovery.Watcher = (*Backend)(nil)
)

// New creates a backend over client. The backend owns client and closes it.
func New(client *clientv3.Client, prefix string, log *logger.Logger, clk clock.Clock) *Backend {
	if log == nil {
		log = logger.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Backend{
		client: client,
		prefix: normalizePrefix(prefix),
		log:    log.WithComponent("discovery.etcd"),
		clk:    clk,
	}
}

// Name implements discovery.Backend.
func (b *Backend) Name() string { return Name }

// Register implements discovery.Backend.
func (b *Backend) Register(ctx context.Context, session discovery.Session, ep *discovery.Endpoint) (discovery.Session, error) {
	if err := ep.Validate(); err != nil {
		return discovery.Session{}, err
	}

	created := false
	if session.IsZero() {
		if session.TTL <= 0 {
			return discovery.Session{}, errors.InvalidInput("ttl", "session ttl must be positive")
		}
		resp, err := b.client.Grant(ctx, leaseSeconds(session.TTL))
		if err != nil {
			return discovery.Session{}, discovery.Unavailable(Name, err)
		}
		session.ID = formatLeaseID(resp.ID)
		created = true
	}
	id, err := parseLeaseID(session.ID)
	if err != nil {
		return discovery.Session{}, errors.SessionExpired(session.ID).WithCause(err)
	}

	data, err := discovery.EncodeRecord(discovery.Record{
		Endpoint:     ep,
		SessionID:    session.ID,
		RegisteredAt: b.clk.Now(),
	})
	if err != nil {
		return discovery.Session{}, err
	}

	if _, err := b.client.Put(ctx, b.recordKey(ep), string(data), clientv3.WithLease(id)); err != nil {
		if created {
			b.revoke(id)
		}
		return discovery.Session{}, b.leaseError(session.ID, err)
	}
	return session, nil
}

// Renew implements discovery.Backend.
func (b *Backend) Renew(ctx context.Context, session discovery.Session) error {
	id, err := parseLeaseID(session.ID)
	if err != nil {
		return errors.SessionExpired(session.ID).WithCause(err)
	}
	resp, err := b.client.KeepAliveOnce(ctx, id)
	if err != nil {
		return b.leaseError(session.ID, err)
	}
	if resp.TTL <= 0 {
		return errors.SessionExpired(session.ID)
	}
	return nil
}

// Deregister implements discovery.Backend. The lease is revoked once no key
// is attached to it.
func (b *Backend) Deregister(ctx context.Context, session discovery.Session, ep *discovery.Endpoint) error {
	id, err := parseLeaseID(session.ID)
	if err != nil {
		return errors.SessionExpired(session.ID).WithCause(err)
	}

	key := b.recordKey(ep)
	resp, err := b.client.Get(ctx, key)
	if err != nil {
		return discovery.Unavailable(Name, err)
	}
	for _, kv := range resp.Kvs {
		if clientv3.LeaseID(kv.Lease) != id {
			continue
		}
		cmp := clientv3.Compare(clientv3.LeaseValue(key), "=", id)
		if _, err := b.client.Txn(ctx).If(cmp).Then(clientv3.OpDelete(key)).Commit(); err != nil {
			return discovery.Unavailable(Name, err)
		}
	}

	ttl, err := b.client.TimeToLive(ctx, id, clientv3.WithAttachedKeys())
	if err != nil {
		return b.leaseError(session.ID, err)
	}
	if ttl.TTL < 0 {
		return errors.SessionExpired(session.ID)
	}
	if len(ttl.Keys) == 0 {
		if _, err := b.client.Revoke(ctx, id); err != nil {
			return b.leaseError(session.ID, err)
		}
	}
	return nil
}

// ListInstances implements discovery.Backend.
func (b *Backend) ListInstances(ctx context.Context, serviceID string) ([]*discovery.Endpoint, error) {
	resp, err := b.client.Get(ctx, b.servicePrefix(serviceID), clientv3.WithPrefix())
	if err != nil {
		return nil, discovery.Unavailable(Name, err)
	}
	out := make([]*discovery.Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec, err := discovery.DecodeRecord(kv.Value)
		if err != nil {
			b.log.Warn("skipping malformed record", map[string]interface{}{
				"key":             string(kv.Key),
				logger.FieldError: err.Error(),
			})
			continue
		}
		out = append(out, rec.Endpoint)
	}
	return out, nil
}

// Watch implements discovery.Watcher. Every batch of events triggers a
// full re-list, so receivers always get the complete membership.
func (b *Backend) Watch(ctx context.Context, serviceID string) (<-chan []*discovery.Endpoint, error) {
	wch := b.client.Watch(clientv3.WithRequireLeader(ctx), b.servicePrefix(serviceID), clientv3.WithPrefix())
	out := make(chan []*discovery.Endpoint, 1)

	go func() {
		defer close(out)
		send := func() bool {
			instances, err := b.ListInstances(ctx, serviceID)
			if err != nil {
				if ctx.Err() == nil {
					b.log.Warn("watch re-list failed", map[string]interface{}{
						logger.FieldServiceID: serviceID,
						logger.FieldError:     err.Error(),
					})
				}
				return ctx.Err() == nil
			}
			select {
			case out <- instances:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-wch:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					b.log.Warn("watch error", map[string]interface{}{
						logger.FieldServiceID: serviceID,
						logger.FieldError:     err.Error(),
					})
					if resp.Canceled {
						return
					}
					continue
				}
				if !send() {
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the etcd client.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) servicePrefix(serviceID string) string {
	return b.prefix + "/" + serviceID + "/"
}

func (b *Backend) recordKey(ep *discovery.Endpoint) string {
	return b.servicePrefix(ep.ServiceID) + ep.Key()
}

func (b *Backend) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.client.Revoke(ctx, id); err != nil {
		b.log.Debug("revoke failed", logger.ErrorFields("revoke", err))
	}
}

func (b *Backend) leaseError(sessionID string, err error) error {
	if isLeaseNotFound(err) {
		return errors.SessionExpired(sessionID).WithCause(err)
	}
	return discovery.Unavailable(Name, err)
}

func isLeaseNotFound(err error) bool {
	return stderrors.Is(err, rpctypes.ErrLeaseNotFound) ||
		strings.Contains(err.Error(), rpctypes.ErrLeaseNotFound.Error())
}

// leaseSeconds rounds ttl up to whole seconds, the granularity of etcd
// leases.
func leaseSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func formatLeaseID(id clientv3.LeaseID) string {
	return strconv.FormatInt(int64(id), 16)
}

func parseLeaseID(s string) (clientv3.LeaseID, error) {
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid lease id %q: %w", s, err)
	}
	return clientv3.LeaseID(v), nil
}

func normalizePrefix(p string) string {
	if p == "" {
		p = "/registrar"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}
