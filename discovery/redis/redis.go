// Package redis is a registry backend on Redis. A session is a key with a
// PX TTL; every endpoint record carries the same TTL and is kept alive by
// PEXPIRE, so a late renewal never recreates a removed record.
//
// Keys, for prefix p:
//
//	p:session:<id>              session marker
//	p:session:<id>:endpoints    set of "<service>|<endpoint key>" owned by the session
//	p:svc:<service>:ep:<key>    JSON record of one endpoint
//	p:svc:<service>:members     set of endpoint keys, pruned lazily on list
package redis

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/logger"
	"github.com/kbukum/registrar/redis"
)

// Name is the provider name.
const Name = "redis"

func init() {
	discovery.RegisterProviderFactory(Name, func(cfg discovery.Config, log *logger.Logger, clk clock.Clock) (discovery.Backend, error) {
		rc := cfg.Redis.Config
		rc.Enabled = true
		client, err := redis.New(rc, log)
		if err != nil {
			return nil, err
		}
		return New(client, cfg.Redis.KeyPrefix, log, clk), nil
	})
}

// Backend stores sessions and endpoints in Redis.
type Backend struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
	clk    clock.Clock
}

var _ discovery.Backend = (*Backend)(nil)

// New creates a backend over client. The backend owns client and closes it.
func New(client *redis.Client, prefix string, log *logger.Logger, clk clock.Clock) *Backend {
	if prefix == "" {
		prefix = "registrar"
	}
	if log == nil {
		log = logger.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Backend{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		log:    log.WithComponent("discovery.redis"),
		clk:    clk,
	}
}

// Name implements discovery.Backend.
func (b *Backend) Name() string { return Name }

func (b *Backend) sessionKey(id string) string { return b.prefix + ":session:" + id }

func (b *Backend) sessionSetKey(id string) string { return b.sessionKey(id) + ":endpoints" }

func (b *Backend) recordKey(serviceID, key string) string {
	return b.prefix + ":svc:" + serviceID + ":ep:" + key
}

func (b *Backend) membersKey(serviceID string) string {
	return b.prefix + ":svc:" + serviceID + ":members"
}

func member(ep *discovery.Endpoint) string { return ep.ServiceID + "|" + ep.Key() }

func splitMember(m string) (serviceID, key string, ok bool) {
	return strings.Cut(m, "|")
}

// Register implements discovery.Backend.
func (b *Backend) Register(ctx context.Context, session discovery.Session, ep *discovery.Endpoint) (discovery.Session, error) {
	if err := ep.Validate(); err != nil {
		return discovery.Session{}, err
	}

	ttl := session.TTL
	if session.IsZero() {
		if ttl <= 0 {
			return discovery.Session{}, errors.InvalidInput("ttl", "session ttl must be positive")
		}
		session.ID = uuid.NewString()
		if err := b.client.Set(ctx, b.sessionKey(session.ID), ttl.Milliseconds(), ttl); err != nil {
			return discovery.Session{}, b.unavailable(err)
		}
	} else {
		remaining, err := b.client.PTTL(ctx, b.sessionKey(session.ID))
		if err != nil {
			return discovery.Session{}, b.unavailable(err)
		}
		if remaining <= 0 {
			return discovery.Session{}, errors.SessionExpired(session.ID)
		}
		ttl = remaining
	}

	recordKey := b.recordKey(ep.ServiceID, ep.Key())
	if prev, err := b.readRecord(ctx, recordKey); err == nil && prev.SessionID != session.ID {
		_ = b.client.SRem(ctx, b.sessionSetKey(prev.SessionID), member(ep))
	}

	data, err := discovery.EncodeRecord(discovery.Record{
		Endpoint:     ep,
		SessionID:    session.ID,
		RegisteredAt: b.clk.Now(),
	})
	if err != nil {
		return discovery.Session{}, err
	}

	_, err = b.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, recordKey, data, ttl)
		p.SAdd(ctx, b.sessionSetKey(session.ID), member(ep))
		p.PExpire(ctx, b.sessionSetKey(session.ID), ttl)
		p.SAdd(ctx, b.membersKey(ep.ServiceID), ep.Key())
		return nil
	})
	if err != nil {
		return discovery.Session{}, b.unavailable(err)
	}
	if session.TTL <= 0 {
		session.TTL = ttl
	}
	return session, nil
}

// Renew implements discovery.Backend.
func (b *Backend) Renew(ctx context.Context, session discovery.Session) error {
	if session.TTL <= 0 {
		return errors.InvalidInput("ttl", "session ttl must be positive")
	}
	ok, err := b.client.PExpire(ctx, b.sessionKey(session.ID), session.TTL)
	if err != nil {
		return b.unavailable(err)
	}
	if !ok {
		return errors.SessionExpired(session.ID)
	}

	members, err := b.client.SMembers(ctx, b.sessionSetKey(session.ID))
	if err != nil {
		return b.unavailable(err)
	}
	_, err = b.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.PExpire(ctx, b.sessionSetKey(session.ID), session.TTL)
		for _, m := range members {
			if serviceID, key, ok := splitMember(m); ok {
				p.PExpire(ctx, b.recordKey(serviceID, key), session.TTL)
			}
		}
		return nil
	})
	if err != nil {
		return b.unavailable(err)
	}
	return nil
}

// Deregister implements discovery.Backend.
func (b *Backend) Deregister(ctx context.Context, session discovery.Session, ep *discovery.Endpoint) error {
	recordKey := b.recordKey(ep.ServiceID, ep.Key())
	rec, err := b.readRecord(ctx, recordKey)
	if err != nil && !stderrors.Is(err, redis.Nil) && !errors.Is(err, errors.ErrCodeInvalidEndpoint) {
		return b.unavailable(err)
	}
	if err == nil && rec.SessionID == session.ID {
		if err := b.client.Del(ctx, recordKey); err != nil {
			return b.unavailable(err)
		}
		if err := b.client.SRem(ctx, b.membersKey(ep.ServiceID), ep.Key()); err != nil {
			return b.unavailable(err)
		}
	}

	if err := b.client.SRem(ctx, b.sessionSetKey(session.ID), member(ep)); err != nil {
		return b.unavailable(err)
	}
	left, err := b.client.SCard(ctx, b.sessionSetKey(session.ID))
	if err != nil {
		return b.unavailable(err)
	}
	if left > 0 {
		return nil
	}

	alive, err := b.client.Exists(ctx, b.sessionKey(session.ID))
	if err != nil {
		return b.unavailable(err)
	}
	if err := b.client.Del(ctx, b.sessionKey(session.ID), b.sessionSetKey(session.ID)); err != nil {
		return b.unavailable(err)
	}
	if alive == 0 {
		return errors.SessionExpired(session.ID)
	}
	return nil
}

// ListInstances implements discovery.Backend. Member entries whose record
// has expired are removed.
func (b *Backend) ListInstances(ctx context.Context, serviceID string) ([]*discovery.Endpoint, error) {
	keys, err := b.client.SMembers(ctx, b.membersKey(serviceID))
	if err != nil {
		return nil, b.unavailable(err)
	}
	if len(keys) == 0 {
		return []*discovery.Endpoint{}, nil
	}

	recordKeys := make([]string, len(keys))
	for i, k := range keys {
		recordKeys[i] = b.recordKey(serviceID, k)
	}
	values, err := b.client.MGet(ctx, recordKeys...)
	if err != nil {
		return nil, b.unavailable(err)
	}

	out := make([]*discovery.Endpoint, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		rec, err := discovery.DecodeRecord([]byte(s))
		if err != nil {
			b.log.Warn("skipping malformed record", map[string]interface{}{
				"key":             recordKeys[i],
				logger.FieldError: err.Error(),
			})
			continue
		}
		out = append(out, rec.Endpoint)
	}
	if len(stale) > 0 {
		if err := b.client.SRem(ctx, b.membersKey(serviceID), stale...); err != nil {
			b.log.Debug("prune failed", logger.ErrorFields("prune", err))
		}
	}
	return out, nil
}

// Close closes the Redis client.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) readRecord(ctx context.Context, key string) (discovery.Record, error) {
	raw, err := b.client.Get(ctx, key)
	if err != nil {
		return discovery.Record{}, err
	}
	return discovery.DecodeRecord([]byte(raw))
}

func (b *Backend) unavailable(err error) error {
	return discovery.Unavailable(Name, err)
}
