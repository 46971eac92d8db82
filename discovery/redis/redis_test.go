package redis

import (
	"context"
	"testing"
	"time"

	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/errors"
	redistest "github.com/kbukum/registrar/redis/testutil"
	"github.com/kbukum/registrar/testutil"
)

func newTestBackend(t *testing.T) (*Backend, *redistest.Component) {
	t.Helper()
	rc := redistest.NewComponent()
	testutil.T(t).Setup(rc)
	return New(rc.Client(), "test", nil, nil), rc
}

func orders(host string, env string) *discovery.Endpoint {
	ep := discovery.NewEndpoint("http", host, 8080, "orders", nil)
	if env != "" {
		ep.AddParameter(discovery.ParamEnvironment, env)
	}
	return ep
}

func TestBackend_RegisterAndList(t *testing.T) {
	b, rc := newTestBackend(t)
	ctx := context.Background()

	s, err := b.Register(ctx, discovery.Session{TTL: 10 * time.Second}, orders("10.0.0.1", "dev"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if s.ID == "" || s.TTL != 10*time.Second {
		t.Errorf("unexpected session %+v", s)
	}
	if _, err := b.Register(ctx, s, orders("10.0.0.2", "")); err != nil {
		t.Fatalf("Register on existing session failed: %v", err)
	}

	got, err := b.ListInstances(ctx, "orders")
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(got))
	}

	ttl := rc.Mini().TTL("test:svc:orders:ep:http@10.0.0.1:8080")
	if ttl <= 0 || ttl > 10*time.Second {
		t.Errorf("expected record ttl within the session ttl, got %v", ttl)
	}
}

func TestBackend_ExpiryAndRenew(t *testing.T) {
	b, rc := newTestBackend(t)
	ctx := context.Background()

	s, _ := b.Register(ctx, discovery.Session{TTL: 3 * time.Second}, orders("10.0.0.1", ""))

	rc.FastForward(2 * time.Second)
	if err := b.Renew(ctx, s); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	rc.FastForward(2 * time.Second)
	if got, _ := b.ListInstances(ctx, "orders"); len(got) != 1 {
		t.Fatalf("renewed record should survive, got %d", len(got))
	}

	rc.FastForward(4 * time.Second)
	if got, _ := b.ListInstances(ctx, "orders"); len(got) != 0 {
		t.Errorf("expired record should be gone, got %d", len(got))
	}
	if members, _ := rc.Client().SMembers(ctx, "test:svc:orders:members"); len(members) != 0 {
		t.Errorf("expected stale members pruned, got %v", members)
	}

	if err := b.Renew(ctx, s); !errors.Is(err, errors.ErrCodeSessionExpired) {
		t.Errorf("expected SESSION_EXPIRED, got %v", err)
	}
	if got, _ := b.ListInstances(ctx, "orders"); len(got) != 0 {
		t.Errorf("late renew must not recreate records, got %d", len(got))
	}
	if _, err := b.Register(ctx, s, orders("10.0.0.3", "")); !errors.Is(err, errors.ErrCodeSessionExpired) {
		t.Errorf("expected SESSION_EXPIRED registering on an expired session, got %v", err)
	}
}

func TestBackend_DeregisterDestroysEmptySession(t *testing.T) {
	b, rc := newTestBackend(t)
	ctx := context.Background()

	a, c := orders("10.0.0.1", ""), orders("10.0.0.2", "")
	s, _ := b.Register(ctx, discovery.Session{TTL: time.Minute}, a)
	_, _ = b.Register(ctx, s, c)

	if err := b.Deregister(ctx, s, a); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if !rc.Mini().Exists("test:session:" + s.ID) {
		t.Error("session should survive while it owns endpoints")
	}
	if err := b.Deregister(ctx, s, c); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if rc.Mini().Exists("test:session:" + s.ID) {
		t.Error("session should be removed with its last endpoint")
	}
	if got, _ := b.ListInstances(ctx, "orders"); len(got) != 0 {
		t.Errorf("expected no instances, got %d", len(got))
	}
}

func TestBackend_OverwriteMovesOwnership(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	first, _ := b.Register(ctx, discovery.Session{TTL: time.Minute}, orders("10.0.0.1", "dev"))
	second, err := b.Register(ctx, discovery.Session{TTL: time.Minute}, orders("10.0.0.1", "sit"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, _ := b.ListInstances(ctx, "orders")
	if len(got) != 1 || got[0].Environment() != "sit" {
		t.Fatalf("expected one overwritten record, got %v", got)
	}

	// The old owner no longer controls the record.
	if err := b.Deregister(ctx, first, orders("10.0.0.1", "")); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if got, _ := b.ListInstances(ctx, "orders"); len(got) != 1 {
		t.Errorf("record owned by %s should remain, got %d", second.ID, len(got))
	}
}

func TestBackend_InvalidInput(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Register(ctx, discovery.Session{TTL: time.Second}, discovery.NewEndpoint("http", "bad host", 80, "orders", nil)); !errors.Is(err, errors.ErrCodeInvalidEndpoint) {
		t.Errorf("expected INVALID_ENDPOINT, got %v", err)
	}
	if _, err := b.Register(ctx, discovery.Session{}, orders("10.0.0.1", "")); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for zero ttl, got %v", err)
	}
}

func TestBackend_Unavailable(t *testing.T) {
	b, rc := newTestBackend(t)
	rc.Mini().Close()

	_, err := b.ListInstances(context.Background(), "orders")
	if !errors.Is(err, errors.ErrCodeBackendUnavailable) {
		t.Errorf("expected BACKEND_UNAVAILABLE, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("expected unavailable errors to be retryable")
	}
}
