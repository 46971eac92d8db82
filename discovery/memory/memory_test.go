package memory

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/errors"
)

func newTestBackend(t *testing.T) (*Backend, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	b := New(clk, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b, clk
}

func ep(host string, port int, env string) *discovery.Endpoint {
	e := discovery.NewEndpoint("http", host, port, "orders", nil)
	if env != "" {
		e.AddParameter(discovery.ParamEnvironment, env)
	}
	return e
}

func TestBackend_RegisterCreatesSession(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	s, err := b.Register(ctx, discovery.Session{TTL: time.Second}, ep("10.0.0.1", 80, ""))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if s.ID == "" || s.TTL != time.Second {
		t.Errorf("unexpected session %+v", s)
	}
	if b.Sessions() != 1 {
		t.Errorf("expected 1 session, got %d", b.Sessions())
	}

	if _, err := b.Register(ctx, s, ep("10.0.0.2", 80, "")); err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
	got, _ := b.ListInstances(ctx, "orders")
	if len(got) != 2 {
		t.Errorf("expected 2 instances, got %d", len(got))
	}
	if b.Sessions() != 1 {
		t.Errorf("expected session reuse, got %d sessions", b.Sessions())
	}
}

func TestBackend_RegisterSameIdentityOverwrites(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	s, _ := b.Register(ctx, discovery.Session{TTL: time.Minute}, ep("10.0.0.1", 80, "dev"))
	if _, err := b.Register(ctx, s, ep("10.0.0.1", 80, "sit")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, _ := b.ListInstances(ctx, "orders")
	if len(got) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(got))
	}
	if got[0].Environment() != "sit" {
		t.Errorf("expected parameters replaced, got %q", got[0].Environment())
	}
}

func TestBackend_RejectsInvalidInput(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Register(ctx, discovery.Session{TTL: time.Second}, discovery.NewEndpoint("http", "", 0, "orders", nil))
	if !errors.Is(err, errors.ErrCodeInvalidEndpoint) {
		t.Errorf("expected INVALID_ENDPOINT, got %v", err)
	}
	_, err = b.Register(ctx, discovery.Session{}, ep("10.0.0.1", 80, ""))
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for zero ttl, got %v", err)
	}
	_, err = b.Register(ctx, discovery.Session{ID: "missing", TTL: time.Second}, ep("10.0.0.1", 80, ""))
	if !errors.Is(err, errors.ErrCodeSessionExpired) {
		t.Errorf("expected SESSION_EXPIRED for unknown session, got %v", err)
	}
}

func TestBackend_LeaseExpiry(t *testing.T) {
	b, clk := newTestBackend(t)
	ctx := context.Background()

	s, _ := b.Register(ctx, discovery.Session{TTL: 3 * time.Second}, ep("10.0.0.1", 80, ""))

	clk.Add(2 * time.Second)
	if err := b.Renew(ctx, s); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	clk.Add(2 * time.Second)
	if got, _ := b.ListInstances(ctx, "orders"); len(got) != 1 {
		t.Fatalf("renewed lease should keep the instance, got %d", len(got))
	}

	clk.Add(2 * time.Second)
	if got, _ := b.ListInstances(ctx, "orders"); len(got) != 0 {
		t.Errorf("expired lease should drop the instance, got %d", len(got))
	}
	if err := b.Renew(ctx, s); !errors.Is(err, errors.ErrCodeSessionExpired) {
		t.Errorf("expected SESSION_EXPIRED after expiry, got %v", err)
	}
}

func TestBackend_DeregisterLastDestroysSession(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	a, c := ep("10.0.0.1", 80, ""), ep("10.0.0.2", 80, "")
	s, _ := b.Register(ctx, discovery.Session{TTL: time.Minute}, a)
	_, _ = b.Register(ctx, s, c)

	if err := b.Deregister(ctx, s, a); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if b.Sessions() != 1 {
		t.Errorf("session should survive while it holds endpoints")
	}
	if err := b.Deregister(ctx, s, c); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if b.Sessions() != 0 {
		t.Errorf("session should be destroyed with its last endpoint")
	}
	if got, _ := b.ListInstances(ctx, "orders"); len(got) != 0 {
		t.Errorf("expected no instances, got %d", len(got))
	}
}

func TestBackend_SeedNeverExpires(t *testing.T) {
	b, clk := newTestBackend(t)
	ctx := context.Background()

	if err := b.Seed(ep("10.0.0.9", 80, "dev")); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	clk.Add(time.Hour)
	if got, _ := b.ListInstances(ctx, "orders"); len(got) != 1 {
		t.Errorf("expected seeded instance to stay, got %d", len(got))
	}
}

func TestBackend_Watch(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Watch(ctx, "orders")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if first := <-ch; len(first) != 0 {
		t.Errorf("expected empty initial list, got %d", len(first))
	}

	if _, err := b.Register(ctx, discovery.Session{TTL: time.Minute}, ep("10.0.0.1", 80, "")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	select {
	case got := <-ch:
		if len(got) != 1 {
			t.Errorf("expected 1 instance in update, got %d", len(got))
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update after Register")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A pending update may still be buffered; the next read must see the close.
			if _, ok := <-ch; ok {
				t.Error("expected channel to close after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestBackend_Closed(t *testing.T) {
	b, _ := newTestBackend(t)
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	_, err := b.ListInstances(context.Background(), "orders")
	if !errors.Is(err, errors.ErrCodeBackendUnavailable) {
		t.Errorf("expected BACKEND_UNAVAILABLE after Close, got %v", err)
	}
}

func TestFactory_SeedsStaticEndpoints(t *testing.T) {
	cfg := discovery.Config{
		Provider: Name,
		StaticEndpoints: []discovery.StaticEndpoint{
			{URL: "http://10.0.0.5:8080?environment=dev", ServiceID: "orders"},
			{ServiceID: "orders", Protocol: "grpc", Host: "10.0.0.6", Port: 9090},
		},
	}
	b, err := discovery.NewBackend(cfg, nil, clock.NewMock())
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	defer b.Close()

	got, err := b.ListInstances(context.Background(), "orders")
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 seeded instances, got %d", len(got))
	}
}
