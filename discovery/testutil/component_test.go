package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/kbukum/registrar/component"
	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/errors"
	"github.com/kbukum/registrar/testutil"
)

func TestComponent_Interfaces(t *testing.T) {
	comp := NewComponent()
	var _ component.Component = comp
	var _ testutil.TestComponent = comp
}

func TestComponent_Lifecycle(t *testing.T) {
	comp := NewComponent()
	ctx := context.Background()

	if comp.Backend() != nil {
		t.Error("Backend() should be nil before Start")
	}
	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := comp.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
	if comp.Health(ctx).Status != component.StatusHealthy {
		t.Errorf("Health = %q, want healthy", comp.Health(ctx).Status)
	}
	if err := comp.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if comp.Health(ctx).Status != component.StatusUnhealthy {
		t.Error("expected unhealthy after Stop")
	}
}

func TestComponent_AdvanceExpiresLeases(t *testing.T) {
	comp := NewComponent()
	testutil.T(t).Setup(comp)
	ctx := context.Background()

	ep := discovery.NewEndpoint("http", "10.0.0.1", 8080, "orders", nil)
	if _, err := comp.Backend().Register(ctx, discovery.Session{TTL: 10 * time.Second}, ep); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	comp.Advance(5 * time.Second)
	if got, _ := comp.Backend().ListInstances(ctx, "orders"); len(got) != 1 {
		t.Fatalf("expected 1 instance before expiry, got %d", len(got))
	}
	comp.Advance(5 * time.Second)
	if got, _ := comp.Backend().ListInstances(ctx, "orders"); len(got) != 0 {
		t.Errorf("expected lease expiry to drop the instance, got %d", len(got))
	}
}

func TestComponent_ResetKeepsSeeds(t *testing.T) {
	comp := NewComponent()
	seed := discovery.NewEndpoint("http", "10.0.0.9", 80, "orders", nil)
	if err := comp.AddInstance(seed); err != nil {
		t.Fatalf("AddInstance failed: %v", err)
	}
	testutil.T(t).Setup(comp)
	ctx := context.Background()

	ep := discovery.NewEndpoint("http", "10.0.0.1", 8080, "orders", nil)
	if _, err := comp.Backend().Register(ctx, discovery.Session{TTL: time.Minute}, ep); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	testutil.T(t).Reset(comp)

	got, err := comp.Backend().ListInstances(ctx, "orders")
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(got) != 1 || !got[0].Equal(seed) {
		t.Errorf("expected only the seed after Reset, got %v", got)
	}
}

func TestComponent_SnapshotRestore(t *testing.T) {
	comp := NewComponent()
	testutil.T(t).Setup(comp)
	ctx := context.Background()

	snap := testutil.T(t).Snapshot(comp)
	if err := comp.AddInstance(discovery.NewEndpoint("grpc", "10.0.0.2", 9090, "billing", nil)); err != nil {
		t.Fatalf("AddInstance failed: %v", err)
	}
	testutil.T(t).Restore(comp, snap)

	if got, _ := comp.Backend().ListInstances(ctx, "billing"); len(got) != 0 {
		t.Errorf("expected restore to drop the later seed, got %v", got)
	}
	if err := comp.Restore(ctx, "bogus"); err == nil {
		t.Error("expected error for invalid snapshot type")
	}
}

func TestFaultyBackend(t *testing.T) {
	comp := NewComponent()
	testutil.T(t).Setup(comp)
	ctx := context.Background()

	fb := NewFaultyBackend(comp.Backend())
	injected := errors.SessionExpired("s-1")
	fb.FailNext(OpRenew, 2, injected)

	for i := 0; i < 2; i++ {
		if err := fb.Renew(ctx, discovery.Session{ID: "s-1"}); !errors.Is(err, errors.ErrCodeSessionExpired) {
			t.Errorf("call %d: expected injected error, got %v", i, err)
		}
	}
	if err := fb.Renew(ctx, discovery.Session{ID: "s-1"}); !errors.Is(err, errors.ErrCodeSessionExpired) {
		t.Errorf("expected pass-through to memory backend, got %v", err)
	}
	if fb.Calls(OpRenew) != 3 {
		t.Errorf("expected 3 renew calls, got %d", fb.Calls(OpRenew))
	}

	fb.SetDown(true)
	if _, err := fb.ListInstances(ctx, "orders"); !errors.Is(err, errors.ErrCodeBackendUnavailable) {
		t.Errorf("expected BACKEND_UNAVAILABLE while down, got %v", err)
	}
	fb.SetDown(false)
	if _, err := fb.ListInstances(ctx, "orders"); err != nil {
		t.Errorf("expected success after recovery, got %v", err)
	}
	if _, ok := discovery.AsWatcher(fb); !ok {
		t.Error("expected the memory watcher to be reachable through Unwrap")
	}
}
