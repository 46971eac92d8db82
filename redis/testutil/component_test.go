package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/kbukum/registrar/component"
	"github.com/kbukum/registrar/redis"
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

	if comp.Client() != nil {
		t.Error("Client() should be nil before Start")
	}
	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := comp.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
	if comp.Client() == nil {
		t.Fatal("Client() should not be nil after Start")
	}
	if err := comp.Client().Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	health := comp.Health(ctx)
	if health.Status != component.StatusHealthy {
		t.Errorf("Health Status = %q, want %q", health.Status, component.StatusHealthy)
	}

	if err := comp.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if comp.Health(ctx).Status != component.StatusUnhealthy {
		t.Error("expected unhealthy after Stop")
	}
}

func TestComponent_FastForwardExpiresKeys(t *testing.T) {
	comp := NewComponent()
	testutil.T(t).Setup(comp)
	ctx := context.Background()

	if err := comp.Client().Set(ctx, "lease", "1", 10*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	comp.FastForward(5 * time.Second)
	if ok, err := comp.Client().PExpire(ctx, "lease", 10*time.Second); err != nil || !ok {
		t.Fatalf("PExpire on live key = %v, %v", ok, err)
	}
	comp.FastForward(11 * time.Second)

	if _, err := comp.Client().Get(ctx, "lease"); err != redis.Nil {
		t.Errorf("expected redis.Nil after expiry, got %v", err)
	}
	ok, err := comp.Client().PExpire(ctx, "lease", 10*time.Second)
	if err != nil || ok {
		t.Errorf("PExpire on missing key = %v, %v; want false", ok, err)
	}
}

func TestComponent_ResetFlushes(t *testing.T) {
	comp := NewComponent()
	h := testutil.T(t)
	h.Setup(comp)
	ctx := context.Background()

	_ = comp.Client().Set(ctx, "key1", "value1", 0)
	h.Reset(comp)

	if _, err := comp.Client().Get(ctx, "key1"); err == nil {
		t.Error("Get after Reset should fail")
	}
}

func TestComponent_SnapshotRestore(t *testing.T) {
	comp := NewComponent()
	h := testutil.T(t)
	h.Setup(comp)
	ctx := context.Background()
	rdb := comp.Client().Unwrap()

	_ = comp.Client().Set(ctx, "a", "1", 0)
	_ = comp.Client().Set(ctx, "b", "2", time.Minute)
	rdb.SAdd(ctx, "members", "x", "y")

	snap := h.Snapshot(comp)

	_ = comp.Client().Set(ctx, "c", "3", 0)
	_ = comp.Client().Del(ctx, "a", "members")

	h.Restore(comp, snap)

	if val, _ := comp.Client().Get(ctx, "a"); val != "1" {
		t.Errorf("key 'a' = %q, want %q", val, "1")
	}
	if ttl := comp.Mini().TTL("b"); ttl != time.Minute {
		t.Errorf("key 'b' ttl = %v, want 1m", ttl)
	}
	members, err := comp.Client().SMembers(ctx, "members")
	if err != nil || len(members) != 2 {
		t.Errorf("set members = %v, %v", members, err)
	}
	if _, err := comp.Client().Get(ctx, "c"); err == nil {
		t.Error("key 'c' should not exist after Restore")
	}
}

func TestComponent_RestoreRejectsForeignSnapshot(t *testing.T) {
	comp := NewComponent()
	testutil.T(t).Setup(comp)
	if err := comp.Restore(context.Background(), map[string]string{}); err == nil {
		t.Error("expected error for wrong snapshot type")
	}
}
