package bootstrap

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/kbukum/registrar/component"
	"github.com/kbukum/registrar/config"
	"github.com/kbukum/registrar/logger"
)

type testConfig struct {
	config.ServiceConfig
}

// recorder collects lifecycle events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type mockComponent struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
	status   component.HealthStatus
}

func (m *mockComponent) Name() string { return m.name }

func (m *mockComponent) Start(context.Context) error {
	m.rec.add("start:" + m.name)
	return m.startErr
}

func (m *mockComponent) Stop(context.Context) error {
	m.rec.add("stop:" + m.name)
	return m.stopErr
}

func (m *mockComponent) Health(context.Context) component.Health {
	status := m.status
	if status == "" {
		status = component.StatusHealthy
	}
	return component.Health{Name: m.name, Status: status}
}

func (m *mockComponent) Describe() component.Description {
	return component.Description{Type: "test", Details: "mock"}
}

func newTestApp(t *testing.T) (*App[*testConfig], *recorder) {
	t.Helper()
	cfg := &testConfig{ServiceConfig: config.ServiceConfig{Name: "registrar-test", Version: "1.0.0"}}
	app, err := NewApp(cfg, WithLogger(logger.NewNop()), WithGracefulTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	return app, &recorder{}
}

func TestNewApp(t *testing.T) {
	app, _ := newTestApp(t)
	if app.Name != "registrar-test" || app.Version != "1.0.0" {
		t.Errorf("unexpected identity %s/%s", app.Name, app.Version)
	}
	if app.Cfg.Environment != "development" {
		t.Errorf("expected defaults applied, got environment %q", app.Cfg.Environment)
	}
	if app.Components == nil || app.Logger == nil {
		t.Fatal("expected registry and logger")
	}
	if app.gracefulTimeout != time.Second {
		t.Errorf("expected graceful timeout 1s, got %v", app.gracefulTimeout)
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ServiceConfig
	}{
		{"missing name", config.ServiceConfig{}},
		{"bad environment", config.ServiceConfig{Name: "x", Environment: "qa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewApp(&testConfig{ServiceConfig: tt.cfg}, WithLogger(logger.NewNop())); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRegisterComponent_Duplicate(t *testing.T) {
	app, rec := newTestApp(t)
	if err := app.RegisterComponent(&mockComponent{name: "a", rec: rec}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := app.RegisterComponent(&mockComponent{name: "a", rec: rec}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRunTask_LifecycleOrder(t *testing.T) {
	app, rec := newTestApp(t)
	_ = app.RegisterComponent(&mockComponent{name: "redis", rec: rec})
	_ = app.RegisterComponent(&mockComponent{name: "discovery", rec: rec})
	app.OnStart(func(context.Context) error { rec.add("onStart"); return nil })
	app.OnReady(func(context.Context) error { rec.add("onReady"); return nil })
	app.OnStop(func(context.Context) error { rec.add("onStop"); return nil })

	err := app.RunTask(context.Background(), func(context.Context) error {
		rec.add("task")
		return nil
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	want := []string{
		"start:redis", "start:discovery", "onStart", "onReady", "task",
		"onStop", "stop:discovery", "stop:redis",
	}
	got := rec.get()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunTask_TaskErrorWins(t *testing.T) {
	app, rec := newTestApp(t)
	_ = app.RegisterComponent(&mockComponent{name: "a", rec: rec, stopErr: errors.New("stop failed")})

	taskErr := errors.New("task failed")
	err := app.RunTask(context.Background(), func(context.Context) error { return taskErr })
	if !errors.Is(err, taskErr) {
		t.Errorf("expected task error, got %v", err)
	}
}

func TestRunTask_StopErrorReported(t *testing.T) {
	app, rec := newTestApp(t)
	_ = app.RegisterComponent(&mockComponent{name: "a", rec: rec, stopErr: errors.New("stop failed")})

	err := app.RunTask(context.Background(), func(context.Context) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "stop failed") {
		t.Errorf("expected stop error, got %v", err)
	}
}

func TestStartup_ComponentError(t *testing.T) {
	app, rec := newTestApp(t)
	_ = app.RegisterComponent(&mockComponent{name: "a", rec: rec})
	_ = app.RegisterComponent(&mockComponent{name: "b", rec: rec, startErr: errors.New("boom")})

	ran := false
	err := app.RunTask(context.Background(), func(context.Context) error { ran = true; return nil })
	if err == nil {
		t.Fatal("expected startup error")
	}
	if ran {
		t.Error("task should not run after failed startup")
	}
}

func TestStartup_HookErrorStopsComponents(t *testing.T) {
	app, rec := newTestApp(t)
	_ = app.RegisterComponent(&mockComponent{name: "a", rec: rec})
	app.OnStart(func(context.Context) error { return errors.New("hook failed") })

	err := app.RunTask(context.Background(), func(context.Context) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "onStart hook failed") {
		t.Fatalf("expected hook error, got %v", err)
	}
	got := rec.get()
	if len(got) != 2 || got[1] != "stop:a" {
		t.Errorf("expected component stopped after hook failure, got %v", got)
	}
}

func TestReadyCheck(t *testing.T) {
	app, rec := newTestApp(t)
	_ = app.RegisterComponent(&mockComponent{name: "ok", rec: rec})
	if err := app.ReadyCheck(context.Background()); err != nil {
		t.Errorf("expected ready, got %v", err)
	}

	_ = app.RegisterComponent(&mockComponent{name: "bad", rec: rec, status: component.StatusDegraded})
	err := app.ReadyCheck(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad=degraded") {
		t.Errorf("expected degraded component reported, got %v", err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	app, rec := newTestApp(t)
	_ = app.RegisterComponent(&mockComponent{name: "a", rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	app.OnReady(func(context.Context) error { cancel(); return nil })
	go func() { done <- app.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	got := rec.get()
	if len(got) != 2 || got[1] != "stop:a" {
		t.Errorf("expected start then stop, got %v", got)
	}
}

func TestShutdown_CollectsErrors(t *testing.T) {
	app, rec := newTestApp(t)
	_ = app.RegisterComponent(&mockComponent{name: "a", rec: rec, stopErr: errors.New("a")})
	app.OnStop(func(context.Context) error { return errors.New("hook") })
	if err := app.Components.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := app.Shutdown(context.Background())
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("expected 2 errors, got %d (%v)", n, err)
	}
}
