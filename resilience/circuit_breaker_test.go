package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestBreaker(maxFailures int, timeout time.Duration) (*CircuitBreaker, *clock.Mock) {
	mock := clock.NewMock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		MaxFailures:      maxFailures,
		Timeout:          timeout,
		HalfOpenMaxCalls: 1,
		Clock:            mock,
	})
	return cb, mock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errors.New("fail") })
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))
	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed, got %s", cb.State())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))

	var called bool
	if err := cb.Execute(func() error { called = true; return nil }); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	trip(cb, 3)

	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen, got %s", cb.State())
	}

	err := cb.Execute(func() error {
		t.Error("function should not have been called")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	trip(cb, 2)
	_ = cb.Execute(func() error { return nil })
	if cb.Failures() != 0 {
		t.Errorf("expected failures reset, got %d", cb.Failures())
	}
	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Errorf("expected still closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_TransitionsToHalfOpenAfterTimeout(t *testing.T) {
	cb, mock := newTestBreaker(1, 5*time.Second)
	trip(cb, 1)

	mock.Add(4 * time.Second)
	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen before timeout, got %s", cb.State())
	}
	mock.Add(time.Second)
	if cb.State() != StateHalfOpen {
		t.Errorf("expected StateHalfOpen, got %s", cb.State())
	}
}

func TestCircuitBreaker_ClosesAfterSuccessInHalfOpen(t *testing.T) {
	cb, mock := newTestBreaker(1, time.Second)
	trip(cb, 1)
	mock.Add(time.Second)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed, got %s", cb.State())
	}
}

func TestCircuitBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	cb, mock := newTestBreaker(1, time.Second)
	trip(cb, 1)
	mock.Add(time.Second)
	trip(cb, 1)

	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, mock := newTestBreaker(1, time.Second)
	trip(cb, 1)
	mock.Add(time.Second)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()

	// Wait until the probe holds the only half-open slot.
	for i := 0; i < 1000; i++ {
		cb.mu.Lock()
		calls := cb.halfOpenCalls
		cb.mu.Unlock()
		if calls == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected second probe to be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("probe failed: %v", err)
	}
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	ignored := errors.New("not a backend fault")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, ignored) },
	})
	_ = cb.Execute(func() error { return ignored })
	if cb.State() != StateClosed {
		t.Errorf("expected ignored error to keep circuit closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	mock := clock.NewMock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "etcd",
		MaxFailures: 1,
		Timeout:     time.Second,
		Clock:       mock,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	trip(cb, 1)
	mock.Add(time.Second)
	_ = cb.Execute(func() error { return nil })

	want := []string{"etcd:closed->open", "etcd:open->half-open", "etcd:half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	trip(cb, 1)
	cb.Reset()
	if cb.State() != StateClosed || cb.Failures() != 0 {
		t.Errorf("expected closed with no failures, got %s/%d", cb.State(), cb.Failures())
	}
}

func TestState_String(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" ||
		StateHalfOpen.String() != "half-open" || State(42).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
