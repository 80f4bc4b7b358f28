package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("test", cfg)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreakerDefaultsApplied(t *testing.T) {
	cb := NewCircuitBreaker("defaults", CircuitBreakerConfig{})
	want := DefaultCircuitBreakerConfig()
	if cb.config != want {
		t.Errorf("config = %+v, want %+v", cb.config, want)
	}
	if cb.Name() != "defaults" {
		t.Errorf("Name() = %q, want defaults", cb.Name())
	}
	if cb.State() != CircuitClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Second})

	for i := 0; i < 3; i++ {
		if cb.State() == CircuitOpen {
			t.Fatalf("circuit opened too early at failure %d", i)
		}
		if !cb.Allow() {
			t.Fatalf("Allow() = false before threshold at failure %d", i)
		}
		cb.RecordFailure()
	}

	if cb.State() != CircuitOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("Allow() = true while open")
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 2})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Errorf("state = %v, want closed: failures are not consecutive", cb.State())
	}
}

func TestCircuitBreakerHalfOpenCycle(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold:    1,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxHalfOpenRequests: 2,
	})

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	clock.Advance(time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state after timeout = %v, want half-open", cb.State())
	}

	if !cb.Allow() || !cb.Allow() {
		t.Fatal("expected two probes to be allowed")
	}
	if cb.Allow() {
		t.Error("third probe should be rejected")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitHalfOpen {
		t.Errorf("state after one success = %v, want half-open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("state after two successes = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerReopensOnProbeFailure(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	cb.RecordFailure()
	clock.Advance(time.Second)

	if !cb.Allow() {
		t.Fatal("probe should be allowed after timeout")
	}
	cb.RecordFailure()

	if cb.State() != CircuitOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("Allow() = true right after reopening")
	}
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 2})

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute(success) = %v", err)
	}

	errBoom := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Errorf("Execute(failure) = %v, want %v", err, errBoom)
		}
	}

	var called bool
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute while open = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("function ran while circuit open")
	}
}

func TestCircuitBreakerExecuteWithContextCancelled(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
		t.Error("function should not run with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("cancellation must not count as failure, state = %v", cb.State())
	}
}

func TestCircuitBreakerForceOpenAndReset(t *testing.T) {
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig())

	cb.ForceOpen()
	if cb.State() != CircuitOpen {
		t.Errorf("state after ForceOpen = %v, want open", cb.State())
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("state after Reset = %v, want closed", cb.State())
	}
	if s := cb.Stats(); s.FailureCount != 0 {
		t.Errorf("FailureCount after Reset = %d, want 0", s.FailureCount)
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1})

	var transitions int32
	var last CircuitState
	cb.OnStateChange(func(from, to CircuitState) {
		atomic.AddInt32(&transitions, 1)
		last = to
	})

	cb.RecordFailure()

	if atomic.LoadInt32(&transitions) != 1 {
		t.Errorf("transitions = %d, want 1", transitions)
	}
	if last != CircuitOpen {
		t.Errorf("last transition to %v, want open", last)
	}
}

func TestCircuitBreakerConcurrency(t *testing.T) {
	cb := NewCircuitBreaker("concurrent", CircuitBreakerConfig{FailureThreshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if cb.Allow() {
					if (i+j)%2 == 0 {
						cb.RecordSuccess()
					} else {
						cb.RecordFailure()
					}
				}
				_ = cb.State()
			}
		}(i)
	}
	wg.Wait()
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
