package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-i2p/objpool/lib/pool"
)

func TestGuardFactoryOpensOnCreateFailures(t *testing.T) {
	var attempts int32
	errDial := errors.New("dial tcp: connection refused")
	inner := pool.Funcs[*int]{
		CreateFunc: func(ctx context.Context) (*int, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errDial
		},
	}

	cb := NewCircuitBreaker("dial", CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour})
	cfg := pool.DefaultConfig()
	cfg.MaxSize = 1
	p, err := pool.New(GuardFactory[*int](inner, cb), cfg)
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}
	defer p.Close()

	for i := 0; i < 2; i++ {
		if _, err := p.Borrow(context.Background()); !errors.Is(err, errDial) {
			t.Fatalf("Borrow %d error = %v, want %v", i, err, errDial)
		}
	}

	_, err = p.Borrow(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Borrow with open circuit = %v, want ErrCircuitOpen", err)
	}
	if !errors.Is(err, pool.ErrCreateFailed) {
		t.Errorf("Borrow with open circuit = %v, want ErrCreateFailed", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("factory called %d times, want 2", n)
	}
}

func TestGuardFactoryKeepsValidator(t *testing.T) {
	inner := pool.Funcs[*int]{
		CreateFunc: func(ctx context.Context) (*int, error) { return new(int), nil },
		ValidFunc:  func(r *int) bool { return *r == 0 },
	}
	g := GuardFactory[*int](inner, NewCircuitBreaker("valid", DefaultCircuitBreakerConfig()))

	v, ok := g.(pool.Validator[*int])
	if !ok {
		t.Fatal("guarded factory dropped the Validator")
	}

	r, err := g.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !v.IsValid(r) {
		t.Error("fresh resource should be valid")
	}
	*r = 1
	if v.IsValid(r) {
		t.Error("mutated resource should be invalid")
	}
	if err := g.Destroy(r); err != nil {
		t.Errorf("Destroy() error = %v", err)
	}
}

type plainFactory struct{}

func (plainFactory) Create(ctx context.Context) (string, error) { return "x", nil }
func (plainFactory) Destroy(string) error { return nil }

func TestGuardFactoryWithoutValidator(t *testing.T) {
	g := GuardFactory[string](plainFactory{}, NewCircuitBreaker("plain", DefaultCircuitBreakerConfig()))
	if _, ok := g.(pool.Validator[string]); ok {
		t.Error("guarded factory should not invent a Validator")
	}
}
