package resilience

import (
	"context"

	"github.com/go-i2p/objpool/lib/pool"
)

// guardedFactory runs Create through a circuit breaker.
type guardedFactory[T any] struct {
	inner pool.Factory[T]
	cb    *CircuitBreaker
}

// GuardFactory wraps f so that Create is rejected with ErrCircuitOpen while
// cb is open. Destroy is passed through untouched. If f implements
// pool.Validator the returned factory does too.
func GuardFactory[T any](f pool.Factory[T], cb *CircuitBreaker) pool.Factory[T] {
	g := &guardedFactory[T]{inner: f, cb: cb}
	if v, ok := f.(pool.Validator[T]); ok {
		return &guardedValidatingFactory[T]{guardedFactory: g, v: v}
	}
	return g
}

func (g *guardedFactory[T]) Create(ctx context.Context) (T, error) {
	var r T
	err := g.cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var err error
		r, err = g.inner.Create(ctx)
		return err
	})
	return r, err
}

func (g *guardedFactory[T]) Destroy(r T) error {
	return g.inner.Destroy(r)
}

type guardedValidatingFactory[T any] struct {
	*guardedFactory[T]
	v pool.Validator[T]
}

func (g *guardedValidatingFactory[T]) IsValid(r T) bool {
	return g.v.IsValid(r)
}
