package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/objpool/lib/metrics"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool: pool is closed")
	// ErrPoolExhausted is returned when no resource became available within WaitMax.
	ErrPoolExhausted = errors.New("pool: resource pool exhausted")
	// ErrCreateFailed wraps errors returned by Factory.Create.
	ErrCreateFailed = errors.New("pool: resource creation failed")
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("pool: invalid configuration")

	errZeroResource = errors.New("factory returned the zero value")
)

// Factory creates and destroys the resources managed by a Pool.
type Factory[T any] interface {
	// Create opens a new resource. Errors are returned to the borrower.
	Create(ctx context.Context) (T, error)
	// Destroy tears a resource down. Errors are logged and never surfaced.
	Destroy(resource T) error
}

// Validator is implemented by factories that can detect stale resources.
// Without it every idle resource is considered valid.
type Validator[T any] interface {
	IsValid(resource T) bool
}

// Funcs adapts plain functions to Factory and Validator.
type Funcs[T any] struct {
	CreateFunc  func(ctx context.Context) (T, error)
	DestroyFunc func(resource T) error
	// ValidFunc is optional.
	ValidFunc func(resource T) bool
}

// Create calls CreateFunc.
func (f Funcs[T]) Create(ctx context.Context) (T, error) {
	return f.CreateFunc(ctx)
}

// Destroy calls DestroyFunc if set.
func (f Funcs[T]) Destroy(resource T) error {
	if f.DestroyFunc == nil {
		return nil
	}
	return f.DestroyFunc(resource)
}

// IsValid calls ValidFunc if set.
func (f Funcs[T]) IsValid(resource T) bool {
	if f.ValidFunc == nil {
		return true
	}
	return f.ValidFunc(resource)
}

// Config configures the pool.
type Config struct {
	// Name identifies the pool in log output.
	Name string
	// MaxSize is the maximum number of simultaneously opened resources.
	// Default: 10
	MaxSize int
	// WaitMax is how long Borrow waits once MaxSize is reached.
	// Zero means Borrow fails immediately when the pool is exhausted.
	// Default: 1 second
	WaitMax time.Duration
	// MaxEvictions is the number of invalid idle resources a single Borrow
	// evicts before it stops taking from the idle queue.
	// Default: MaxSize
	MaxEvictions int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:    "default",
		MaxSize: 10,
		WaitMax: time.Second,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidConfig, c.MaxSize)
	}
	if c.WaitMax < 0 {
		return fmt.Errorf("%w: wait max must not be negative, got %s", ErrInvalidConfig, c.WaitMax)
	}
	if c.MaxEvictions < 0 {
		return fmt.Errorf("%w: max evictions must not be negative, got %d", ErrInvalidConfig, c.MaxEvictions)
	}
	return nil
}

// Pool is a bounded blocking pool of resources of type T.
//
// The roster of opened resources is guarded by mu. Idle resources live in a
// buffered channel of capacity MaxSize that is used without mu, so Release
// never contends with creation or Close.
type Pool[T comparable] struct {
	factory   Factory[T]
	validator Validator[T]
	config    Config

	mu      sync.Mutex
	opened  []T
	pending int

	available chan T
	freed     chan struct{}
	done      chan struct{}
	closed    atomic.Bool

	// Metrics
	acquireCount    uint64
	acquireSuccess  uint64
	acquireFailed   uint64
	exhaustedCount  uint64
	releaseCount    uint64
	createdCount    uint64
	destroyedCount  uint64
	destroyFailures uint64
	evictedCount    uint64
}

// New creates a pool that manages resources produced by factory.
// If factory also implements Validator, idle resources are checked before reuse.
func New[T comparable](factory Factory[T], cfg Config) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: factory is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxEvictions == 0 {
		cfg.MaxEvictions = cfg.MaxSize
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	p := &Pool[T]{
		factory:   factory,
		config:    cfg,
		opened:    make([]T, 0, cfg.MaxSize),
		available: make(chan T, cfg.MaxSize),
		freed:     make(chan struct{}, cfg.MaxSize),
		done:      make(chan struct{}),
	}
	if v, ok := factory.(Validator[T]); ok {
		p.validator = v
	}

	PoolResourcesTotal.Set(int64(cfg.MaxSize))
	log.WithField("pool", cfg.Name).WithField("maxSize", cfg.MaxSize).WithField("waitMax", cfg.WaitMax).Debug("pool created")
	return p, nil
}

// Borrow takes a resource from the pool, creating one if the pool is below
// MaxSize. When the bound is reached it waits up to WaitMax for a resource
// to be released and then fails with ErrPoolExhausted.
//
// If ctx ends before WaitMax elapses the returned error wraps both
// ErrPoolExhausted and ctx.Err().
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	atomic.AddUint64(&p.acquireCount, 1)
	PoolAcquireTotal.Inc()
	timer := metrics.NewTimer(PoolAcquireLatency)
	defer timer.ObserveDuration()

	r, err := p.borrow(ctx)
	if err != nil {
		atomic.AddUint64(&p.acquireFailed, 1)
		PoolAcquireFailedTotal.Inc()
		return r, err
	}
	atomic.AddUint64(&p.acquireSuccess, 1)
	PoolAcquireSuccessTotal.Inc()
	return r, nil
}

func (p *Pool[T]) borrow(ctx context.Context) (T, error) {
	var zero T
	deadline := time.Now().Add(p.config.WaitMax)
	evictions := 0

	for {
		if p.closed.Load() {
			return zero, ErrPoolClosed
		}

		if evictions < p.config.MaxEvictions {
			select {
			case r := <-p.available:
				if !p.valid(r) {
					p.evict(r)
					evictions++
					continue
				}
				log.WithField("pool", p.config.Name).Debug("borrowed idle resource")
				return r, nil
			default:
			}
		}

		r, created, err := p.open(ctx)
		if err != nil {
			return zero, err
		}
		if created {
			return r, nil
		}

		r, err = p.wait(ctx, deadline)
		if err != nil {
			return zero, err
		}
		if r == zero {
			// a slot was freed; go back and try to create
			continue
		}
		if !p.valid(r) {
			p.evict(r)
			evictions++
			continue
		}
		return r, nil
	}
}

// open creates a new resource if the bound allows it. created is false when
// the pool is at MaxSize.
func (p *Pool[T]) open(ctx context.Context) (r T, created bool, err error) {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return r, false, ErrPoolClosed
	}
	if len(p.opened)+p.pending >= p.config.MaxSize {
		p.mu.Unlock()
		return r, false, nil
	}
	p.pending++
	p.mu.Unlock()

	r, err = p.factory.Create(ctx)
	var zero T
	if err == nil && r == zero {
		err = errZeroResource
	}

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		p.signalFreed()
		log.WithError(err).WithField("pool", p.config.Name).Debug("failed to create resource")
		return r, false, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
	if p.closed.Load() {
		p.mu.Unlock()
		p.destroy(r)
		return r, false, ErrPoolClosed
	}
	p.opened = append(p.opened, r)
	p.mu.Unlock()

	atomic.AddUint64(&p.createdCount, 1)
	PoolCreatedTotal.Inc()
	log.WithField("pool", p.config.Name).Debug("created new resource")
	return r, true, nil
}

// wait blocks until a resource is released, a slot is freed, the pool is
// closed or the deadline passes. A zero resource with a nil error means a
// slot was freed.
func (p *Pool[T]) wait(ctx context.Context, deadline time.Time) (T, error) {
	var zero T
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return zero, p.exhausted(nil)
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	log.WithField("pool", p.config.Name).Debug("waiting for available resource")
	select {
	case r := <-p.available:
		return r, nil
	case <-p.freed:
		return zero, nil
	case <-p.done:
		return zero, ErrPoolClosed
	case <-timer.C:
		return zero, p.exhausted(nil)
	case <-ctx.Done():
		return zero, p.exhausted(ctx.Err())
	}
}

func (p *Pool[T]) exhausted(cause error) error {
	atomic.AddUint64(&p.exhaustedCount, 1)
	PoolExhaustedTotal.Inc()
	if cause != nil {
		log.WithError(cause).WithField("pool", p.config.Name).Debug("borrow abandoned while pool exhausted")
		return fmt.Errorf("%w: %w", ErrPoolExhausted, cause)
	}
	log.WithField("pool", p.config.Name).WithField("maxSize", p.config.MaxSize).WithField("waitMax", p.config.WaitMax).Warn("pool exhausted")
	return ErrPoolExhausted
}

func (p *Pool[T]) valid(r T) bool {
	if p.validator == nil {
		return true
	}
	return p.validator.IsValid(r)
}

// evict removes an invalid resource from the roster and destroys it.
func (p *Pool[T]) evict(r T) {
	atomic.AddUint64(&p.evictedCount, 1)
	PoolEvictedTotal.Inc()
	log.WithField("pool", p.config.Name).Debug("evicting invalid resource")
	if p.remove(r) {
		p.destroy(r)
		p.signalFreed()
	}
}

// remove deletes r from the roster. It reports false if r was not opened
// by this pool or was already destroyed by Close.
func (p *Pool[T]) remove(r T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, o := range p.opened {
		if o == r {
			last := len(p.opened) - 1
			p.opened[i] = p.opened[last]
			var zero T
			p.opened[last] = zero
			p.opened = p.opened[:last]
			return true
		}
	}
	return false
}

// destroy tears r down, logging and counting failures.
func (p *Pool[T]) destroy(r T) {
	if err := p.factory.Destroy(r); err != nil {
		atomic.AddUint64(&p.destroyFailures, 1)
		PoolDestroyFailuresTotal.Inc()
		log.WithError(err).WithField("pool", p.config.Name).Warn("failed to destroy resource")
		return
	}
	atomic.AddUint64(&p.destroyedCount, 1)
	PoolDestroyedTotal.Inc()
}

func (p *Pool[T]) signalFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Release returns a borrowed resource to the idle queue. Releasing the zero
// value is a no-op. Resources released after Close are dropped; Close has
// already destroyed them.
func (p *Pool[T]) Release(r T) {
	var zero T
	if r == zero {
		return
	}

	atomic.AddUint64(&p.releaseCount, 1)
	PoolReleaseTotal.Inc()

	if p.closed.Load() {
		log.WithField("pool", p.config.Name).Debug("pool closed, dropping released resource")
		return
	}

	select {
	case p.available <- r:
	default:
		log.WithField("pool", p.config.Name).Warn("idle queue full, dropping released resource")
		return
	}

	// Close may have drained the queue between the check above and the send.
	if p.closed.Load() {
		p.drainIdle()
	}
}

// Discard destroys a borrowed resource instead of returning it, freeing its
// slot for a new one. Use it when the resource is known to be broken.
func (p *Pool[T]) Discard(r T) {
	var zero T
	if r == zero {
		return
	}
	log.WithField("pool", p.config.Name).Debug("discarding resource")
	if p.remove(r) {
		p.destroy(r)
		p.signalFreed()
	}
}

// Execute borrows a resource, passes it to fn and always releases it
// afterwards, even if fn returns an error or panics.
func (p *Pool[T]) Execute(ctx context.Context, fn func(T) error) error {
	r, err := p.Borrow(ctx)
	if err != nil {
		return err
	}
	defer p.Release(r)
	return fn(r)
}

// Execute borrows a resource from p, passes it to fn and always releases it
// afterwards. The result of fn is returned unchanged.
func Execute[T comparable, R any](ctx context.Context, p *Pool[T], fn func(T) (R, error)) (R, error) {
	r, err := p.Borrow(ctx)
	if err != nil {
		var zero R
		return zero, err
	}
	defer p.Release(r)
	return fn(r)
}

// Close closes the pool and destroys every opened resource, including those
// currently borrowed. Destroy errors are logged, never returned.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.closed.Store(true)
	close(p.done)

	n := len(p.opened)
	for _, r := range p.opened {
		p.destroy(r)
	}
	p.opened = nil
	p.drainIdle()

	log.WithField("pool", p.config.Name).WithField("destroyed", n).Debug("pool closed")
	return nil
}

func (p *Pool[T]) drainIdle() {
	for {
		select {
		case <-p.available:
		default:
			return
		}
	}
}

// Closed reports whether Close has been called.
func (p *Pool[T]) Closed() bool {
	return p.closed.Load()
}

// AvailableCount returns the number of idle resources. It is a snapshot
// taken without locking.
func (p *Pool[T]) AvailableCount() int {
	return len(p.available)
}

// OpenedCount returns the number of created and not yet destroyed resources.
func (p *Pool[T]) OpenedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened)
}

// Config returns the effective pool configuration.
func (p *Pool[T]) Config() Config {
	return p.config
}

// Stats holds pool statistics.
type Stats struct {
	// Name is the pool name.
	Name string
	// MaxSize is the maximum pool size.
	MaxSize int
	// NumOpen is the current number of opened resources.
	NumOpen int
	// NumIdle is the current number of idle resources.
	NumIdle int
	// NumInUse is the number of resources currently borrowed.
	NumInUse int
	// AcquireCount is the total number of borrow attempts.
	AcquireCount uint64
	// AcquireSuccess is the number of successful borrows.
	AcquireSuccess uint64
	// AcquireFailed is the number of failed borrows.
	AcquireFailed uint64
	// ExhaustedCount is the number of borrows that gave up waiting.
	ExhaustedCount uint64
	// ReleaseCount is the number of releases.
	ReleaseCount uint64
	// Created is the number of resources created.
	Created uint64
	// Destroyed is the number of resources destroyed successfully.
	Destroyed uint64
	// DestroyFailures is the number of Destroy calls that returned an error.
	DestroyFailures uint64
	// Evicted is the number of idle resources that failed validation.
	Evicted uint64
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	open := len(p.opened)
	p.mu.Unlock()
	idle := len(p.available)

	inUse := open - idle
	if inUse < 0 {
		inUse = 0
	}

	return Stats{
		Name:            p.config.Name,
		MaxSize:         p.config.MaxSize,
		NumOpen:         open,
		NumIdle:         idle,
		NumInUse:        inUse,
		AcquireCount:    atomic.LoadUint64(&p.acquireCount),
		AcquireSuccess:  atomic.LoadUint64(&p.acquireSuccess),
		AcquireFailed:   atomic.LoadUint64(&p.acquireFailed),
		ExhaustedCount:  atomic.LoadUint64(&p.exhaustedCount),
		ReleaseCount:    atomic.LoadUint64(&p.releaseCount),
		Created:         atomic.LoadUint64(&p.createdCount),
		Destroyed:       atomic.LoadUint64(&p.destroyedCount),
		DestroyFailures: atomic.LoadUint64(&p.destroyFailures),
		Evicted:         atomic.LoadUint64(&p.evictedCount),
	}
}
