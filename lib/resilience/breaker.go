// Package resilience provides a circuit breaker for resource creation.
//
// A pool that cannot reach its backend would otherwise redial on every
// Borrow. The breaker counts consecutive creation failures and, once the
// threshold is reached, rejects further attempts until a cool-down passes:
//
//	Closed (normal) -> Open (failing) -> HalfOpen (probing) -> Closed
//	                     ^                    |
//	                     +--------------------+ (probe failed)
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/objpool/lib/metrics"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects every call.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of probe calls through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker metrics, aggregated over all breakers.
var (
	BreakerState = metrics.NewGauge(
		"objpool_breaker_state",
		"State of the most recently transitioned breaker (0=closed, 1=open, 2=half-open)",
	)
	BreakerTrips = metrics.NewCounter(
		"objpool_breaker_trips_total",
		"Total number of times a breaker opened",
	)
	BreakerRejections = metrics.NewCounter(
		"objpool_breaker_rejections_total",
		"Total calls rejected by an open breaker",
	)
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// MaxHalfOpenRequests caps concurrent probes while half-open.
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             10 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = d.MaxHalfOpenRequests
	}
	return c
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	name   string
	now    func() time.Time

	state     CircuitState
	failures  int
	successes int
	probes    int

	openedAt        time.Time
	lastFailureTime time.Time
	lastStateChange time.Time

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a closed circuit breaker. Non-positive config
// values are replaced with defaults.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config:          cfg.withDefaults(),
		name:            name,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// OnStateChange registers fn to be called after every transition.
// fn runs with the breaker unlocked.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state. An open circuit whose timeout elapsed
// reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	allowed, notify := cb.allowLocked()
	cb.mu.Unlock()
	notify()

	if !allowed {
		BreakerRejections.Inc()
	}
	return allowed
}

func (cb *CircuitBreaker) allowLocked() (bool, func()) {
	switch cb.state {
	case CircuitClosed:
		return true, noop
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return false, noop
		}
		notify := cb.transitionLocked(CircuitHalfOpen)
		cb.probes = 1
		return true, notify
	case CircuitHalfOpen:
		if cb.probes < cb.config.MaxHalfOpenRequests {
			cb.probes++
			return true, noop
		}
		return false, noop
	}
	return false, noop
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	notify := noop
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.probes > 0 {
			cb.probes--
		}
		if cb.successes >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(CircuitClosed)
		}
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.lastFailureTime = cb.now()
	notify := noop
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		notify = cb.transitionLocked(CircuitOpen)
	}
	cb.mu.Unlock()
	notify()
}

// abandon gives back a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

func noop() {}

// transitionLocked changes state and returns the callback to run once the
// lock is released.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) func() {
	from := cb.state
	if from == to {
		return noop
	}

	cb.state = to
	cb.lastStateChange = cb.now()
	cb.successes = 0
	switch to {
	case CircuitClosed:
		cb.failures = 0
		cb.probes = 0
	case CircuitOpen:
		cb.openedAt = cb.now()
		cb.probes = 0
		BreakerTrips.Inc()
	case CircuitHalfOpen:
		cb.probes = 0
	}
	BreakerState.Set(int64(to))

	log.WithField("circuit", cb.name).
		WithField("from", from.String()).
		WithField("to", to.String()).
		Info("circuit breaker state transition")

	fn := cb.onStateChange
	if fn == nil {
		return noop
	}
	return func() { fn(from, to) }
}

// Execute runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// ExecuteWithContext runs fn if the circuit allows it. Errors caused by ctx
// ending are returned without counting as failures.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := ctx.Err(); err != nil {
		cb.abandon()
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() != nil:
		cb.abandon()
		return ctx.Err()
	default:
		cb.RecordFailure()
	}
	return err
}

// ForceOpen opens the circuit immediately.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	notify := cb.transitionLocked(CircuitOpen)
	cb.mu.Unlock()
	notify()
}

// Reset returns the breaker to its initial closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	cb.openedAt = time.Time{}
	cb.lastStateChange = cb.now()
}

// CircuitBreakerStats holds statistics for a circuit breaker.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// Stats returns current statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:            cb.name,
		State:           state,
		FailureCount:    cb.failures,
		SuccessCount:    cb.successes,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}
