// Package soak drives concurrent load through a pooled target and reports
// how the pool held up: how many borrows succeeded, how many timed out on an
// exhausted pool and how many failed for other reasons.
package soak

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/go-i2p/objpool/lib/pool"
)

// Target is a pooled backend that can be pinged. netpool.Client,
// pgpool.Pool and redispool.Pool all satisfy it.
type Target interface {
	Ping(ctx context.Context) error
	Stats() pool.Stats
	Close() error
}

// Config configures a Runner.
type Config struct {
	// Workers is the number of concurrent callers.
	// Default: 4
	Workers int
	// Duration bounds the run. Zero runs until the context ends.
	Duration time.Duration
	// Rate is the total number of pings per second across all workers.
	// Zero or negative means unlimited.
	Rate float64
	// Burst is the limiter burst size.
	// Default: Workers
	Burst int
	// ReportInterval is how often pool gauges are refreshed.
	// Default: 1 second
	ReportInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		Duration:       10 * time.Second,
		Rate:           100,
		Burst:          4,
		ReportInterval: time.Second,
	}
}

// Report summarises a run.
type Report struct {
	Attempts    uint64
	Successes   uint64
	Exhausted   uint64
	Failures    uint64
	Elapsed     time.Duration
	MeanLatency time.Duration
	MaxLatency  time.Duration
	LastError   error
	Pool        pool.Stats
}

// Runner drives load through a Target.
type Runner struct {
	target  Target
	cfg     Config
	limiter *rate.Limiter

	attempts  atomic.Uint64
	successes atomic.Uint64
	exhausted atomic.Uint64
	failures  atomic.Uint64

	mu       sync.Mutex
	totalLat time.Duration
	maxLat   time.Duration
	lastErr  error
}

// NewRunner creates a Runner for target.
func NewRunner(target Target, cfg Config) (*Runner, error) {
	if target == nil {
		return nil, errors.New("soak: target is nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Workers
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = time.Second
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("soak: duration must not be negative, got %s", cfg.Duration)
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Runner{
		target:  target,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

// Run drives load until the configured duration passes or ctx ends. It does
// not close the target. If the target's pool is closed mid-run every worker
// stops and the error is returned alongside the partial report.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	log.WithField("workers", r.cfg.Workers).
		WithField("rate", r.cfg.Rate).
		WithField("duration", r.cfg.Duration.String()).
		Info("soak run starting")

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			return r.work(gctx)
		})
	}

	done := make(chan struct{})
	var reporter sync.WaitGroup
	reporter.Add(1)
	go func() {
		defer reporter.Done()
		r.report(done)
	}()

	err := g.Wait()
	close(done)
	reporter.Wait()

	rep := r.snapshot(time.Since(start))
	pool.UpdateMetrics(rep.Pool)

	log.WithField("attempts", rep.Attempts).
		WithField("successes", rep.Successes).
		WithField("exhausted", rep.Exhausted).
		WithField("failures", rep.Failures).
		Info("soak run finished")
	return rep, err
}

func (r *Runner) work(ctx context.Context) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}

		start := time.Now()
		err := r.target.Ping(ctx)
		elapsed := time.Since(start)

		if err != nil && ctx.Err() != nil {
			return nil
		}
		r.record(elapsed, err)
		if errors.Is(err, pool.ErrPoolClosed) {
			return fmt.Errorf("soak: target closed: %w", err)
		}
	}
}

func (r *Runner) record(elapsed time.Duration, err error) {
	r.attempts.Add(1)
	switch {
	case err == nil:
		r.successes.Add(1)
	case errors.Is(err, pool.ErrPoolExhausted):
		r.exhausted.Add(1)
	default:
		r.failures.Add(1)
	}

	r.mu.Lock()
	r.totalLat += elapsed
	if elapsed > r.maxLat {
		r.maxLat = elapsed
	}
	if err != nil {
		r.lastErr = err
	}
	r.mu.Unlock()
}

// report refreshes the pool gauges until done is closed.
func (r *Runner) report(done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stats := r.target.Stats()
			pool.UpdateMetrics(stats)
			log.WithField("open", stats.NumOpen).
				WithField("idle", stats.NumIdle).
				WithField("inUse", stats.NumInUse).
				WithField("attempts", r.attempts.Load()).
				Debug("soak progress")
		}
	}
}

func (r *Runner) snapshot(elapsed time.Duration) Report {
	rep := Report{
		Attempts:  r.attempts.Load(),
		Successes: r.successes.Load(),
		Exhausted: r.exhausted.Load(),
		Failures:  r.failures.Load(),
		Elapsed:   elapsed,
		Pool:      r.target.Stats(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep.Attempts > 0 {
		rep.MeanLatency = r.totalLat / time.Duration(rep.Attempts)
	}
	rep.MaxLatency = r.maxLat
	rep.LastError = r.lastErr
	return rep
}
