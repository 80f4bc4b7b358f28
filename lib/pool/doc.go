// Package pool provides a generic bounded blocking object pool.
//
// The pool supports:
//   - A hard bound on simultaneously opened resources
//   - Lazy creation of resources up to the bound
//   - Waiting with a timeout when the bound is reached
//   - Validity checks that replace stale idle resources
//   - Best-effort teardown: destroy errors are logged, never returned
//   - Metrics for pool utilization
//
// # Basic Usage
//
//	factory := pool.Funcs[net.Conn]{
//	    CreateFunc: func(ctx context.Context) (net.Conn, error) {
//	        var d net.Dialer
//	        return d.DialContext(ctx, "tcp", "localhost:8080")
//	    },
//	    DestroyFunc: func(c net.Conn) error { return c.Close() },
//	}
//
//	cfg := pool.DefaultConfig()
//	cfg.MaxSize = 10
//	cfg.WaitMax = 500 * time.Millisecond
//
//	p, err := pool.New[net.Conn](factory, cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	err = p.Execute(ctx, func(c net.Conn) error {
//	    _, err := c.Write(payload)
//	    return err
//	})
//
// Execute always returns the resource to the pool. Borrow and Release are
// available for callers that keep a resource across several calls:
//
//	c, err := p.Borrow(ctx)
//	if err != nil {
//	    return err
//	}
//	defer p.Release(c)
//
// # Errors
//
// Borrow fails with ErrPoolExhausted when no resource became available
// within WaitMax, with ErrPoolClosed after Close, and with an error wrapping
// ErrCreateFailed and the factory's own error when creation fails.
//
// # Validity
//
// A factory that also implements Validator has every idle resource checked
// before it is handed out. Invalid resources are destroyed and replaced:
//
//	factory.ValidFunc = func(c *MyConn) bool {
//	    return c.Ping() == nil
//	}
//
// The zero value of T is reserved. Releasing it is a no-op and a factory
// that returns it without an error fails the borrow with ErrCreateFailed.
//
// # Metrics
//
// Aggregate metrics are registered with the metrics package:
//   - objpool_pool_resources_max, _open, _idle, _in_use (see UpdateMetrics)
//   - objpool_pool_acquire_total, _success_total, _failed_total
//   - objpool_pool_exhausted_total
//   - objpool_pool_release_total
//   - objpool_pool_created_total, _destroyed_total, _destroy_failures_total
//   - objpool_pool_evicted_total
//   - objpool_pool_acquire_duration_seconds
package pool
