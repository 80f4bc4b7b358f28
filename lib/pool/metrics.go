package pool

import "github.com/go-i2p/objpool/lib/metrics"

// Pool metrics, aggregated over every pool in the process.
var (
	// PoolResourcesTotal is the maximum size of the most recently created pool.
	PoolResourcesTotal = metrics.NewGauge(
		"objpool_pool_resources_max",
		"Maximum number of resources in the pool",
	)
	// PoolResourcesOpen is the current number of opened resources.
	PoolResourcesOpen = metrics.NewGauge(
		"objpool_pool_resources_open",
		"Current number of opened resources",
	)
	// PoolResourcesIdle is the current number of idle resources.
	PoolResourcesIdle = metrics.NewGauge(
		"objpool_pool_resources_idle",
		"Current number of idle resources in the pool",
	)
	// PoolResourcesInUse is the number of resources currently borrowed.
	PoolResourcesInUse = metrics.NewGauge(
		"objpool_pool_resources_in_use",
		"Number of resources currently borrowed",
	)
	PoolAcquireTotal = metrics.NewCounter(
		"objpool_pool_acquire_total",
		"Total number of borrow attempts",
	)
	PoolAcquireSuccessTotal = metrics.NewCounter(
		"objpool_pool_acquire_success_total",
		"Total number of successful borrows",
	)
	PoolAcquireFailedTotal = metrics.NewCounter(
		"objpool_pool_acquire_failed_total",
		"Total number of failed borrows",
	)
	// PoolExhaustedTotal counts borrows that gave up waiting for a resource.
	PoolExhaustedTotal = metrics.NewCounter(
		"objpool_pool_exhausted_total",
		"Total number of borrows that timed out on an exhausted pool",
	)
	PoolReleaseTotal = metrics.NewCounter(
		"objpool_pool_release_total",
		"Total number of resource releases",
	)
	PoolCreatedTotal = metrics.NewCounter(
		"objpool_pool_created_total",
		"Total number of resources created",
	)
	PoolDestroyedTotal = metrics.NewCounter(
		"objpool_pool_destroyed_total",
		"Total number of resources destroyed",
	)
	// PoolDestroyFailuresTotal counts destroy errors that were logged and swallowed.
	PoolDestroyFailuresTotal = metrics.NewCounter(
		"objpool_pool_destroy_failures_total",
		"Total number of failed resource destroys",
	)
	// PoolEvictedTotal counts idle resources that failed validation.
	PoolEvictedTotal = metrics.NewCounter(
		"objpool_pool_evicted_total",
		"Total number of idle resources evicted as invalid",
	)
	// PoolAcquireLatency tracks time spent in Borrow.
	PoolAcquireLatency = metrics.NewHistogram(
		"objpool_pool_acquire_duration_seconds",
		"Time spent borrowing a resource from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from stats.
func UpdateMetrics(stats Stats) {
	PoolResourcesTotal.Set(int64(stats.MaxSize))
	PoolResourcesOpen.Set(int64(stats.NumOpen))
	PoolResourcesIdle.Set(int64(stats.NumIdle))
	PoolResourcesInUse.Set(int64(stats.NumInUse))
}
