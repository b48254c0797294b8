/*
Package metrics exports Prometheus metrics for the tile cache.

The Collector owns a private registry, so several caches in one process (or in one test
binary) never collide on registration:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tilecache",
	})

Exported series:

	tile_operations_total{operation,outcome}       one per cache call
	tile_operation_duration_seconds{operation}     latency, 1ms to ~32s
	tile_bytes{operation}                          payload sizes of loads and stores
	tile_errors_total{operation,code}              failures by pkg/errors code
	pool_active_tasks{pool}                        in-flight batch tasks
	pool_tasks_total{pool,status}                  finished batch tasks

The collector also satisfies batch.Observer. A nil *Collector, or one built with Enabled
false, accepts every call and records nothing.
*/
package metrics
