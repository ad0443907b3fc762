// Package metrics defines the recorder interfaces used by the worker and the
// preloader.
//
// Recorders are optional. Components hold a possibly nil recorder and report
// through the helper functions in this package, which do nothing for a nil
// recorder. The Prometheus implementation lives in metrics/prometheus.
package metrics

import "time"

// Route is the path a request took through the worker.
type Route string

// Routes reported by the worker.
const (
	// RouteCacheHit is a cache-first request served from storage.
	RouteCacheHit Route = "cache_hit"
	// RouteCacheMiss is a cache-first request fetched from the network.
	RouteCacheMiss Route = "cache_miss"
	// RouteNetwork is a network-first request answered by the network.
	RouteNetwork Route = "network"
	// RouteFallback is a network-first request served from storage after a
	// network failure.
	RouteFallback Route = "fallback"
	// RouteFailure is a request that failed with no cached fallback.
	RouteFailure Route = "failure"
	// RoutePassthrough is a request the worker does not handle.
	RoutePassthrough Route = "passthrough"
)

// WorkerMetrics records cache worker activity.
type WorkerMetrics interface {
	// RecordRoute counts a request by the route it took.
	RecordRoute(route Route)

	// RecordStoreFailure counts a failed or skipped write into a generation.
	RecordStoreFailure(generation, reason string)

	// RecordInstall records an install attempt.
	RecordInstall(success bool, duration time.Duration)

	// RecordActivate records the number of stale generations deleted.
	RecordActivate(deleted int)
}

// PreloadMetrics records image preloading activity.
type PreloadMetrics interface {
	// RecordLoad records a single image load by priority name.
	RecordLoad(priority string, success bool, duration time.Duration)
}

// RecordRoute reports a route to m if m is non-nil.
func RecordRoute(m WorkerMetrics, route Route) {
	if m != nil {
		m.RecordRoute(route)
	}
}

// RecordStoreFailure reports a store failure to m if m is non-nil.
func RecordStoreFailure(m WorkerMetrics, generation, reason string) {
	if m != nil {
		m.RecordStoreFailure(generation, reason)
	}
}

// RecordInstall reports an install attempt to m if m is non-nil.
func RecordInstall(m WorkerMetrics, success bool, duration time.Duration) {
	if m != nil {
		m.RecordInstall(success, duration)
	}
}

// RecordActivate reports an activation to m if m is non-nil.
func RecordActivate(m WorkerMetrics, deleted int) {
	if m != nil {
		m.RecordActivate(deleted)
	}
}

// RecordLoad reports an image load to m if m is non-nil.
func RecordLoad(m PreloadMetrics, priority string, success bool, duration time.Duration) {
	if m != nil {
		m.RecordLoad(priority, success, duration)
	}
}
