// Package prometheus implements the metrics recorders with Prometheus
// collectors.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meigma/warmcache/metrics"
)

const namespace = "warmcache"

// workerMetrics is the Prometheus implementation of metrics.WorkerMetrics.
type workerMetrics struct {
	requests        *prometheus.CounterVec
	storeFailures   *prometheus.CounterVec
	installs        *prometheus.CounterVec
	installDuration prometheus.Histogram
	staleDeleted    prometheus.Counter
}

// NewWorkerMetrics registers worker collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewWorkerMetrics(reg prometheus.Registerer) metrics.WorkerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &workerMetrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "requests_total",
				Help:      "Requests handled by the cache worker by route",
			},
			[]string{"route"}, // cache_hit, cache_miss, network, fallback, failure, passthrough
		),
		storeFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "store_failures_total",
				Help:      "Responses that could not be written to a cache generation",
			},
			[]string{"generation", "reason"},
		),
		installs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "installs_total",
				Help:      "Install attempts by result",
			},
			[]string{"success"},
		),
		installDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "install_duration_seconds",
				Help:      "Time spent populating both generations",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		staleDeleted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "stale_generations_deleted_total",
				Help:      "Generations deleted during activation",
			},
		),
	}
}

func (m *workerMetrics) RecordRoute(route metrics.Route) {
	m.requests.WithLabelValues(string(route)).Inc()
}

func (m *workerMetrics) RecordStoreFailure(generation, reason string) {
	m.storeFailures.WithLabelValues(generation, reason).Inc()
}

func (m *workerMetrics) RecordInstall(success bool, duration time.Duration) {
	m.installs.WithLabelValues(strconv.FormatBool(success)).Inc()
	m.installDuration.Observe(duration.Seconds())
}

func (m *workerMetrics) RecordActivate(deleted int) {
	m.staleDeleted.Add(float64(deleted))
}

// preloadMetrics is the Prometheus implementation of metrics.PreloadMetrics.
type preloadMetrics struct {
	loads        *prometheus.CounterVec
	loadDuration *prometheus.HistogramVec
}

// NewPreloadMetrics registers preloader collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPreloadMetrics(reg prometheus.Registerer) metrics.PreloadMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &preloadMetrics{
		loads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "preload",
				Name:      "loads_total",
				Help:      "Image loads by priority and result",
			},
			[]string{"priority", "success"},
		),
		loadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "preload",
				Name:      "load_duration_seconds",
				Help:      "Time from request to decoded image",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
	}
}

func (m *preloadMetrics) RecordLoad(priority string, success bool, duration time.Duration) {
	m.loads.WithLabelValues(priority, strconv.FormatBool(success)).Inc()
	m.loadDuration.WithLabelValues(priority).Observe(duration.Seconds())
}
