// Package telemetry exposes Prometheus metrics for the worker's internal
// activities. This is the ambient observability surface: distinct from
// internal/metrics, which implements the spec's read-path metrics
// aggregation over probe results.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Heartbeat manager (component B)
	HeartbeatPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_heartbeat_publish_total",
			Help: "Total heartbeat publish attempts by result",
		},
		[]string{"result"},
	)

	AliveNodesCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_alive_nodes",
			Help: "Number of alive nodes observed, by region",
		},
		[]string{"region"},
	)

	// Ring / placement (component C)
	RingPosition = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_ring_position",
			Help: "This worker's chosen position on the ring",
		},
	)

	// Scheduler / executor (component E)
	SchedulerHeapSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_scheduler_heap_tasks",
			Help: "Number of tasks currently tracked by the scheduler heap",
		},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_probes_total",
			Help: "Total probes executed by outcome",
		},
		[]string{"outcome"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "monitor_probe_duration_seconds",
			Help:    "Probe execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IngestQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_ingest_queue_depth",
			Help: "Number of results buffered in the ingest queue",
		},
	)

	IngestWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_ingest_writes_total",
			Help: "Total result-ingest write attempts by result",
		},
		[]string{"result"},
	)

	// Internode transport (component F)
	BroadcastPeersReached = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "monitor_broadcast_peers_reached",
			Help:    "Number of peers that acknowledged a broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	BroadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "monitor_broadcast_duration_seconds",
			Help:    "Time to complete one broadcast fanout",
			Buckets: prometheus.DefBuckets,
		},
	)

	InternalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_internal_requests_total",
			Help: "Total requests to the inbound /internal endpoint by status",
		},
		[]string{"status"},
	)

	// Metrics aggregation (component G)
	MetricsQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "monitor_metrics_query_duration_seconds",
			Help:    "Time to serve a metrics query by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RollupCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_rollup_cache_total",
			Help: "Rollup bucket reads by outcome (hit, miss, computed)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HeartbeatPublishTotal,
		AliveNodesCount,
		RingPosition,
		SchedulerHeapSize,
		ProbesTotal,
		ProbeDuration,
		IngestQueueDepth,
		IngestWritesTotal,
		BroadcastPeersReached,
		BroadcastDuration,
		InternalRequestsTotal,
		MetricsQueryDuration,
		RollupCacheTotal,
	)
}

// Handler returns the Prometheus exposition HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and observing the elapsed
// duration against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new Timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
