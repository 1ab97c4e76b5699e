package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatusSuccess is the label value for successful operations.
const StatusSuccess = "success"

// StatusFailure is the label value for failed operations.
const StatusFailure = "failure"

// DefaultAcquireLatencyBuckets are latency buckets for stream acquisition.
// Acquisition includes a lock round trip and possibly contention retries, so
// the buckets run from milliseconds up to the lock timeout scale.
var DefaultAcquireLatencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

// StreamManagerMetrics holds metrics for stream acquisition and caching.
type StreamManagerMetrics struct {
	// AcquireLatency tracks stream acquisition latencies by status.
	AcquireLatency *prometheus.HistogramVec

	// AcquiresTotal tracks acquisition attempts by status.
	AcquiresTotal *prometheus.CounterVec

	// ReleasesTotal tracks explicit ownership releases.
	ReleasesTotal prometheus.Counter

	// CachedStreams is the number of streams currently cached.
	CachedStreams prometheus.Gauge

	// AcquiredStreams is the number of streams currently owned.
	AcquiredStreams prometheus.Gauge
}

// NewStreamManagerMetrics creates and registers stream manager metrics with
// the default registry.
func NewStreamManagerMetrics() *StreamManagerMetrics {
	return newStreamManagerMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewStreamManagerMetricsWithRegistry creates stream manager metrics
// registered with a custom registry. Useful for testing to avoid conflicts
// with the default registry.
func NewStreamManagerMetricsWithRegistry(reg prometheus.Registerer) *StreamManagerMetrics {
	return newStreamManagerMetrics(promauto.With(reg))
}

func newStreamManagerMetrics(factory promauto.Factory) *StreamManagerMetrics {
	return &StreamManagerMetrics{
		AcquireLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streamgate",
				Subsystem: "streammanager",
				Name:      "acquire_latency_seconds",
				Help:      "Stream acquisition latency in seconds, broken down by status.",
				Buckets:   DefaultAcquireLatencyBuckets,
			},
			[]string{"status"},
		),
		AcquiresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Subsystem: "streammanager",
				Name:      "acquires_total",
				Help:      "Total number of stream acquisition attempts, broken down by status.",
			},
			[]string{"status"},
		),
		ReleasesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Subsystem: "streammanager",
				Name:      "releases_total",
				Help:      "Total number of explicit stream ownership releases.",
			},
		),
		CachedStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamgate",
				Subsystem: "streammanager",
				Name:      "cached_streams",
				Help:      "Number of streams currently cached by this proxy.",
			},
		),
		AcquiredStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamgate",
				Subsystem: "streammanager",
				Name:      "acquired_streams",
				Help:      "Number of streams currently owned by this proxy.",
			},
		),
	}
}

// RecordAcquire records one acquisition attempt.
func (m *StreamManagerMetrics) RecordAcquire(durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.AcquireLatency.WithLabelValues(status).Observe(durationSeconds)
	m.AcquiresTotal.WithLabelValues(status).Inc()
}

// RecordRelease records one explicit release.
func (m *StreamManagerMetrics) RecordRelease() {
	if m == nil {
		return
	}
	m.ReleasesTotal.Inc()
}

// SetCacheSizes updates the cache gauges.
func (m *StreamManagerMetrics) SetCacheSizes(cached, acquired int) {
	if m == nil {
		return
	}
	m.CachedStreams.Set(float64(cached))
	m.AcquiredStreams.Set(float64(acquired))
}
