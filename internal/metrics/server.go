package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultRequestLatencyBuckets are latency buckets for proxy requests.
var DefaultRequestLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
	10.0,   // 10s
}

// ServerMetrics holds metrics for the proxy's TCP front end.
type ServerMetrics struct {
	// ConnectionsActive is the number of currently open client connections.
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal counts accepted connections.
	ConnectionsTotal prometheus.Counter

	// RequestsTotal counts requests by api and response status.
	RequestsTotal *prometheus.CounterVec

	// RequestLatency tracks request handling latency by api.
	RequestLatency *prometheus.HistogramVec

	// BytesInTotal counts request frame bytes read.
	BytesInTotal prometheus.Counter

	// BytesOutTotal counts response frame bytes written.
	BytesOutTotal prometheus.Counter
}

// NewServerMetrics creates and registers server metrics with the default
// registry.
func NewServerMetrics() *ServerMetrics {
	return newServerMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewServerMetricsWithRegistry creates server metrics registered with a
// custom registry.
func NewServerMetricsWithRegistry(reg prometheus.Registerer) *ServerMetrics {
	return newServerMetrics(promauto.With(reg))
}

func newServerMetrics(factory promauto.Factory) *ServerMetrics {
	return &ServerMetrics{
		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamgate",
				Subsystem: "server",
				Name:      "connections_active",
				Help:      "Number of currently open client connections.",
			},
		),
		ConnectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Subsystem: "server",
				Name:      "connections_total",
				Help:      "Total number of accepted client connections.",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Total number of requests, broken down by api and status.",
			},
			[]string{"api", "status"},
		),
		RequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streamgate",
				Subsystem: "server",
				Name:      "request_latency_seconds",
				Help:      "Request handling latency in seconds, broken down by api.",
				Buckets:   DefaultRequestLatencyBuckets,
			},
			[]string{"api"},
		),
		BytesInTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Subsystem: "server",
				Name:      "bytes_in_total",
				Help:      "Total request frame bytes read from clients.",
			},
		),
		BytesOutTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Subsystem: "server",
				Name:      "bytes_out_total",
				Help:      "Total response frame bytes written to clients.",
			},
		),
	}
}

// ConnectionOpened records an accepted connection.
func (m *ServerMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// ConnectionClosed records a closed connection.
func (m *ServerMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordRequest records one handled request.
func (m *ServerMetrics) RecordRequest(api, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(api, status).Inc()
	m.RequestLatency.WithLabelValues(api).Observe(durationSeconds)
}

// RecordBytes records frame traffic for one request/response pair.
func (m *ServerMetrics) RecordBytes(in, out int) {
	if m == nil {
		return
	}
	m.BytesInTotal.Add(float64(in))
	m.BytesOutTotal.Add(float64(out))
}
