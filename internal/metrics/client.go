package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics holds metrics for the write client's routing behavior.
type ClientMetrics struct {
	// WritesTotal counts write attempts by final outcome.
	WritesTotal *prometheus.CounterVec

	// WriteLatency tracks end-to-end write latency including redirects.
	WriteLatency *prometheus.HistogramVec

	// RedirectsTotal counts redirect hops taken while routing writes.
	RedirectsTotal prometheus.Counter

	// HandshakesTotal counts handshakes by status.
	HandshakesTotal *prometheus.CounterVec
}

// NewClientMetrics creates and registers client metrics with the default
// registry.
func NewClientMetrics() *ClientMetrics {
	return newClientMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewClientMetricsWithRegistry creates client metrics registered with a
// custom registry.
func NewClientMetricsWithRegistry(reg prometheus.Registerer) *ClientMetrics {
	return newClientMetrics(promauto.With(reg))
}

func newClientMetrics(factory promauto.Factory) *ClientMetrics {
	return &ClientMetrics{
		WritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Subsystem: "client",
				Name:      "writes_total",
				Help:      "Total number of client writes, broken down by outcome.",
			},
			[]string{"status"},
		),
		WriteLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streamgate",
				Subsystem: "client",
				Name:      "write_latency_seconds",
				Help:      "End-to-end write latency in seconds including redirects.",
				Buckets:   DefaultRequestLatencyBuckets,
			},
			[]string{"status"},
		),
		RedirectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Subsystem: "client",
				Name:      "redirects_total",
				Help:      "Total number of redirect hops taken while routing writes.",
			},
		),
		HandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Subsystem: "client",
				Name:      "handshakes_total",
				Help:      "Total number of proxy handshakes, broken down by status.",
			},
			[]string{"status"},
		),
	}
}

// RecordWrite records one completed write attempt.
func (m *ClientMetrics) RecordWrite(durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.WritesTotal.WithLabelValues(status).Inc()
	m.WriteLatency.WithLabelValues(status).Observe(durationSeconds)
}

// RecordRedirect records one redirect hop.
func (m *ClientMetrics) RecordRedirect() {
	if m == nil {
		return
	}
	m.RedirectsTotal.Inc()
}

// RecordHandshake records one handshake attempt.
func (m *ClientMetrics) RecordHandshake(success bool) {
	if m == nil {
		return
	}
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.HandshakesTotal.WithLabelValues(status).Inc()
}
