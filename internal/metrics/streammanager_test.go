package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStreamManagerMetricsRecordAcquire(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStreamManagerMetricsWithRegistry(reg)

	m.RecordAcquire(0.005, true)
	m.RecordAcquire(0.010, true)
	m.RecordAcquire(2.0, false)

	successHist := &dto.Metric{}
	if err := m.AcquireLatency.WithLabelValues(StatusSuccess).(prometheus.Metric).Write(successHist); err != nil {
		t.Fatalf("write success histogram: %v", err)
	}
	if got := successHist.Histogram.GetSampleCount(); got != 2 {
		t.Errorf("success sample count = %d, want 2", got)
	}

	failureCounter := &dto.Metric{}
	if err := m.AcquiresTotal.WithLabelValues(StatusFailure).Write(failureCounter); err != nil {
		t.Fatalf("write failure counter: %v", err)
	}
	if got := failureCounter.Counter.GetValue(); got != 1 {
		t.Errorf("failure count = %v, want 1", got)
	}
}

func TestStreamManagerMetricsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStreamManagerMetricsWithRegistry(reg)

	m.SetCacheSizes(5, 3)

	cached := &dto.Metric{}
	if err := m.CachedStreams.Write(cached); err != nil {
		t.Fatalf("write cached gauge: %v", err)
	}
	if got := cached.Gauge.GetValue(); got != 5 {
		t.Errorf("cached streams = %v, want 5", got)
	}

	acquired := &dto.Metric{}
	if err := m.AcquiredStreams.Write(acquired); err != nil {
		t.Fatalf("write acquired gauge: %v", err)
	}
	if got := acquired.Gauge.GetValue(); got != 3 {
		t.Errorf("acquired streams = %v, want 3", got)
	}
}

func TestStreamManagerMetricsNilSafe(t *testing.T) {
	var m *StreamManagerMetrics
	m.RecordAcquire(0.001, true)
	m.RecordRelease()
	m.SetCacheSizes(1, 1)
}

func TestServerMetricsConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewServerMetricsWithRegistry(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	active := &dto.Metric{}
	if err := m.ConnectionsActive.Write(active); err != nil {
		t.Fatalf("write active gauge: %v", err)
	}
	if got := active.Gauge.GetValue(); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}

	total := &dto.Metric{}
	if err := m.ConnectionsTotal.Write(total); err != nil {
		t.Fatalf("write total counter: %v", err)
	}
	if got := total.Counter.GetValue(); got != 2 {
		t.Errorf("total connections = %v, want 2", got)
	}
}

func TestClientMetricsRecordWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewClientMetricsWithRegistry(reg)

	m.RecordWrite(0.002, true)
	m.RecordWrite(0.100, false)
	m.RecordRedirect()
	m.RecordRedirect()

	redirects := &dto.Metric{}
	if err := m.RedirectsTotal.Write(redirects); err != nil {
		t.Fatalf("write redirects counter: %v", err)
	}
	if got := redirects.Counter.GetValue(); got != 2 {
		t.Errorf("redirects = %v, want 2", got)
	}

	writes := &dto.Metric{}
	if err := m.WritesTotal.WithLabelValues(StatusSuccess).Write(writes); err != nil {
		t.Fatalf("write writes counter: %v", err)
	}
	if got := writes.Counter.GetValue(); got != 1 {
		t.Errorf("successful writes = %v, want 1", got)
	}
}
