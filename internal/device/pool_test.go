package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPUBackend_Pooling(t *testing.T) {
	backend := NewCPUBackend()

	t1 := backend.GetTensor(10, 10)
	t1.Data()[0] = 123
	backend.PutTensor(t1)

	t2 := backend.GetTensor(10, 10)
	// May reuse t1's memory; either way it must come back zeroed.
	if val := t2.At(0, 0); val != 0 {
		t.Errorf("Pooled tensor not zeroed: got %f", val)
	}
	if r, c := t2.Dims(); r != 10 || c != 10 {
		t.Errorf("GetTensor dims = %dx%d, want 10x10", r, c)
	}
}

func TestCPUBackend_PoolMetrics(t *testing.T) {
	backend := NewCPUBackend()

	// Metrics are global, so we track deltas.
	startHits := getMetricValue(poolHits)
	startMisses := getMetricValue(poolMisses)

	t1 := backend.GetTensor(100, 100)
	backend.PutTensor(t1)
	t2 := backend.GetTensor(50, 50)
	backend.PutTensor(t2)

	hits := getMetricValue(poolHits) - startHits
	misses := getMetricValue(poolMisses) - startMisses
	if hits+misses != 2 {
		t.Errorf("Expected 2 pool lookups, got hits=%v misses=%v", hits, misses)
	}
	if misses < 1 {
		t.Errorf("Expected the first allocation to miss, got misses=%v", misses)
	}
}
