package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		if pb.Counter != nil {
			total += pb.Counter.GetValue()
		}
		if pb.Gauge != nil {
			total += pb.Gauge.GetValue()
		}
	}
	return total
}

func TestRecordDistributionIncrementsByResult(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordDistribution(true)
	m.RecordDistribution(true)
	m.RecordDistribution(false)

	if got := counterValue(t, m.chunksDistributed.WithLabelValues("success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := counterValue(t, m.chunksDistributed.WithLabelValues("failure")); got != 1 {
		t.Errorf("failure count = %v, want 1", got)
	}
}

func TestRecordHealAndTrimAndDelete(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordHeal(true, 0.5)
	m.RecordHeal(false, 1.2)
	m.RecordTrim(true)
	m.RecordDelete(true)
	m.RecordDelete(false)

	if got := counterValue(t, m.healsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("heal success count = %v, want 1", got)
	}
	if got := counterValue(t, m.healsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("heal failure count = %v, want 1", got)
	}
	if got := counterValue(t, m.trimsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("trim success count = %v, want 1", got)
	}
	if got := counterValue(t, m.deletesTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("delete failure count = %v, want 1", got)
	}
}

func TestSetFleetGaugesUpdatesGauges(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.SetFleetGauges(7, 2, map[string]int{"HEALTHY": 100, "DEGRADED": 3}, 5, 1)

	if got := counterValue(t, m.devicesOnline); got != 7 {
		t.Errorf("devicesOnline = %v, want 7", got)
	}
	if got := counterValue(t, m.devicesOffline); got != 2 {
		t.Errorf("devicesOffline = %v, want 2", got)
	}
	if got := counterValue(t, m.chunksByState.WithLabelValues("HEALTHY")); got != 100 {
		t.Errorf("chunksByState[HEALTHY] = %v, want 100", got)
	}
	if got := counterValue(t, m.healQueueDepth); got != 5 {
		t.Errorf("healQueueDepth = %v, want 5", got)
	}
	if got := counterValue(t, m.reapQueueDepth); got != 1 {
		t.Errorf("reapQueueDepth = %v, want 1", got)
	}
}
