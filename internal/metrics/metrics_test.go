package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestCollectorCountersIncrement(t *testing.T) {
	c := New("rdt_test")
	c.PacketsSent.Inc()
	c.PacketsSent.Inc()
	c.Retransmits.Inc()

	if got := counterValue(t, c.PacketsSent); got != 2 {
		t.Fatalf("PacketsSent = %v, want 2", got)
	}
	if got := counterValue(t, c.Retransmits); got != 1 {
		t.Fatalf("Retransmits = %v, want 1", got)
	}
}

func TestCollectorGauges(t *testing.T) {
	c := New("rdt_test_gauges")
	c.ObserveRTT(150 * time.Millisecond)
	c.ObserveRTO(300 * time.Millisecond)

	if got := gaugeValue(t, c.LastRTT); got != 0.15 {
		t.Fatalf("LastRTT = %v, want 0.15", got)
	}
	if got := gaugeValue(t, c.LastRTO); got != 0.3 {
		t.Fatalf("LastRTO = %v, want 0.3", got)
	}
}

func counterValue(t *testing.T, c interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}
