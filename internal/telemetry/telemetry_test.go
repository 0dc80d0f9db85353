package telemetry

import (
	"testing"
	"time"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector(true)
	c.Counter("jobs_failed", 1, map[string]string{"mode": "local"})
	c.Counter("jobs_failed", 2, nil)
	c.Timer("job_duration", 1500*time.Millisecond, map[string]string{"subset": "A"})

	metrics := c.GetMetrics()
	if len(metrics) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(metrics))
	}
	if metrics[2].Type != Timer || metrics[2].Value != 1500 || metrics[2].Unit != "ms" {
		t.Errorf("unexpected timer %+v", metrics[2])
	}
	if got := c.Sum("jobs_failed"); got != 3 {
		t.Errorf("Sum = %v, want 3", got)
	}

	c.FlushMetrics()
	if n := len(c.GetMetrics()); n != 0 {
		t.Errorf("expected empty buffer after flush, got %d", n)
	}
}

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	if n := len(c.GetMetrics()); n != 0 {
		t.Fatalf("disabled collector kept %d metrics", n)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.Counter("x", 1, nil)
	c.Timer("y", time.Second, nil)
	c.FlushMetrics()
}
