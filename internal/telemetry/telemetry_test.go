package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var errBoom = errors.New("boom")

func TestMetricsRecordsOpsBytesAndErrors(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Fatalf("expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(2048, 2_000_000, true)
	m.RecordRead(512, 500_000, false)

	snap = m.Snapshot()
	if snap.ReadOps != 2 {
		t.Errorf("expected 2 read ops, got %d", snap.ReadOps)
	}
	if snap.WriteOps != 1 {
		t.Errorf("expected 1 write op, got %d", snap.WriteOps)
	}
	if snap.ReadBytes != 1024 {
		t.Errorf("expected 1024 read bytes (errored reads don't count), got %d", snap.ReadBytes)
	}
	if snap.ReadErrors != 1 {
		t.Errorf("expected 1 read error, got %d", snap.ReadErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()
	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()
	if snap.MaxQueueDepth != 20 {
		t.Errorf("expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}
	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsAvgLatency(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(1024, 1_000_000, true)  // 1ms
	m.RecordWrite(1024, 2_000_000, true) // 2ms

	snap := m.Snapshot()
	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptimeStopsAdvancingAfterStop(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(2048, 2_000_000, true)
	m.RecordQueueDepth(10)

	if m.Snapshot().TotalOps == 0 {
		t.Fatalf("expected some operations before reset")
	}

	m.Reset()

	snap := m.Snapshot()
	if snap.TotalOps != 0 || snap.TotalBytes != 0 || snap.MaxQueueDepth != 0 {
		t.Errorf("expected zeroed snapshot after reset, got %+v", snap)
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var o Observer = NoOpObserver{}
	o.ObserveRead(1024, 1_000_000, true)
	o.ObserveWrite(1024, 1_000_000, true)
	o.ObserveUnmap(1024, 1_000_000, true)
	o.ObserveFlush(1_000_000, true)
	o.ObserveQueueDepth(10)
	o.ObserveDMASubmit(4)
	o.ObserveDMAComplete(4, nil)
	o.ObserveRingFull()
	o.ObserveConnectionOpen(true)
	o.ObserveConnectionClose()
}

func TestMetricsRecordsDMAAndConnectionCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordDMASubmit(3)
	m.RecordDMAComplete(3, nil)
	m.RecordDMASubmit(2)
	m.RecordDMAComplete(2, errBoom)
	m.RecordRingFull()

	m.RecordConnectionOpen()
	m.RecordConnectionOpen()
	m.RecordConnectionClose()

	snap := m.Snapshot()
	if snap.DMADescriptorsSubmitted != 5 || snap.DMADescriptorsCompleted != 5 {
		t.Fatalf("unexpected descriptor counts: %+v", snap)
	}
	if snap.DMADescriptorErrors != 1 {
		t.Fatalf("expected 1 descriptor error, got %d", snap.DMADescriptorErrors)
	}
	if snap.DMARingFullEvents != 1 {
		t.Fatalf("expected 1 ring-full event, got %d", snap.DMARingFullEvents)
	}
	if snap.ConnectionsOpened != 2 || snap.ConnectionsClosed != 1 || snap.ConnectionsActive != 1 {
		t.Fatalf("unexpected connection counters: %+v", snap)
	}
}

func TestMetricsObserverForwardsToMetrics(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveRead(1024, 1_000_000, true)
	o.ObserveWrite(2048, 2_000_000, true)

	snap := m.Snapshot()
	if snap.ReadOps != 1 || snap.WriteOps != 1 {
		t.Fatalf("expected 1 read and 1 write op, got %+v", snap)
	}
	if snap.ReadBytes != 1024 || snap.WriteBytes != 2048 {
		t.Fatalf("expected byte counts to match, got %+v", snap)
	}
}

func TestLatencyPercentilesOrdered(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 50; i++ {
		m.RecordRead(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordWrite(1024, 5_000_000, true) // 5ms
	}
	m.RecordWrite(1024, 50_000_000, true) // 50ms

	snap := m.Snapshot()
	if snap.TotalOps != 100 {
		t.Fatalf("expected 100 total ops, got %d", snap.TotalOps)
	}
	if snap.LatencyP50Ns > snap.LatencyP99Ns {
		t.Errorf("expected P50 <= P99, got P50=%d P99=%d", snap.LatencyP50Ns, snap.LatencyP99Ns)
	}
}

func TestPrometheusObserverRegistersCollectorsAndForwards(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg, "bdev", "Malloc0")

	o.ObserveRead(1024, 1_000_000, true)
	o.ObserveWrite(2048, 2_000_000, true)
	o.ObserveQueueDepth(7)

	snap := o.Snapshot()
	if snap.ReadOps != 1 || snap.WriteOps != 1 {
		t.Fatalf("expected underlying metrics to be updated, got %+v", snap)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected prometheus collectors to be registered")
	}
}

func TestPrometheusObserverForwardsDMAAndConnectionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg, "ae4dma", "engine0")

	o.ObserveDMASubmit(4)
	o.ObserveDMAComplete(4, nil)
	o.ObserveRingFull()
	o.ObserveConnectionOpen(true)
	o.ObserveConnectionClose()

	snap := o.Snapshot()
	if snap.DMADescriptorsSubmitted != 4 || snap.DMADescriptorsCompleted != 4 {
		t.Fatalf("unexpected descriptor snapshot: %+v", snap)
	}
	if snap.DMARingFullEvents != 1 {
		t.Fatalf("expected 1 ring-full event, got %d", snap.DMARingFullEvents)
	}
	if snap.ConnectionsOpened != 1 || snap.ConnectionsClosed != 1 {
		t.Fatalf("unexpected connection snapshot: %+v", snap)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected prometheus collectors to be registered")
	}
}
