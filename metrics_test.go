package kds

import (
	"testing"
	"time"
)

func TestMetrics_SubmitAndTerminal(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.Submits != 0 || snap.Completions != 0 {
		t.Fatalf("expected zeroed initial snapshot, got %+v", snap)
	}

	m.RecordSubmit()
	m.RecordSubmit()
	m.RecordSubmit()
	m.RecordTerminal(StateCompleted, 1_000_000)
	m.RecordTerminal(StateTimeout, 2_000_000)
	m.RecordTerminal(StateAbort, 500_000)

	snap = m.Snapshot()
	if snap.Submits != 3 {
		t.Errorf("expected 3 submits, got %d", snap.Submits)
	}
	if snap.Completions != 1 {
		t.Errorf("expected 1 completion, got %d", snap.Completions)
	}
	if snap.Timeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", snap.Timeouts)
	}
	if snap.Aborts != 1 {
		t.Errorf("expected 1 abort, got %d", snap.Aborts)
	}

	expectedRate := float64(1) / float64(3) * 100.0
	if snap.CompletionRate < expectedRate-0.1 || snap.CompletionRate > expectedRate+0.1 {
		t.Errorf("expected completion rate ~%.1f%%, got %.1f%%", expectedRate, snap.CompletionRate)
	}
}

func TestMetrics_ErrorState(t *testing.T) {
	m := NewMetrics()
	m.RecordTerminal(StateError, 10_000)
	snap := m.Snapshot()
	if snap.Errors != 1 {
		t.Errorf("expected 1 error, got %d", snap.Errors)
	}
}

func TestMetrics_QueueDepth(t *testing.T) {
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

func TestMetrics_Latency(t *testing.T) {
	m := NewMetrics()

	m.RecordTerminal(StateCompleted, 1_000_000) // 1ms
	m.RecordTerminal(StateCompleted, 2_000_000) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetrics_Uptime(t *testing.T) {
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

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit()
	m.RecordTerminal(StateCompleted, 1_000_000)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	if snap.Submits == 0 {
		t.Error("expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.Submits != 0 {
		t.Errorf("expected 0 submits after reset, got %d", snap.Submits)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver_NoOpDoesNotPanic(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveSubmit()
	observer.ObserveTerminal(StateCompleted, 1_000_000)
	observer.ObserveQueueDepth(0, 10)
}

func TestObserver_MetricsObserverForwards(t *testing.T) {
	m := NewMetrics()
	observer := NewMetricsObserver(m)

	observer.ObserveSubmit()
	observer.ObserveSubmit()
	observer.ObserveTerminal(StateCompleted, 1_000_000)

	snap := m.Snapshot()
	if snap.Submits != 2 {
		t.Errorf("expected 2 submits from observer, got %d", snap.Submits)
	}
	if snap.Completions != 1 {
		t.Errorf("expected 1 completion from observer, got %d", snap.Completions)
	}
}

func TestMetrics_Throughput(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordTerminal(StateCompleted, 1_000_000)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()
	if snap.Throughput < 0.9 || snap.Throughput > 1.1 {
		t.Errorf("expected throughput ~1.0, got %.2f", snap.Throughput)
	}
}

func TestMetrics_Histogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordTerminal(StateCompleted, 500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordTerminal(StateCompleted, 5_000_000) // 5ms
	}
	m.RecordTerminal(StateCompleted, 50_000_000) // 50ms, the slowest sample

	snap := m.Snapshot()
	if snap.Completions != 100 {
		t.Errorf("expected 100 completions, got %d", snap.Completions)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	var totalInBuckets uint64
	for _, c := range snap.LatencyHistogram {
		totalInBuckets += c
	}
	if totalInBuckets == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}
