package kds

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the submit-to-completion latency histogram
// buckets in nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks scheduler-wide operational statistics: how many
// commands were submitted and how they terminated, queue depth over
// time, and submit-to-completion latency.
type Metrics struct {
	Submits     atomic.Uint64
	Completions atomic.Uint64
	Timeouts    atomic.Uint64
	Aborts      atomic.Uint64
	Errors      atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records one command submission attempt.
func (m *Metrics) RecordSubmit() {
	m.Submits.Add(1)
}

// RecordTerminal records a command reaching a terminal state, along with
// its submit-to-completion latency.
func (m *Metrics) RecordTerminal(state CommandState, latencyNs uint64) {
	switch state {
	case StateCompleted:
		m.Completions.Add(1)
	case StateTimeout:
		m.Timeouts.Add(1)
	case StateAbort:
		m.Aborts.Add(1)
	case StateError:
		m.Errors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records the current pending+running+submitted depth
// of one CU's pipeline for the averaging/max statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the scheduler as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, derived view of Metrics, a
// sysfs-equivalent readiness probe.
type MetricsSnapshot struct {
	Submits     uint64
	Completions uint64
	Timeouts    uint64
	Aborts      uint64
	Errors      uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	CompletionRate float64 // percentage (0-100) of terminal commands that completed cleanly
	Throughput     float64 // completions per second
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submits:       m.Submits.Load(),
		Completions:   m.Completions.Load(),
		Timeouts:      m.Timeouts.Load(),
		Aborts:        m.Aborts.Load(),
		Errors:        m.Errors.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.Throughput = float64(snap.Completions) / uptimeSeconds
	}

	terminalTotal := snap.Completions + snap.Timeouts + snap.Aborts + snap.Errors
	if terminalTotal > 0 {
		snap.CompletionRate = float64(snap.Completions) / float64(terminalTotal) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.Submits.Store(0)
	m.Completions.Store(0)
	m.Timeouts.Store(0)
	m.Aborts.Store(0)
	m.Errors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, so a caller can mirror
// scheduler events into its own monitoring stack instead of (or in
// addition to) the built-in Metrics.
type Observer interface {
	ObserveSubmit()
	ObserveTerminal(state CommandState, latencyNs uint64)
	ObserveQueueDepth(cuIndex int, depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit()                              {}
func (NoOpObserver) ObserveTerminal(CommandState, uint64)        {}
func (NoOpObserver) ObserveQueueDepth(int, uint32)               {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit() {
	o.metrics.RecordSubmit()
}

func (o *MetricsObserver) ObserveTerminal(state CommandState, latencyNs uint64) {
	o.metrics.RecordTerminal(state, latencyNs)
}

func (o *MetricsObserver) ObserveQueueDepth(cuIndex int, depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
