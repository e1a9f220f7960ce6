package tpio

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
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

// Metrics tracks performance and operational statistics for a Pool.
type Metrics struct {
	// I/O task operation counters.
	ReadOps      atomic.Uint64
	WriteOps     atomic.Uint64
	AcceptOps    atomic.Uint64
	ConnectExOps atomic.Uint64

	// Byte counters.
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Error counters.
	ReadErrors      atomic.Uint64
	WriteErrors     atomic.Uint64
	ConnectExErrors atomic.Uint64

	// Message queue statistics.
	MQSent     atomic.Uint64 // messages successfully enqueued
	MQDropped  atomic.Uint64 // messages dropped (queue full, destination gone)
	MQResyncs  atomic.Uint64 // packet-corruption resyncs (§4.3)

	// Reactor event-loop statistics.
	EventsDispatched atomic.Uint64
	TasksArmed       atomic.Uint64
	QueueDepthTotal  atomic.Uint64 // cumulative armed-task count samples
	QueueDepthCount  atomic.Uint64
	MaxQueueDepth    atomic.Uint32

	// Performance tracking.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts).
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Pool lifecycle.
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a read/recv completion.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write/send completion.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAccept records an accept completion.
func (m *Metrics) RecordAccept(latencyNs uint64) {
	m.AcceptOps.Add(1)
	m.recordLatency(latencyNs)
}

// RecordConnectEx records a connect-with-retry attempt outcome.
func (m *Metrics) RecordConnectEx(latencyNs uint64, success bool) {
	m.ConnectExOps.Add(1)
	if !success {
		m.ConnectExErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordMQSend records a message-queue send outcome.
func (m *Metrics) RecordMQSend(delivered bool) {
	if delivered {
		m.MQSent.Add(1)
	} else {
		m.MQDropped.Add(1)
	}
}

// RecordMQResync records a packet-corruption resync event (§4.3).
func (m *Metrics) RecordMQResync() {
	m.MQResyncs.Add(1)
}

// RecordQueueDepth records the current armed-task count for statistics.
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

// recordLatency records operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the pool as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	ReadOps      uint64
	WriteOps     uint64
	AcceptOps    uint64
	ConnectExOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors      uint64
	WriteErrors     uint64
	ConnectExErrors uint64

	MQSent    uint64
	MQDropped uint64
	MQResyncs uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:         m.ReadOps.Load(),
		WriteOps:        m.WriteOps.Load(),
		AcceptOps:       m.AcceptOps.Load(),
		ConnectExOps:    m.ConnectExOps.Load(),
		ReadBytes:       m.ReadBytes.Load(),
		WriteBytes:      m.WriteBytes.Load(),
		ReadErrors:      m.ReadErrors.Load(),
		WriteErrors:     m.WriteErrors.Load(),
		ConnectExErrors: m.ConnectExErrors.Load(),
		MQSent:          m.MQSent.Load(),
		MQDropped:       m.MQDropped.Load(),
		MQResyncs:       m.MQResyncs.Load(),
		MaxQueueDepth:   m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.AcceptOps + snap.ConnectExOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

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
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.ConnectExErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
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

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
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
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.AcceptOps.Store(0)
	m.ConnectExOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.ConnectExErrors.Store(0)
	m.MQSent.Store(0)
	m.MQDropped.Store(0)
	m.MQResyncs.Store(0)
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

// Observer allows pluggable metrics collection by iotask/connectex/mq.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveAccept(latencyNs uint64)
	ObserveConnectEx(latencyNs uint64, success bool)
	ObserveMQSend(delivered bool)
	ObserveMQResync()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)      {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)     {}
func (NoOpObserver) ObserveAccept(uint64)                  {}
func (NoOpObserver) ObserveConnectEx(uint64, bool)         {}
func (NoOpObserver) ObserveMQSend(bool)                    {}
func (NoOpObserver) ObserveMQResync()                      {}
func (NoOpObserver) ObserveQueueDepth(uint32)              {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveAccept(latencyNs uint64) {
	o.metrics.RecordAccept(latencyNs)
}

func (o *MetricsObserver) ObserveConnectEx(latencyNs uint64, success bool) {
	o.metrics.RecordConnectEx(latencyNs, success)
}

func (o *MetricsObserver) ObserveMQSend(delivered bool) {
	o.metrics.RecordMQSend(delivered)
}

func (o *MetricsObserver) ObserveMQResync() {
	o.metrics.RecordMQResync()
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
