// Package metrics tracks performance and operational statistics for the
// block I/O engine: per-opcode counters, byte counters, error counters,
// combine-request bookkeeping, and a latency histogram.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one Engine.
type Metrics struct {
	ReadOps           atomic.Uint64
	WriteOps          atomic.Uint64
	DiscardOps        atomic.Uint64
	FlushOps          atomic.Uint64
	WriteZeroesOps    atomic.Uint64
	CombinedRequests  atomic.Uint64
	CombinedParts     atomic.Uint64
	MisalignedBounces atomic.Uint64

	ReadBytes       atomic.Uint64
	WriteBytes      atomic.Uint64
	DiscardBytes    atomic.Uint64
	WriteZeroeBytes atomic.Uint64

	ReadErrors    atomic.Uint64
	WriteErrors   atomic.Uint64
	DiscardErrors atomic.Uint64
	FlushErrors   atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// New creates a new metrics instance with StartTime set to now.
func New() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordDiscard(bytes uint64, latencyNs uint64, success bool) {
	m.DiscardOps.Add(1)
	if success {
		m.DiscardBytes.Add(bytes)
	} else {
		m.DiscardErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordWriteZeroes(bytes uint64, latencyNs uint64, success bool) {
	m.WriteZeroesOps.Add(1)
	if success {
		m.WriteZeroeBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

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

// ObserveCombine records that a logical request was split into parts
// pieces and finalized, for tracking how often combine fan-out is used.
func (m *Metrics) ObserveCombine(parts int) {
	m.CombinedRequests.Add(1)
	m.CombinedParts.Add(uint64(parts))
}

// ObserveMisalignedBounce records that a request needed the bounce-buffer
// path because it violated direct-I/O alignment.
func (m *Metrics) ObserveMisalignedBounce() {
	m.MisalignedBounces.Add(1)
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

func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time copy of Metrics with derived statistics.
type Snapshot struct {
	ReadOps          uint64
	WriteOps         uint64
	DiscardOps       uint64
	FlushOps         uint64
	WriteZeroesOps   uint64
	CombinedRequests uint64
	CombinedParts    uint64

	ReadBytes    uint64
	WriteBytes   uint64
	DiscardBytes uint64

	ReadErrors    uint64
	WriteErrors   uint64
	DiscardErrors uint64
	FlushErrors   uint64

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

func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		ReadOps:          m.ReadOps.Load(),
		WriteOps:         m.WriteOps.Load(),
		DiscardOps:       m.DiscardOps.Load(),
		FlushOps:         m.FlushOps.Load(),
		WriteZeroesOps:   m.WriteZeroesOps.Load(),
		CombinedRequests: m.CombinedRequests.Load(),
		CombinedParts:    m.CombinedParts.Load(),
		ReadBytes:        m.ReadBytes.Load(),
		WriteBytes:       m.WriteBytes.Load(),
		DiscardBytes:     m.DiscardBytes.Load(),
		ReadErrors:       m.ReadErrors.Load(),
		WriteErrors:      m.WriteErrors.Load(),
		DiscardErrors:    m.DiscardErrors.Load(),
		FlushErrors:      m.FlushErrors.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.DiscardOps + snap.FlushOps + snap.WriteZeroesOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.DiscardBytes

	if count := m.QueueDepthCount.Load(); count > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(count)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
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

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.DiscardErrors + snap.FlushErrors
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

// Reset zeroes every counter; used between test cases.
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.DiscardOps.Store(0)
	m.FlushOps.Store(0)
	m.WriteZeroesOps.Store(0)
	m.CombinedRequests.Store(0)
	m.CombinedParts.Store(0)
	m.MisalignedBounces.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.DiscardBytes.Store(0)
	m.WriteZeroeBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.DiscardErrors.Store(0)
	m.FlushErrors.Store(0)
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

// Observer allows pluggable metrics collection without importing Metrics
// directly.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)
	ObserveWriteZeroes(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
	ObserveCombine(parts int)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)        {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)       {}
func (NoOpObserver) ObserveDiscard(uint64, uint64, bool)     {}
func (NoOpObserver) ObserveWriteZeroes(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)               {}
func (NoOpObserver) ObserveQueueDepth(uint32)                {}
func (NoOpObserver) ObserveCombine(int)                      {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordDiscard(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWriteZeroes(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWriteZeroes(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

func (o *MetricsObserver) ObserveCombine(parts int) {
	o.metrics.ObserveCombine(parts)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
