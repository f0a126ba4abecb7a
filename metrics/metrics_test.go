package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordReadWriteSnapshot(t *testing.T) {
	m := New()
	m.RecordRead(4096, 5_000, true)
	m.RecordRead(0, 50_000, false)
	m.RecordWrite(8192, 200_000, true)

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.ReadOps)
	require.Equal(t, uint64(4096), snap.ReadBytes)
	require.Equal(t, uint64(1), snap.ReadErrors)
	require.Equal(t, uint64(1), snap.WriteOps)
	require.Equal(t, uint64(8192), snap.WriteBytes)
	require.Equal(t, uint64(3), snap.TotalOps)
	require.Greater(t, snap.ErrorRate, 0.0)
}

func TestRecordQueueDepthTracksMax(t *testing.T) {
	m := New()
	m.RecordQueueDepth(3)
	m.RecordQueueDepth(9)
	m.RecordQueueDepth(1)

	snap := m.Snapshot()
	require.Equal(t, uint32(9), snap.MaxQueueDepth)
	require.InDelta(t, float64(3+9+1)/3, snap.AvgQueueDepth, 1e-9)
}

func TestObserveCombineAndMisalignedBounce(t *testing.T) {
	m := New()
	m.ObserveCombine(3)
	m.ObserveCombine(2)
	m.ObserveMisalignedBounce()

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.CombinedRequests)
	require.Equal(t, uint64(5), snap.CombinedParts)
	require.Equal(t, uint64(1), m.MisalignedBounces.Load())
}

func TestLatencyHistogramBucketsAccumulate(t *testing.T) {
	m := New()
	m.recordLatency(500)      // falls in every bucket
	m.recordLatency(5_000_000) // falls in buckets >= 1e7 ns and above

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.LatencyHistogram[len(LatencyBuckets)-1])
	require.Equal(t, uint64(1), snap.LatencyHistogram[0])
}

func TestResetZeroesCounters(t *testing.T) {
	m := New()
	m.RecordRead(100, 1000, true)
	m.RecordWrite(200, 2000, true)
	m.ObserveCombine(4)

	m.Reset()
	snap := m.Snapshot()
	require.Equal(t, uint64(0), snap.ReadOps)
	require.Equal(t, uint64(0), snap.WriteOps)
	require.Equal(t, uint64(0), snap.CombinedRequests)
}

func TestNewObserverRoutesIntoMetrics(t *testing.T) {
	m := New()
	obs := NewObserver(m)

	obs.ObserveRead(512, 1000, true)
	obs.ObserveWrite(1024, 2000, true)
	obs.ObserveDiscard(2048, 500, true)
	obs.ObserveWriteZeroes(4096, 500, true)
	obs.ObserveFlush(100, true)
	obs.ObserveQueueDepth(7)
	obs.ObserveCombine(2)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.ReadOps)
	require.Equal(t, uint64(1), snap.WriteOps)
	require.Equal(t, uint64(1), snap.DiscardOps)
	require.Equal(t, uint64(1), snap.FlushOps)
	require.Equal(t, uint64(1), snap.CombinedRequests)
	require.Equal(t, uint32(7), snap.MaxQueueDepth)
}

func TestNoOpObserverDoesNothing(t *testing.T) {
	var obs NoOpObserver
	// Every call must simply be safe to make; there is nothing to assert
	// beyond "doesn't panic".
	obs.ObserveRead(1, 1, true)
	obs.ObserveWrite(1, 1, true)
	obs.ObserveDiscard(1, 1, true)
	obs.ObserveWriteZeroes(1, 1, true)
	obs.ObserveFlush(1, true)
	obs.ObserveQueueDepth(1)
	obs.ObserveCombine(1)
}
