package infrastructure

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMetricsAggregator_Empty(t *testing.T) {
	snap := NewMetricsAggregator(10).Snapshot(0)

	assert.Zero(t, snap.TotalRequests)
	assert.Equal(t, 1.0, snap.SuccessRate)
	assert.Zero(t, snap.ErrorRate)
	assert.Equal(t, 1.0, snap.BalancingEfficiency)
	assert.Empty(t, snap.Distribution)
}

func TestMetricsAggregator_Snapshot(t *testing.T) {
	m := NewMetricsAggregator(10)
	for i := 1; i <= 10; i++ {
		m.Record(i != 10, float64(i*10), map[bool]string{true: "a", false: "b"}[i%2 == 0])
	}

	snap := m.Snapshot(0)
	assert.Equal(t, 10, snap.TotalRequests)
	assert.Equal(t, 9, snap.SuccessfulRequests)
	assert.Equal(t, 1, snap.FailedRequests)
	assert.InDelta(t, 0.9, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 0.1, snap.ErrorRate, 1e-9)
	assert.Equal(t, 55.0, snap.AverageLatencyMs)
	assert.Equal(t, 10.0, snap.MinLatencyMs)
	assert.Equal(t, 100.0, snap.MaxLatencyMs)
	assert.Equal(t, 50.0, snap.P50LatencyMs)
	assert.Equal(t, 100.0, snap.P95LatencyMs)
	assert.Equal(t, 100.0, snap.P99LatencyMs)
	assert.Equal(t, map[string]int{"a": 5, "b": 5}, snap.Distribution)
	assert.Equal(t, 1.0, snap.BalancingEfficiency)
}

func TestMetricsAggregator_RingOverwritesOldest(t *testing.T) {
	m := NewMetricsAggregator(3)
	for i := 1; i <= 5; i++ {
		m.Record(true, float64(i), "a")
	}

	samples := m.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{samples[0].ElapsedMs, samples[1].ElapsedMs, samples[2].ElapsedMs})
}

func TestMetricsAggregator_TimeRange(t *testing.T) {
	clock := newFakeClock()
	m := NewMetricsAggregator(10)
	m.now = clock.Now

	m.Record(false, 100, "a")
	clock.Advance(2 * time.Minute)
	m.Record(true, 10, "b")
	m.Record(true, 20, "b")

	snap := m.Snapshot(time.Minute)
	assert.Equal(t, 2, snap.TotalRequests)
	assert.Equal(t, 1.0, snap.SuccessRate)
	assert.Equal(t, map[string]int{"b": 2}, snap.Distribution)
	assert.Equal(t, time.Minute, snap.Window)

	assert.Equal(t, 3, m.Snapshot(0).TotalRequests)
}

func TestMetricsAggregator_Efficiency(t *testing.T) {
	m := NewMetricsAggregator(10)
	m.Record(true, 1, "a")
	m.Record(true, 1, "a")
	m.Record(true, 1, "a")
	m.Record(true, 1, "a")
	m.Record(true, 1, "b")

	assert.Equal(t, 0.25, m.Snapshot(0).BalancingEfficiency)
}

func TestMetricsAggregator_EfficiencyCountsIdleActiveEndpoints(t *testing.T) {
	m := NewMetricsAggregator(100)
	for i := 0; i < 10; i++ {
		m.Record(true, 1, "e1")
	}

	snap := m.SnapshotFor(0, []string{"e1", "e2", "e3"})
	assert.Equal(t, 0.0, snap.BalancingEfficiency)
	assert.Equal(t, map[string]int{"e1": 10, "e2": 0, "e3": 0}, snap.Distribution)

	m.Record(true, 1, "e2")
	m.Record(true, 1, "e3")
	m.Record(true, 1, "gone")
	snap = m.SnapshotFor(0, []string{"e1", "e2", "e3"})
	assert.InDelta(t, 0.1, snap.BalancingEfficiency, 1e-9)

	assert.Equal(t, 1.0, NewMetricsAggregator(10).SnapshotFor(0, []string{"e1"}).BalancingEfficiency)
}

func TestMetricsAggregator_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 50).Draw(t, "size")
		m := NewMetricsAggregator(size)
		n := rapid.IntRange(1, 120).Draw(t, "n")
		for i := 0; i < n; i++ {
			m.Record(
				rapid.Bool().Draw(t, "success"),
				rapid.Float64Range(0, 5000).Draw(t, "latency"),
				rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "endpoint"),
			)
		}

		snap := m.Snapshot(0)
		if snap.TotalRequests != min(n, size) {
			t.Fatalf("total %d, want %d", snap.TotalRequests, min(n, size))
		}
		if math.Abs(snap.SuccessRate+snap.ErrorRate-1) > 1e-9 {
			t.Fatalf("success %f + error %f != 1", snap.SuccessRate, snap.ErrorRate)
		}
		if !(snap.MinLatencyMs <= snap.P50LatencyMs && snap.P50LatencyMs <= snap.P95LatencyMs &&
			snap.P95LatencyMs <= snap.P99LatencyMs && snap.P99LatencyMs <= snap.MaxLatencyMs) {
			t.Fatalf("percentiles out of order: %+v", snap)
		}
		if snap.BalancingEfficiency <= 0 || snap.BalancingEfficiency > 1 {
			t.Fatalf("efficiency %f out of range", snap.BalancingEfficiency)
		}
	})
}
