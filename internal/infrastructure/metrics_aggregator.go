package infrastructure

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
)

const DefaultMetricsWindow = 1000

// Sample is one recorded proxy outcome.
type Sample struct {
	Success    bool
	ElapsedMs  float64
	EndpointID string
	At         time.Time
}

// MetricsAggregator keeps the last N samples in a ring buffer.
type MetricsAggregator struct {
	mu     sync.RWMutex
	buffer []Sample
	size   int
	index  int
	full   bool
	now    func() time.Time
}

func NewMetricsAggregator(size int) *MetricsAggregator {
	if size <= 0 {
		size = DefaultMetricsWindow
	}
	return &MetricsAggregator{
		buffer: make([]Sample, size),
		size:   size,
		now:    time.Now,
	}
}

func (m *MetricsAggregator) Record(success bool, elapsedMs float64, endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffer[m.index] = Sample{Success: success, ElapsedMs: elapsedMs, EndpointID: endpointID, At: m.now()}
	m.index = (m.index + 1) % m.size
	if m.index == 0 {
		m.full = true
	}
}

// Samples returns the buffered samples oldest first.
func (m *MetricsAggregator) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.full {
		result := make([]Sample, m.index)
		copy(result, m.buffer[:m.index])
		return result
	}

	result := make([]Sample, m.size)
	copy(result, m.buffer[m.index:])
	copy(result[m.size-m.index:], m.buffer[:m.index])
	return result
}

// Snapshot aggregates samples recorded within timeRange of now. A zero
// range covers the whole buffer. Efficiency is measured over the endpoints
// that received traffic.
func (m *MetricsAggregator) Snapshot(timeRange time.Duration) domain.MetricsSnapshot {
	return m.SnapshotFor(timeRange, nil)
}

// SnapshotFor is Snapshot with efficiency measured over the given active
// endpoints. Idle ones appear in the distribution with 0 requests.
func (m *MetricsAggregator) SnapshotFor(timeRange time.Duration, active []string) domain.MetricsSnapshot {
	now := m.now()
	samples := m.Samples()

	snap := domain.MetricsSnapshot{
		Distribution: make(map[string]int),
		Window:       timeRange,
		GeneratedAt:  now,
	}

	latencies := make([]float64, 0, len(samples))
	sum := 0.0
	for _, s := range samples {
		if timeRange > 0 && now.Sub(s.At) > timeRange {
			continue
		}
		snap.TotalRequests++
		if s.Success {
			snap.SuccessfulRequests++
		} else {
			snap.FailedRequests++
		}
		snap.Distribution[s.EndpointID]++
		latencies = append(latencies, s.ElapsedMs)
		sum += s.ElapsedMs
	}
	for _, id := range active {
		if _, ok := snap.Distribution[id]; !ok {
			snap.Distribution[id] = 0
		}
	}

	if snap.TotalRequests == 0 {
		snap.SuccessRate = 1
		snap.BalancingEfficiency = 1
		return snap
	}

	sort.Float64s(latencies)
	n := len(latencies)
	snap.AverageLatencyMs = sum / float64(n)
	snap.MinLatencyMs = latencies[0]
	snap.MaxLatencyMs = latencies[n-1]
	snap.P50LatencyMs = percentile(latencies, 0.50)
	snap.P95LatencyMs = percentile(latencies, 0.95)
	snap.P99LatencyMs = percentile(latencies, 0.99)

	snap.SuccessRate = float64(snap.SuccessfulRequests) / float64(snap.TotalRequests)
	snap.ErrorRate = 1 - snap.SuccessRate
	snap.BalancingEfficiency = efficiency(snap.Distribution, active)
	return snap
}

// percentile uses the nearest-rank method over sorted values.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func efficiency(distribution map[string]int, active []string) float64 {
	lo, hi := math.MaxInt, 0
	if active == nil {
		for _, n := range distribution {
			lo = min(lo, n)
			hi = max(hi, n)
		}
	}
	for _, id := range active {
		lo = min(lo, distribution[id])
		hi = max(hi, distribution[id])
	}
	if hi == 0 {
		return 1
	}
	return float64(lo) / float64(hi)
}
