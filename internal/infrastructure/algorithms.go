package infrastructure

import (
	"sync/atomic"

	"github.com/juanbautista0/federation-gateway/internal/domain"
)

// Candidate is one healthy endpoint as seen by a selection algorithm.
type Candidate struct {
	Endpoint        domain.RemoteEndpoint
	ActiveConns     int64
	ResponseTimeMs  float64
	HasResponseTime bool
}

// Algorithm picks one candidate. It returns -1 only for an empty input.
type Algorithm interface {
	Select(candidates []Candidate) int
}

// newAlgorithm resolves a strategy once; callers keep the returned value
// until the balancer settings change.
func newAlgorithm(settings domain.BalancerSettings) Algorithm {
	switch settings.Strategy {
	case domain.WeightedRoundRobin:
		return &weightedRoundRobin{}
	case domain.LeastConnections:
		return leastConnections{}
	case domain.LeastResponseTime, domain.HealthBased:
		return leastResponseTime{}
	case domain.Geographic:
		return geographic{region: settings.PreferredRegion}
	default:
		return &roundRobin{}
	}
}

// Round robin sobre la lista sana; avanza en cada llamada.
type roundRobin struct {
	next atomic.Uint64
}

func (rr *roundRobin) Select(candidates []Candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	n := rr.next.Add(1) - 1
	return int(n % uint64(len(candidates)))
}

// weightedRoundRobin cycles over a virtual list where every candidate
// appears max(1, weight/10) times. Counts are reduced by their GCD and
// interleaved round by round, so 100/100/200 becomes [a b c c].
type weightedRoundRobin struct {
	next atomic.Uint64
}

func (w *weightedRoundRobin) Select(candidates []Candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	virtual := expandWeights(candidates)
	n := w.next.Add(1) - 1
	return virtual[n%uint64(len(virtual))]
}

func expandWeights(candidates []Candidate) []int {
	counts := make([]int, len(candidates))
	g := 0
	for i, c := range candidates {
		counts[i] = max(1, c.Endpoint.Weight/10)
		g = gcd(g, counts[i])
	}

	rounds := 0
	total := 0
	for i := range counts {
		counts[i] /= g
		total += counts[i]
		rounds = max(rounds, counts[i])
	}

	virtual := make([]int, 0, total)
	for r := 0; r < rounds; r++ {
		for i, c := range counts {
			if c > r {
				virtual = append(virtual, i)
			}
		}
	}
	return virtual
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Least connections; empates por orden de lista.
type leastConnections struct{}

func (leastConnections) Select(candidates []Candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].ActiveConns < candidates[best].ActiveConns {
			best = i
		}
	}
	return best
}

// leastResponseTime skips candidates without a measurement unless none has
// one, in which case the first candidate wins.
type leastResponseTime struct{}

func (leastResponseTime) Select(candidates []Candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	best := -1
	for i, c := range candidates {
		if !c.HasResponseTime {
			continue
		}
		if best < 0 || c.ResponseTimeMs < candidates[best].ResponseTimeMs {
			best = i
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// geographic prefers the configured region and falls back to every
// candidate when no endpoint of that region is healthy.
type geographic struct {
	region string
}

func (g geographic) Select(candidates []Candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	if g.region != "" {
		local := make([]int, 0, len(candidates))
		group := make([]Candidate, 0, len(candidates))
		for i, c := range candidates {
			if c.Endpoint.Region == g.region {
				local = append(local, i)
				group = append(group, c)
			}
		}
		if len(group) > 0 {
			return local[leastResponseTime{}.Select(group)]
		}
	}
	return leastResponseTime{}.Select(candidates)
}
