package infrastructure

import (
	"sync"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"go.uber.org/zap"
)

// LoadBalancer selects among healthy endpoints with the strategy resolved
// at the last Configure call. It holds no per-call state outside the
// algorithm's own cursor.
type LoadBalancer struct {
	mu       sync.RWMutex
	algo     Algorithm
	settings domain.BalancerSettings

	health domain.HealthSource
	conns  domain.ConnectionSource
	logger *zap.Logger
}

func NewLoadBalancer(health domain.HealthSource, conns domain.ConnectionSource, logger *zap.Logger) *LoadBalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoadBalancer{
		algo:     &roundRobin{},
		settings: domain.BalancerSettings{Strategy: domain.RoundRobin},
		health:   health,
		conns:    conns,
		logger:   logger.With(zap.String("component", "load_balancer")),
	}
}

// Configure resolves the strategy. Unchanged settings keep the current
// algorithm and its cursor.
func (lb *LoadBalancer) Configure(settings domain.BalancerSettings) {
	if settings.Strategy == "" {
		settings.Strategy = domain.RoundRobin
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if settings == lb.settings {
		return
	}
	lb.algo = newAlgorithm(settings)
	lb.settings = settings
	lb.logger.Info("balancer strategy configured",
		zap.String("strategy", string(settings.Strategy)),
		zap.String("preferred_region", settings.PreferredRegion),
	)
}

func (lb *LoadBalancer) Settings() domain.BalancerSettings {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.settings
}

// Healthy returns the endpoints whose cached health is healthy, in input
// order, with their current counters.
func (lb *LoadBalancer) Healthy(endpoints []domain.RemoteEndpoint) []Candidate {
	out := make([]Candidate, 0, len(endpoints))
	for _, ep := range endpoints {
		status, ok := lb.health.Get(ep.ID)
		if !ok || status.Status != domain.Healthy {
			continue
		}
		c := Candidate{
			Endpoint:        ep,
			ResponseTimeMs:  status.ResponseTimeMs,
			HasResponseTime: !status.LastCheck.IsZero(),
		}
		if lb.conns != nil {
			c.ActiveConns = lb.conns.Current(ep.ID)
		}
		out = append(out, c)
	}
	return out
}

// Select returns nil if and only if no endpoint is healthy.
func (lb *LoadBalancer) Select(endpoints []domain.RemoteEndpoint) *domain.RemoteEndpoint {
	candidates := lb.Healthy(endpoints)
	if len(candidates) == 0 {
		return nil
	}

	lb.mu.RLock()
	algo := lb.algo
	lb.mu.RUnlock()

	idx := algo.Select(candidates)
	if idx < 0 || idx >= len(candidates) {
		idx = 0
	}
	selected := candidates[idx].Endpoint
	return &selected
}
