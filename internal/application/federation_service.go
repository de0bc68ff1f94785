package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"github.com/juanbautista0/federation-gateway/internal/infrastructure"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FederationOptions tune the service. Zero values are valid.
type FederationOptions struct {
	// Seed is installed when the store holds no document yet.
	Seed *domain.FederationConfig
	// Watch subscribes to store changes made by other processes.
	Watch bool

	MetricsWindow int
	Prometheus    *infrastructure.PrometheusCollector
	HealthClient  *http.Client
	ProxyClient   *http.Client
	Tracer        trace.Tracer
	Propagator    propagation.TextMapPropagator
}

// FederationService owns the routing components and keeps them in step
// with the installed document.
type FederationService struct {
	store    domain.ConfigStore
	registry *infrastructure.EndpointRegistry
	monitor  *infrastructure.HealthMonitor
	breakers *infrastructure.CircuitBreakerManager
	balancer *infrastructure.LoadBalancer
	conns    *infrastructure.ConnectionTracker
	metrics  *infrastructure.MetricsAggregator
	drainer  *infrastructure.EndpointDrainer
	prom     *infrastructure.PrometheusCollector
	proxy    *ProxyService
	opts     FederationOptions
	logger   *zap.Logger

	mu sync.Mutex
}

func NewFederationService(store domain.ConfigStore, opts FederationOptions, logger *zap.Logger) *FederationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FederationService{
		store:  store,
		prom:   opts.Prometheus,
		opts:   opts,
		logger: logger.With(zap.String("component", "federation")),
	}

	var breakerOpts []infrastructure.BreakerOption
	var healthOpts []infrastructure.HealthOption
	if opts.HealthClient != nil {
		healthOpts = append(healthOpts, infrastructure.WithHealthClient(opts.HealthClient))
	}
	if s.prom != nil {
		breakerOpts = append(breakerOpts, infrastructure.WithStateChangeHook(s.prom.SetCircuitState))
		healthOpts = append(healthOpts, infrastructure.WithHealthHook(s.prom.SetHealth))
	}

	s.registry = infrastructure.NewEndpointRegistry(store, logger)
	s.monitor = infrastructure.NewHealthMonitor(infrastructure.HealthSettings{}, logger, healthOpts...)
	s.breakers = infrastructure.NewCircuitBreakerManager(domain.BreakerSettings{}, logger, breakerOpts...)
	s.conns = infrastructure.NewConnectionTracker()
	s.balancer = infrastructure.NewLoadBalancer(s.monitor, s.conns, logger)
	s.metrics = infrastructure.NewMetricsAggregator(opts.MetricsWindow)
	s.drainer = infrastructure.NewEndpointDrainer(s.conns.Current, s.onDrained, logger)
	if s.prom != nil {
		s.conns.OnChange(s.prom.SetActiveConnections)
	}

	deps := ProxyDeps{
		Router:      s.registry,
		Selector:    s.balancer,
		Breakers:    s.breakers,
		Connections: s.conns,
		Metrics:     s.metrics,
		Client:      opts.ProxyClient,
		Tracer:      opts.Tracer,
		Propagator:  opts.Propagator,
	}
	if s.prom != nil {
		deps.Observer = s.prom
	}
	s.proxy = NewProxyService(deps, logger)

	s.registry.OnChange(s.onConfigChange)
	return s
}

// Start loads the document, seeding the store when it is empty, and
// optionally follows store changes until ctx ends.
func (s *FederationService) Start(ctx context.Context) error {
	err := s.registry.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, infrastructure.ErrConfigNotFound) && s.opts.Seed != nil:
		s.logger.Info("store is empty, seeding federation config")
		if err := s.registry.Replace(ctx, s.opts.Seed); err != nil {
			return fmt.Errorf("seed federation config: %w", err)
		}
	default:
		return err
	}

	if s.opts.Watch {
		err := s.store.Watch(ctx, func(cfg *domain.FederationConfig) {
			if err := s.registry.Apply(cfg); err != nil {
				s.logger.Warn("ignored external config change", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("watch federation config: %w", err)
		}
	}
	return nil
}

// Shutdown stops every probe loop, then waits for pending drains until ctx
// ends.
func (s *FederationService) Shutdown(ctx context.Context) error {
	s.monitor.StopAll()

	done := make(chan struct{})
	go func() {
		s.drainer.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FederationService) Proxy() *ProxyService { return s.proxy }

func (s *FederationService) Registry() *infrastructure.EndpointRegistry { return s.registry }

func (s *FederationService) Monitor() *infrastructure.HealthMonitor { return s.monitor }

func (s *FederationService) Breakers() *infrastructure.CircuitBreakerManager { return s.breakers }

func (s *FederationService) Connections() *infrastructure.ConnectionTracker { return s.conns }

// onConfigChange reconciles the per-endpoint components with the new
// document.
func (s *FederationService) onConfigChange(old, cfg *domain.FederationConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := infrastructure.HealthSettingsFrom(cfg)
	probeChanged := old == nil || settings != infrastructure.HealthSettingsFrom(old)
	s.monitor.SetSettings(settings)
	s.drainer.SetTimeout(cfg.Defaults.DrainTimeout)
	s.balancer.Configure(cfg.Balancer)

	previous := make(map[string]domain.RemoteEndpoint)
	if old != nil {
		for _, ep := range old.Endpoints {
			previous[ep.ID] = ep
		}
	}

	for _, ep := range cfg.Endpoints {
		s.breakers.Configure(ep.ID, cfg.BreakerSettingsFor(ep))

		before, existed := previous[ep.ID]
		delete(previous, ep.ID)

		switch {
		case ep.Status == domain.EndpointInactive:
			s.monitor.Stop(ep.ID)
			s.monitor.Forget(ep.ID)
		case !existed:
			s.drainer.Cancel(ep.ID)
			s.monitor.Start(ep)
			s.logger.Info("endpoint registered", zap.String("endpoint_id", ep.ID), zap.String("address", ep.Address))
		case probeChanged || probeTargetChanged(before, ep):
			s.monitor.Restart(ep)
		default:
			// Vuelve de inactive sin otros cambios
			s.monitor.Start(ep)
		}
	}

	for id := range previous {
		s.monitor.Stop(id)
		s.monitor.Forget(id)
		s.breakers.Remove(id)
		s.drainer.Start(id)
		s.logger.Info("endpoint deregistered", zap.String("endpoint_id", id))
	}
}

func probeTargetChanged(a, b domain.RemoteEndpoint) bool {
	return a.Address != b.Address || a.HealthPath != b.HealthPath || a.Status != b.Status
}

func (s *FederationService) onDrained(id string) {
	s.conns.Forget(id)
	if s.prom != nil {
		s.prom.ForgetEndpoint(id)
	}
}

func (s *FederationService) Config() *domain.FederationConfig {
	return s.registry.Config()
}

func (s *FederationService) ReplaceConfig(ctx context.Context, cfg *domain.FederationConfig) error {
	return s.registry.Replace(ctx, cfg)
}

func (s *FederationService) AddEndpoint(ctx context.Context, ep domain.RemoteEndpoint) error {
	if _, exists := s.registry.Endpoint(ep.ID); exists {
		return &domain.ConfigurationError{Field: "id", Reason: fmt.Sprintf("endpoint %q already exists", ep.ID)}
	}
	return s.registry.AddEndpoint(ctx, ep)
}

func (s *FederationService) RemoveEndpoint(ctx context.Context, id string) error {
	return s.registry.RemoveEndpoint(ctx, id)
}

func (s *FederationService) ForceHealthCheck(ctx context.Context, id string) (domain.HealthStatus, error) {
	ep, ok := s.registry.Endpoint(id)
	if !ok {
		return domain.HealthStatus{}, domain.EndpointNotFound(id)
	}
	return s.monitor.ForceCheck(ctx, ep), nil
}

func (s *FederationService) UpdateBalancer(ctx context.Context, settings domain.BalancerSettings, weights map[string]int) error {
	return s.registry.UpdateBalancer(ctx, settings, weights)
}

// MetricsSnapshot measures balancing efficiency over the active endpoints,
// so an active endpoint that got no traffic counts as 0.
func (s *FederationService) MetricsSnapshot(window time.Duration) domain.MetricsSnapshot {
	active := []string{}
	for _, ep := range s.registry.Endpoints() {
		if ep.Status == domain.EndpointActive {
			active = append(active, ep.ID)
		}
	}
	return s.metrics.SnapshotFor(window, active)
}

// EndpointReports lists every configured endpoint in document order.
func (s *FederationService) EndpointReports() []domain.EndpointReport {
	endpoints := s.registry.Endpoints()
	reports := make([]domain.EndpointReport, 0, len(endpoints))
	for _, ep := range endpoints {
		r := domain.EndpointReport{
			EndpointID:        ep.ID,
			Name:              ep.Name,
			Address:           ep.Address,
			Region:            ep.Region,
			CircuitState:      s.breakers.State(ep.ID).State,
			ActiveConnections: s.conns.Current(ep.ID),
			TotalRequests:     s.conns.Total(ep.ID),
		}
		if status, ok := s.monitor.Get(ep.ID); ok {
			r.Health = &status
		}
		reports = append(reports, r)
	}
	return reports
}

var (
	_ domain.FederationAdmin = (*FederationService)(nil)
	_ domain.Observability   = (*FederationService)(nil)
)
