package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"go.uber.org/zap"
)

// ChangeListener observes an installed document. old is nil on the first
// install.
type ChangeListener func(old, new *domain.FederationConfig)

// EndpointRegistry holds the current federation document as an immutable
// snapshot. Readers load it atomically and never see a partial update; the
// snapshot only changes on an explicit load, replace or store event.
type EndpointRegistry struct {
	store  domain.ConfigStore
	snap   atomic.Pointer[registrySnapshot]
	logger *zap.Logger
	now    func() time.Time

	writeMu   sync.Mutex
	mu        sync.RWMutex
	listeners []ChangeListener
}

type registrySnapshot struct {
	cfg         *domain.FederationConfig
	index       map[string]int
	refreshedAt time.Time
}

func NewEndpointRegistry(store domain.ConfigStore, logger *zap.Logger) *EndpointRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EndpointRegistry{
		store:  store,
		logger: logger.With(zap.String("component", "endpoint_registry")),
		now:    time.Now,
	}
}

func (r *EndpointRegistry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Load reads the document from the store and installs it. On any error the
// previous snapshot stays in place.
func (r *EndpointRegistry) Load(ctx context.Context) error {
	cfg, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load federation config: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.install(cfg)
}

// Apply installs a document received from a store watch. Versions not
// newer than the current one are ignored, including our own saves.
func (r *EndpointRegistry) Apply(cfg *domain.FederationConfig) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if cur := r.snap.Load(); cur != nil && cfg.Version <= cur.cfg.Version {
		return nil
	}
	return r.install(cfg)
}

// Replace validates, versions and persists cfg, then installs it.
func (r *EndpointRegistry) Replace(ctx context.Context, cfg *domain.FederationConfig) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.replaceLocked(ctx, cfg.Clone())
}

// Update applies mutate to a copy of the current document and replaces it.
func (r *EndpointRegistry) Update(ctx context.Context, mutate func(cfg *domain.FederationConfig) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.current().Clone()
	if next == nil {
		next = &domain.FederationConfig{}
	}
	if err := mutate(next); err != nil {
		return err
	}
	return r.replaceLocked(ctx, next)
}

func (r *EndpointRegistry) replaceLocked(ctx context.Context, cfg *domain.FederationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ApplyDefaults()
	if cur := r.current(); cur != nil {
		cfg.Version = cur.Version + 1
	} else if cfg.Version <= 0 {
		cfg.Version = 1
	}

	if err := r.store.Save(ctx, cfg); err != nil {
		return fmt.Errorf("persist federation config: %w", err)
	}
	r.swap(cfg)
	return nil
}

// install must be called with writeMu held.
func (r *EndpointRegistry) install(cfg *domain.FederationConfig) error {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		r.logger.Warn("rejected federation config, keeping last known good",
			zap.Int64("version", cfg.Version),
			zap.Error(err),
		)
		return err
	}
	cfg.ApplyDefaults()
	r.swap(cfg)
	return nil
}

func (r *EndpointRegistry) swap(cfg *domain.FederationConfig) {
	index := make(map[string]int, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		index[ep.ID] = i
	}
	prev := r.snap.Swap(&registrySnapshot{cfg: cfg, index: index, refreshedAt: r.now()})

	var old *domain.FederationConfig
	if prev != nil {
		old = prev.cfg
	}
	r.logger.Info("federation config installed",
		zap.Int64("version", cfg.Version),
		zap.Int("endpoints", len(cfg.Endpoints)),
		zap.String("strategy", string(cfg.Balancer.Strategy)),
	)

	r.mu.RLock()
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(old, cfg)
	}
}

func (r *EndpointRegistry) current() *domain.FederationConfig {
	if s := r.snap.Load(); s != nil {
		return s.cfg
	}
	return nil
}

// Snapshot returns the installed document without copying. Callers must
// treat it as read-only.
func (r *EndpointRegistry) Snapshot() *domain.FederationConfig {
	return r.current()
}

// Config returns a deep copy of the installed document.
func (r *EndpointRegistry) Config() *domain.FederationConfig {
	return r.current().Clone()
}

func (r *EndpointRegistry) Endpoints() []domain.RemoteEndpoint {
	cfg := r.current()
	if cfg == nil {
		return nil
	}
	out := make([]domain.RemoteEndpoint, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		out[i] = ep.Clone()
	}
	return out
}

func (r *EndpointRegistry) Endpoint(id string) (domain.RemoteEndpoint, bool) {
	s := r.snap.Load()
	if s == nil {
		return domain.RemoteEndpoint{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return domain.RemoteEndpoint{}, false
	}
	return s.cfg.Endpoints[i], true
}

func (r *EndpointRegistry) LastRefresh() time.Time {
	if s := r.snap.Load(); s != nil {
		return s.refreshedAt
	}
	return time.Time{}
}

func (r *EndpointRegistry) Version() int64 {
	if cfg := r.current(); cfg != nil {
		return cfg.Version
	}
	return 0
}

func (r *EndpointRegistry) AddEndpoint(ctx context.Context, ep domain.RemoteEndpoint) error {
	return r.Update(ctx, func(cfg *domain.FederationConfig) error {
		cfg.Endpoints = append(cfg.Endpoints, ep.Clone())
		return nil
	})
}

func (r *EndpointRegistry) RemoveEndpoint(ctx context.Context, id string) error {
	return r.Update(ctx, func(cfg *domain.FederationConfig) error {
		for i, ep := range cfg.Endpoints {
			if ep.ID == id {
				cfg.Endpoints = append(cfg.Endpoints[:i], cfg.Endpoints[i+1:]...)
				return nil
			}
		}
		return domain.EndpointNotFound(id)
	})
}

// UpdateBalancer sets the strategy and, optionally, per-endpoint weights.
func (r *EndpointRegistry) UpdateBalancer(ctx context.Context, settings domain.BalancerSettings, weights map[string]int) error {
	return r.Update(ctx, func(cfg *domain.FederationConfig) error {
		if settings.Strategy != "" {
			cfg.Balancer = settings
		}
		for id, w := range weights {
			found := false
			for i := range cfg.Endpoints {
				if cfg.Endpoints[i].ID == id {
					cfg.Endpoints[i].Weight = w
					found = true
					break
				}
			}
			if !found {
				return domain.EndpointNotFound(id)
			}
		}
		return nil
	})
}
