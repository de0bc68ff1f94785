package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"go.uber.org/zap"
)

// HealthSettings are the probe parameters shared by every loop.
type HealthSettings struct {
	Interval        time.Duration
	Timeout         time.Duration
	DegradedLatency time.Duration // 0 disables degraded classification
}

// HealthSettingsFrom extracts the probe parameters of a document.
func HealthSettingsFrom(cfg *domain.FederationConfig) HealthSettings {
	return HealthSettings{
		Interval:        cfg.Defaults.HealthInterval,
		Timeout:         cfg.Defaults.HealthTimeout,
		DegradedLatency: cfg.Defaults.DegradedLatency,
	}
}

// HealthMonitor runs one probe loop per endpoint and caches the latest
// HealthStatus of each. Readers never block on a probe.
type HealthMonitor struct {
	mu       sync.RWMutex
	loops    map[string]*probeLoop
	statuses map[string]domain.HealthStatus
	settings HealthSettings

	client   *http.Client
	logger   *zap.Logger
	onChange func(domain.HealthStatus)
}

type probeLoop struct {
	endpoint domain.RemoteEndpoint
	cancel   context.CancelFunc
	done     chan struct{}
}

type HealthOption func(*HealthMonitor)

func WithHealthClient(c *http.Client) HealthOption {
	return func(m *HealthMonitor) { m.client = c }
}

// WithHealthHook is called after every stored probe result.
func WithHealthHook(fn func(domain.HealthStatus)) HealthOption {
	return func(m *HealthMonitor) { m.onChange = fn }
}

func NewHealthMonitor(settings HealthSettings, logger *zap.Logger, opts ...HealthOption) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HealthMonitor{
		loops:    make(map[string]*probeLoop),
		statuses: make(map[string]domain.HealthStatus),
		settings: normalizeHealth(settings),
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   2 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 2 * time.Second,
			},
		},
		logger: logger.With(zap.String("component", "health_monitor")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalizeHealth(s HealthSettings) HealthSettings {
	if s.Interval <= 0 {
		s.Interval = domain.DefaultHealthInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = domain.DefaultHealthTimeout
	}
	return s
}

// SetSettings changes probe parameters. Running loops keep their interval
// until restarted.
func (m *HealthMonitor) SetSettings(s HealthSettings) {
	m.mu.Lock()
	m.settings = normalizeHealth(s)
	m.mu.Unlock()
}

func (m *HealthMonitor) Settings() HealthSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Start launches the probe loop of an endpoint. Calling it again for a
// running id is a no-op. Inactive endpoints are never probed.
func (m *HealthMonitor) Start(ep domain.RemoteEndpoint) {
	if ep.Status == domain.EndpointInactive {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.loops[ep.ID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &probeLoop{endpoint: ep.Clone(), cancel: cancel, done: make(chan struct{})}
	m.loops[ep.ID] = loop

	go m.run(ctx, loop, m.settings.Interval)
	m.logger.Debug("probe loop started", zap.String("endpoint_id", ep.ID), zap.Duration("interval", m.settings.Interval))
}

// Stop cancels the loop of an endpoint and waits for it to exit. The last
// cached status stays readable.
func (m *HealthMonitor) Stop(id string) {
	m.mu.Lock()
	loop, ok := m.loops[id]
	delete(m.loops, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	loop.cancel()
	<-loop.done
	m.logger.Debug("probe loop stopped", zap.String("endpoint_id", id))
}

// Restart replaces the loop of an endpoint, e.g. after its address changed.
func (m *HealthMonitor) Restart(ep domain.RemoteEndpoint) {
	m.Stop(ep.ID)
	m.Start(ep)
}

// Forget drops the cached status of an endpoint.
func (m *HealthMonitor) Forget(id string) {
	m.mu.Lock()
	delete(m.statuses, id)
	m.mu.Unlock()
}

// Running reports whether a probe loop exists for id.
func (m *HealthMonitor) Running(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.loops[id]
	return ok
}

// StopAll cancels every loop and returns once all of them exited.
func (m *HealthMonitor) StopAll() {
	m.mu.Lock()
	loops := m.loops
	m.loops = make(map[string]*probeLoop)
	m.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
	}
	for _, loop := range loops {
		<-loop.done
	}
	m.logger.Info("all probe loops stopped", zap.Int("count", len(loops)))
}

func (m *HealthMonitor) Get(id string) (domain.HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[id]
	return s, ok
}

// All returns every cached status ordered by endpoint id.
func (m *HealthMonitor) All() []domain.HealthStatus {
	m.mu.RLock()
	out := make([]domain.HealthStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// ForceCheck probes an endpoint now and caches the result.
func (m *HealthMonitor) ForceCheck(ctx context.Context, ep domain.RemoteEndpoint) domain.HealthStatus {
	status := m.Check(ctx, ep)
	m.store(status)
	return status
}

func (m *HealthMonitor) run(ctx context.Context, loop *probeLoop, interval time.Duration) {
	defer close(loop.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Probe inicial inmediato
	m.probe(ctx, loop.endpoint)

	for {
		select {
		case <-ticker.C:
			m.probe(ctx, loop.endpoint)
		case <-ctx.Done():
			return
		}
	}
}

// probe never lets a failure or panic escape into the loop.
func (m *HealthMonitor) probe(ctx context.Context, ep domain.RemoteEndpoint) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health probe panicked",
				zap.String("endpoint_id", ep.ID),
				zap.Any("panic", r),
			)
		}
	}()

	status := m.Check(ctx, ep)
	if ctx.Err() != nil {
		// Detenido durante el probe; el resultado no es representativo.
		return
	}
	m.store(status)
}

func (m *HealthMonitor) store(status domain.HealthStatus) {
	m.mu.Lock()
	prev, had := m.statuses[status.EndpointID]
	m.statuses[status.EndpointID] = status
	m.mu.Unlock()

	if !had || prev.Status != status.Status {
		m.logger.Info("endpoint health changed",
			zap.String("endpoint_id", status.EndpointID),
			zap.String("status", string(status.Status)),
			zap.Float64("response_time_ms", status.ResponseTimeMs),
			zap.String("error", status.ErrorMessage),
		)
	}
	if m.onChange != nil {
		m.onChange(status)
	}
}

// Check issues one bounded liveness call. It never returns an error; every
// failure is folded into the returned status.
func (m *HealthMonitor) Check(ctx context.Context, ep domain.RemoteEndpoint) domain.HealthStatus {
	settings := m.Settings()
	start := time.Now()
	status := domain.HealthStatus{EndpointID: ep.ID, LastCheck: start}

	if ep.Status == domain.EndpointMaintenance {
		status.Status = domain.Maintenance
		return status
	}

	path := ep.HealthPath
	if path == "" {
		path = domain.DefaultHealthPath
	}

	ctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(ep.Address, "/")+path, nil)
	if err != nil {
		status.Status = domain.Unhealthy
		status.ErrorMessage = err.Error()
		return status
	}
	req.Header.Set("User-Agent", "federation-gateway-health/1.0")
	req.Header.Set("Accept", "*/*")

	resp, err := m.client.Do(req)
	status.ResponseTimeMs = elapsedMs(start)
	if err != nil {
		status.Status = domain.Unhealthy
		if isTimeout(err) {
			status.ErrorMessage = "timeout"
		} else {
			status.ErrorMessage = err.Error()
		}
		return status
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 400:
		status.Status = domain.Unhealthy
		status.ErrorMessage = fmt.Sprintf("status %d", resp.StatusCode)
	case settings.DegradedLatency > 0 && time.Since(start) > settings.DegradedLatency:
		status.Status = domain.Degraded
	default:
		status.Status = domain.Healthy
	}
	return status
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
