package infrastructure

import (
	"sort"
	"sync"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"go.uber.org/zap"
)

// CircuitBreakerManager keeps one breaker per endpoint. The map lock only
// guards lookup; every breaker serializes its own transitions.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*endpointBreaker
	removed  map[string]struct{}
	defaults domain.BreakerSettings
	now      func() time.Time
	logger   *zap.Logger
	onChange func(endpointID string, from, to domain.CircuitState)
}

type endpointBreaker struct {
	mu    sync.Mutex
	state domain.CircuitBreakerState
}

type BreakerOption func(*CircuitBreakerManager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(m *CircuitBreakerManager) { m.now = now }
}

func WithStateChangeHook(fn func(endpointID string, from, to domain.CircuitState)) BreakerOption {
	return func(m *CircuitBreakerManager) { m.onChange = fn }
}

func NewCircuitBreakerManager(defaults domain.BreakerSettings, logger *zap.Logger, opts ...BreakerOption) *CircuitBreakerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &CircuitBreakerManager{
		breakers: make(map[string]*endpointBreaker),
		removed:  make(map[string]struct{}),
		defaults: normalizeBreaker(defaults, domain.BreakerSettings{}),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalizeBreaker(s, fallback domain.BreakerSettings) domain.BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = fallback.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = fallback.SuccessThreshold
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = fallback.TimeoutSeconds
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = domain.DefaultFailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = domain.DefaultSuccessThreshold
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = domain.DefaultBreakerTimeout
	}
	return s
}

// lookup returns the breaker of id, creating it on first use. Removed ids
// get nothing until Configure adds them back.
func (m *CircuitBreakerManager) lookup(id string) (*endpointBreaker, bool) {
	m.mu.RLock()
	b, ok := m.breakers[id]
	_, gone := m.removed[id]
	m.mu.RUnlock()
	if ok {
		return b, true
	}
	if gone {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[id]; ok {
		return b, true
	}
	if _, gone = m.removed[id]; gone {
		return nil, false
	}
	b = m.newBreaker(id)
	m.breakers[id] = b
	return b, true
}

func (m *CircuitBreakerManager) newBreaker(id string) *endpointBreaker {
	return &endpointBreaker{state: domain.CircuitBreakerState{
		EndpointID:       id,
		State:            domain.CircuitClosed,
		FailureThreshold: m.defaults.FailureThreshold,
		SuccessThreshold: m.defaults.SuccessThreshold,
		Timeout:          m.defaults.Timeout(),
		StateChangedAt:   m.now(),
	}}
}

// Configure sets the thresholds of one endpoint. Current state and counters
// are kept. A removed id starts over from a fresh closed breaker.
func (m *CircuitBreakerManager) Configure(id string, settings domain.BreakerSettings) {
	s := normalizeBreaker(settings, m.defaults)
	m.mu.Lock()
	delete(m.removed, id)
	b, ok := m.breakers[id]
	if !ok {
		b = m.newBreaker(id)
		m.breakers[id] = b
	}
	m.mu.Unlock()

	b.mu.Lock()
	b.state.FailureThreshold = s.FailureThreshold
	b.state.SuccessThreshold = s.SuccessThreshold
	b.state.Timeout = s.Timeout()
	b.mu.Unlock()
}

// Admit reports whether a call to the endpoint may proceed. An open breaker
// whose timeout elapsed moves to half-open and admits the call. On rejection
// retryAfter is the remaining open time.
func (m *CircuitBreakerManager) Admit(id string) (bool, time.Duration) {
	b, ok := m.lookup(id)
	if !ok {
		return true, 0
	}
	b.mu.Lock()

	if b.state.State != domain.CircuitOpen {
		b.mu.Unlock()
		return true, 0
	}

	elapsed := m.now().Sub(b.state.StateChangedAt)
	if elapsed > b.state.Timeout {
		from := m.transition(b, domain.CircuitHalfOpen)
		b.state.SuccessCount = 0
		b.mu.Unlock()
		m.notify(id, from, domain.CircuitHalfOpen)
		return true, 0
	}

	b.state.RejectedCalls++
	remaining := b.state.Timeout - elapsed
	b.mu.Unlock()
	return false, remaining
}

// RecordSuccess drops results for removed endpoints, the same as
// RecordFailure.
func (m *CircuitBreakerManager) RecordSuccess(id string) {
	b, ok := m.lookup(id)
	if !ok {
		return
	}
	b.mu.Lock()

	b.state.TotalCalls++
	b.state.SuccessfulCalls++
	b.state.LastSuccessTime = m.now()

	var from domain.CircuitState
	changed := false
	switch b.state.State {
	case domain.CircuitClosed:
		b.state.FailureCount = 0
	case domain.CircuitHalfOpen:
		b.state.SuccessCount++
		if b.state.SuccessCount >= b.state.SuccessThreshold {
			from = m.transition(b, domain.CircuitClosed)
			b.state.FailureCount = 0
			b.state.SuccessCount = 0
			changed = true
		}
	}
	b.mu.Unlock()

	if changed {
		m.notify(id, from, domain.CircuitClosed)
	}
}

func (m *CircuitBreakerManager) RecordFailure(id string) {
	b, ok := m.lookup(id)
	if !ok {
		return
	}
	b.mu.Lock()

	b.state.TotalCalls++
	b.state.FailedCalls++
	b.state.LastFailureTime = m.now()

	var from domain.CircuitState
	changed := false
	switch b.state.State {
	case domain.CircuitClosed:
		b.state.FailureCount++
		if b.state.FailureCount >= b.state.FailureThreshold {
			from = m.transition(b, domain.CircuitOpen)
			changed = true
		}
	case domain.CircuitHalfOpen:
		b.state.FailureCount++
		b.state.SuccessCount = 0
		from = m.transition(b, domain.CircuitOpen)
		changed = true
	}
	b.mu.Unlock()

	if changed {
		m.notify(id, from, domain.CircuitOpen)
	}
}

// transition must be called with b.mu held.
func (m *CircuitBreakerManager) transition(b *endpointBreaker, to domain.CircuitState) domain.CircuitState {
	from := b.state.State
	b.state.State = to
	b.state.StateChangedAt = m.now()
	return from
}

func (m *CircuitBreakerManager) notify(id string, from, to domain.CircuitState) {
	level := m.logger.Info
	if to == domain.CircuitOpen {
		level = m.logger.Warn
	}
	level("circuit state changed",
		zap.String("endpoint_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if m.onChange != nil {
		m.onChange(id, from, to)
	}
}

// State returns a copy of the breaker of one endpoint, creating it closed if
// it was never referenced. Removed ids report a closed breaker that is not
// kept.
func (m *CircuitBreakerManager) State(id string) domain.CircuitBreakerState {
	b, ok := m.lookup(id)
	if !ok {
		return m.newBreaker(id).state
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (m *CircuitBreakerManager) States() []domain.CircuitBreakerState {
	m.mu.RLock()
	ids := make([]string, 0, len(m.breakers))
	for id := range m.breakers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	out := make([]domain.CircuitBreakerState, 0, len(ids))
	for _, id := range ids {
		if b, ok := m.lookup(id); ok {
			b.mu.Lock()
			out = append(out, b.state)
			b.mu.Unlock()
		}
	}
	return out
}

// Remove discards the breaker of a removed endpoint. Results of calls still
// in flight are dropped instead of recreating it.
func (m *CircuitBreakerManager) Remove(id string) {
	m.mu.Lock()
	delete(m.breakers, id)
	m.removed[id] = struct{}{}
	m.mu.Unlock()
}
