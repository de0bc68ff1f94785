package domain

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

type HealthState string

const (
	Healthy     HealthState = "healthy"
	Unhealthy   HealthState = "unhealthy"
	Degraded    HealthState = "degraded"
	Unknown     HealthState = "unknown"
	Maintenance HealthState = "maintenance"
)

// HealthStatus is the cached result of the most recent probe of an endpoint.
type HealthStatus struct {
	EndpointID     string      `json:"endpoint_id"`
	Status         HealthState `json:"status"`
	LastCheck      time.Time   `json:"last_check"`
	ResponseTimeMs float64     `json:"response_time_ms"`
	ErrorMessage   string      `json:"error_message,omitempty"`
}

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerState is a point-in-time copy of one endpoint's breaker.
type CircuitBreakerState struct {
	EndpointID       string        `json:"endpoint_id"`
	State            CircuitState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
	LastFailureTime  time.Time     `json:"last_failure_time,omitempty"`
	LastSuccessTime  time.Time     `json:"last_success_time,omitempty"`
	StateChangedAt   time.Time     `json:"state_changed_at"`
	TotalCalls       int64         `json:"total_calls"`
	SuccessfulCalls  int64         `json:"successful_calls"`
	FailedCalls      int64         `json:"failed_calls"`
	RejectedCalls    int64         `json:"rejected_calls"`
}

type ProxyRequest struct {
	Method         string
	Path           string
	Headers        http.Header
	QueryParams    url.Values
	Body           []byte
	TargetEndpoint string
	TimeoutSeconds float64
	ClientIP       string
}

type ProxyResponse struct {
	StatusCode     int
	Headers        http.Header
	Body           []byte
	EndpointID     string
	ResponseTimeMs float64
	AttemptCount   int
}

// MetricsSnapshot aggregates the rolling window of proxy outcomes.
type MetricsSnapshot struct {
	TotalRequests       int            `json:"total_requests"`
	SuccessfulRequests  int            `json:"successful_requests"`
	FailedRequests      int            `json:"failed_requests"`
	AverageLatencyMs    float64        `json:"average_latency_ms"`
	MinLatencyMs        float64        `json:"min_latency_ms"`
	MaxLatencyMs        float64        `json:"max_latency_ms"`
	P50LatencyMs        float64        `json:"p50_latency_ms"`
	P95LatencyMs        float64        `json:"p95_latency_ms"`
	P99LatencyMs        float64        `json:"p99_latency_ms"`
	SuccessRate         float64        `json:"success_rate"`
	ErrorRate           float64        `json:"error_rate"`
	Distribution        map[string]int `json:"distribution"`
	BalancingEfficiency float64        `json:"load_balancing_efficiency"`
	Window              time.Duration  `json:"window"`
	GeneratedAt         time.Time      `json:"generated_at"`
}

// EndpointReport is one row of the health-status listing.
type EndpointReport struct {
	EndpointID        string        `json:"endpoint_id"`
	Name              string        `json:"name"`
	Address           string        `json:"address"`
	Region            string        `json:"region,omitempty"`
	Health            *HealthStatus `json:"health,omitempty"`
	CircuitState      CircuitState  `json:"circuit_state"`
	ActiveConnections int64         `json:"active_connections"`
	TotalRequests     int64         `json:"total_requests"`
}

// ConfigStore persists the federation document.
type ConfigStore interface {
	Load(ctx context.Context) (*FederationConfig, error)
	Save(ctx context.Context, cfg *FederationConfig) error
	// Watch invokes callback whenever the stored document changes outside
	// this process. It returns once the watch is established.
	Watch(ctx context.Context, callback func(*FederationConfig)) error
}

type HealthSource interface {
	Get(endpointID string) (HealthStatus, bool)
}

type ConnectionSource interface {
	Current(endpointID string) int64
}

// FederationAdmin is the administrative surface exposed over the admin API.
type FederationAdmin interface {
	Config() *FederationConfig
	ReplaceConfig(ctx context.Context, cfg *FederationConfig) error
	AddEndpoint(ctx context.Context, ep RemoteEndpoint) error
	RemoveEndpoint(ctx context.Context, id string) error
	ForceHealthCheck(ctx context.Context, id string) (HealthStatus, error)
	UpdateBalancer(ctx context.Context, settings BalancerSettings, weights map[string]int) error
}

// Observability is the read-only surface exposed over the metrics server.
type Observability interface {
	MetricsSnapshot(window time.Duration) MetricsSnapshot
	EndpointReports() []EndpointReport
}
