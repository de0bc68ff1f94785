package domain

import (
	"time"
)

// Bootstrap is the process-level configuration file. The federation document
// itself lives in the configured ConfigStore; Federation only seeds an empty
// store.
type Bootstrap struct {
	Server     ServerConfig      `yaml:"server"`
	Log        LogConfig         `yaml:"log"`
	Storage    StorageConfig     `yaml:"storage"`
	Admin      AdminConfig       `yaml:"admin"`
	Federation *FederationConfig `yaml:"federation,omitempty"`
}

type ServerConfig struct {
	ProxyAddr       string        `yaml:"proxy_addr"`
	AdminAddr       string        `yaml:"admin_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
}

type StorageConfig struct {
	Driver string      `yaml:"driver"` // file, redis
	File   FileStorage `yaml:"file"`
	Redis  RedisStore  `yaml:"redis"`
}

type FileStorage struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type RedisStore struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
	Channel  string `yaml:"channel"`
}

type AdminConfig struct {
	APIKeys   []string `yaml:"api_keys"`
	RateLimit float64  `yaml:"rate_limit"` // requests per second, 0 disables
	Burst     int      `yaml:"burst"`
}

// FederationConfig is the versioned routing document. It is replaced
// wholesale; readers never observe a partially applied document.
type FederationConfig struct {
	Version          int64            `yaml:"version" json:"version"`
	Endpoints        []RemoteEndpoint `yaml:"endpoints" json:"endpoints"`
	RoutingRules     []RoutingRule    `yaml:"routing_rules,omitempty" json:"routing_rules,omitempty"`
	SecurityPolicies []SecurityPolicy `yaml:"security_policies,omitempty" json:"security_policies,omitempty"`
	Balancer         BalancerSettings `yaml:"balancer" json:"balancer"`
	Defaults         GlobalDefaults   `yaml:"defaults" json:"defaults"`
}

type RemoteEndpoint struct {
	ID             string            `yaml:"id" json:"id"`
	Name           string            `yaml:"name" json:"name"`
	Address        string            `yaml:"address" json:"address"`
	Region         string            `yaml:"region,omitempty" json:"region,omitempty"`
	ServiceTypes   []string          `yaml:"service_types,omitempty" json:"service_types,omitempty"`
	Status         EndpointStatus    `yaml:"status,omitempty" json:"status,omitempty"`
	Weight         int               `yaml:"weight,omitempty" json:"weight,omitempty"`
	MaxConnections int               `yaml:"max_connections,omitempty" json:"max_connections,omitempty"`
	TimeoutSeconds float64           `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	RetryAttempts  int               `yaml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"` // reserved
	SecurityLevel  int               `yaml:"security_level,omitempty" json:"security_level,omitempty"`
	HealthPath     string            `yaml:"health_path,omitempty" json:"health_path,omitempty"`
	Capabilities   map[string]string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Tags           []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	CircuitBreaker *BreakerSettings  `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitempty"`
}

type EndpointStatus string

const (
	EndpointActive      EndpointStatus = "active"
	EndpointInactive    EndpointStatus = "inactive"
	EndpointMaintenance EndpointStatus = "maintenance"
)

type BreakerSettings struct {
	FailureThreshold int     `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	SuccessThreshold int     `yaml:"success_threshold,omitempty" json:"success_threshold,omitempty"`
	TimeoutSeconds   float64 `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Timeout returns the open-state timeout as a duration.
func (b BreakerSettings) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds * float64(time.Second))
}

type RoutingRule struct {
	Name           string   `yaml:"name" json:"name"`
	PathPrefix     string   `yaml:"path_prefix" json:"path_prefix"`
	ServiceTypes   []string `yaml:"service_types,omitempty" json:"service_types,omitempty"`
	Regions        []string `yaml:"regions,omitempty" json:"regions,omitempty"`
	SecurityPolicy string   `yaml:"security_policy,omitempty" json:"security_policy,omitempty"`
	Priority       int      `yaml:"priority,omitempty" json:"priority,omitempty"`
	Enabled        bool     `yaml:"enabled" json:"enabled"`
}

type SecurityPolicy struct {
	Name             string   `yaml:"name" json:"name"`
	MinSecurityLevel int      `yaml:"min_security_level,omitempty" json:"min_security_level,omitempty"`
	RequiredTags     []string `yaml:"required_tags,omitempty" json:"required_tags,omitempty"`
}

type BalancerSettings struct {
	Strategy        Strategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	PreferredRegion string   `yaml:"preferred_region,omitempty" json:"preferred_region,omitempty"`
}

type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastConnections   Strategy = "least_connections"
	LeastResponseTime  Strategy = "least_response_time"
	HealthBased        Strategy = "health_based"
	Geographic         Strategy = "geographic"
)

type GlobalDefaults struct {
	TimeoutSeconds    float64         `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	HealthInterval    time.Duration   `yaml:"health_interval,omitempty" json:"health_interval,omitempty"`
	HealthTimeout     time.Duration   `yaml:"health_timeout,omitempty" json:"health_timeout,omitempty"`
	HealthPath        string          `yaml:"health_path,omitempty" json:"health_path,omitempty"`
	DegradedLatency   time.Duration   `yaml:"degraded_latency,omitempty" json:"degraded_latency,omitempty"`
	CircuitBreaker    BreakerSettings `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitempty"`
	Count5xxAsFailure bool            `yaml:"count_5xx_as_failure,omitempty" json:"count_5xx_as_failure,omitempty"`
	MaxResponseBytes  int64           `yaml:"max_response_bytes,omitempty" json:"max_response_bytes,omitempty"`
	DrainTimeout      time.Duration   `yaml:"drain_timeout,omitempty" json:"drain_timeout,omitempty"`
}

const (
	DefaultTimeoutSeconds   = 30.0
	DefaultHealthInterval   = 30 * time.Second
	DefaultHealthTimeout    = 5 * time.Second
	DefaultHealthPath       = "/health"
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultBreakerTimeout   = 60.0
	DefaultMaxResponseBytes = 10 << 20
	DefaultDrainTimeout     = 30 * time.Second
)

// ApplyDefaults fills unset global defaults and resolves per-endpoint values
// that inherit from them.
func (c *FederationConfig) ApplyDefaults() {
	d := &c.Defaults
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if d.HealthInterval <= 0 {
		d.HealthInterval = DefaultHealthInterval
	}
	if d.HealthTimeout <= 0 {
		d.HealthTimeout = DefaultHealthTimeout
	}
	if d.HealthPath == "" {
		d.HealthPath = DefaultHealthPath
	}
	if d.CircuitBreaker.FailureThreshold <= 0 {
		d.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if d.CircuitBreaker.SuccessThreshold <= 0 {
		d.CircuitBreaker.SuccessThreshold = DefaultSuccessThreshold
	}
	if d.CircuitBreaker.TimeoutSeconds <= 0 {
		d.CircuitBreaker.TimeoutSeconds = DefaultBreakerTimeout
	}
	if d.MaxResponseBytes <= 0 {
		d.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if d.DrainTimeout <= 0 {
		d.DrainTimeout = DefaultDrainTimeout
	}
	if c.Balancer.Strategy == "" {
		c.Balancer.Strategy = RoundRobin
	}

	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Status == "" {
			ep.Status = EndpointActive
		}
		if ep.TimeoutSeconds <= 0 {
			ep.TimeoutSeconds = d.TimeoutSeconds
		}
		if ep.HealthPath == "" {
			ep.HealthPath = d.HealthPath
		}
	}
}

// BreakerSettingsFor merges endpoint overrides on top of the global breaker
// defaults.
func (c *FederationConfig) BreakerSettingsFor(ep RemoteEndpoint) BreakerSettings {
	s := c.Defaults.CircuitBreaker
	if ep.CircuitBreaker == nil {
		return s
	}
	if ep.CircuitBreaker.FailureThreshold > 0 {
		s.FailureThreshold = ep.CircuitBreaker.FailureThreshold
	}
	if ep.CircuitBreaker.SuccessThreshold > 0 {
		s.SuccessThreshold = ep.CircuitBreaker.SuccessThreshold
	}
	if ep.CircuitBreaker.TimeoutSeconds > 0 {
		s.TimeoutSeconds = ep.CircuitBreaker.TimeoutSeconds
	}
	return s
}

// Timeout returns the endpoint's forwarding timeout.
func (e RemoteEndpoint) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds * float64(time.Second))
}

func (e RemoteEndpoint) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (e RemoteEndpoint) Offers(serviceType string) bool {
	for _, s := range e.ServiceTypes {
		if s == serviceType {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (c *FederationConfig) Clone() *FederationConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Endpoints = make([]RemoteEndpoint, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		out.Endpoints[i] = ep.Clone()
	}
	out.RoutingRules = make([]RoutingRule, len(c.RoutingRules))
	for i, r := range c.RoutingRules {
		r.ServiceTypes = append([]string(nil), r.ServiceTypes...)
		r.Regions = append([]string(nil), r.Regions...)
		out.RoutingRules[i] = r
	}
	out.SecurityPolicies = make([]SecurityPolicy, len(c.SecurityPolicies))
	for i, p := range c.SecurityPolicies {
		p.RequiredTags = append([]string(nil), p.RequiredTags...)
		out.SecurityPolicies[i] = p
	}
	return &out
}

func (e RemoteEndpoint) Clone() RemoteEndpoint {
	out := e
	out.ServiceTypes = append([]string(nil), e.ServiceTypes...)
	out.Tags = append([]string(nil), e.Tags...)
	if e.Capabilities != nil {
		out.Capabilities = make(map[string]string, len(e.Capabilities))
		for k, v := range e.Capabilities {
			out.Capabilities[k] = v
		}
	}
	if e.CircuitBreaker != nil {
		cb := *e.CircuitBreaker
		out.CircuitBreaker = &cb
	}
	return out
}
