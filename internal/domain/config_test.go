package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *FederationConfig {
	return &FederationConfig{
		Endpoints: []RemoteEndpoint{
			{ID: "eu-1", Name: "search-eu", Address: "http://10.0.0.1:8080", Region: "eu", ServiceTypes: []string{"search"}, Weight: 100, SecurityLevel: 2, Tags: []string{"pci"}},
			{ID: "us-1", Name: "search-us", Address: "https://10.0.1.1", Region: "us", ServiceTypes: []string{"search", "feedback"}, Weight: 200, SecurityLevel: 1},
			{ID: "us-2", Name: "collab-us", Address: "http://10.0.1.2", Region: "us", ServiceTypes: []string{"collaboration"}, Status: EndpointInactive},
		},
		RoutingRules: []RoutingRule{
			{Name: "search", PathPrefix: "/search", ServiceTypes: []string{"search"}, Enabled: true},
			{Name: "secure-search", PathPrefix: "/search/secure", ServiceTypes: []string{"search"}, SecurityPolicy: "strict", Enabled: true},
			{Name: "feedback", PathPrefix: "/feedback", ServiceTypes: []string{"feedback"}, Regions: []string{"eu"}, Enabled: true},
			{Name: "disabled", PathPrefix: "/", ServiceTypes: []string{"none"}, Priority: 100},
		},
		SecurityPolicies: []SecurityPolicy{
			{Name: "strict", MinSecurityLevel: 2, RequiredTags: []string{"pci"}},
		},
	}
}

func TestFederationConfig_ApplyDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoints[0].TimeoutSeconds = 3
	cfg.Endpoints[0].HealthPath = "/ping"
	cfg.ApplyDefaults()

	assert.Equal(t, RoundRobin, cfg.Balancer.Strategy)
	assert.Equal(t, DefaultHealthInterval, cfg.Defaults.HealthInterval)
	assert.Equal(t, DefaultHealthTimeout, cfg.Defaults.HealthTimeout)
	assert.Equal(t, DefaultFailureThreshold, cfg.Defaults.CircuitBreaker.FailureThreshold)
	assert.Equal(t, DefaultSuccessThreshold, cfg.Defaults.CircuitBreaker.SuccessThreshold)
	assert.Equal(t, DefaultBreakerTimeout, cfg.Defaults.CircuitBreaker.TimeoutSeconds)

	assert.Equal(t, 3*time.Second, cfg.Endpoints[0].Timeout())
	assert.Equal(t, "/ping", cfg.Endpoints[0].HealthPath)
	assert.Equal(t, 30*time.Second, cfg.Endpoints[1].Timeout())
	assert.Equal(t, DefaultHealthPath, cfg.Endpoints[1].HealthPath)
	assert.Equal(t, EndpointActive, cfg.Endpoints[1].Status)
	assert.Equal(t, EndpointInactive, cfg.Endpoints[2].Status)
}

func TestFederationConfig_BreakerSettingsFor(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()

	assert.Equal(t, cfg.Defaults.CircuitBreaker, cfg.BreakerSettingsFor(cfg.Endpoints[0]))

	ep := cfg.Endpoints[0]
	ep.CircuitBreaker = &BreakerSettings{FailureThreshold: 2, TimeoutSeconds: 10}
	got := cfg.BreakerSettingsFor(ep)
	assert.Equal(t, 2, got.FailureThreshold)
	assert.Equal(t, DefaultSuccessThreshold, got.SuccessThreshold)
	assert.Equal(t, 10*time.Second, got.Timeout())
}

func TestFederationConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *FederationConfig)
		field   string
		wantErr bool
	}{
		{name: "valid document", mutate: func(c *FederationConfig) {}},
		{
			name:    "empty id",
			mutate:  func(c *FederationConfig) { c.Endpoints[0].ID = "" },
			field:   "endpoints[0].id",
			wantErr: true,
		},
		{
			name:    "duplicate id",
			mutate:  func(c *FederationConfig) { c.Endpoints[1].ID = "eu-1" },
			field:   "endpoints[1].id",
			wantErr: true,
		},
		{
			name:    "relative address",
			mutate:  func(c *FederationConfig) { c.Endpoints[0].Address = "10.0.0.1:8080" },
			field:   "endpoints[0].address",
			wantErr: true,
		},
		{
			name:    "negative weight",
			mutate:  func(c *FederationConfig) { c.Endpoints[0].Weight = -1 },
			field:   "endpoints[0].weight",
			wantErr: true,
		},
		{
			name:    "negative retry attempts",
			mutate:  func(c *FederationConfig) { c.Endpoints[0].RetryAttempts = -1 },
			field:   "endpoints[0].retry_attempts",
			wantErr: true,
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *FederationConfig) { c.Balancer.Strategy = "random" },
			field:   "balancer.strategy",
			wantErr: true,
		},
		{
			name:    "unknown policy reference",
			mutate:  func(c *FederationConfig) { c.RoutingRules[1].SecurityPolicy = "missing" },
			field:   "routing_rules[1].security_policy",
			wantErr: true,
		},
		{
			name:    "rule prefix without slash",
			mutate:  func(c *FederationConfig) { c.RoutingRules[0].PathPrefix = "search" },
			field:   "routing_rules[0].path_prefix",
			wantErr: true,
		},
		{
			name:    "unknown endpoint status",
			mutate:  func(c *FederationConfig) { c.Endpoints[0].Status = "paused" },
			field:   "endpoints[0].status",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestFederationConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoints[0].ID = ""
	cfg.Endpoints[1].Address = "nope"
	cfg.Balancer.Strategy = "random"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoints[0].id")
	assert.Contains(t, err.Error(), "endpoints[1].address")
	assert.Contains(t, err.Error(), "balancer.strategy")
}

func TestFederationConfig_Candidates(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()

	ids := func(eps []RemoteEndpoint) []string {
		out := make([]string, 0, len(eps))
		for _, ep := range eps {
			out = append(out, ep.ID)
		}
		return out
	}

	tests := []struct {
		path string
		want []string
	}{
		{path: "/other", want: []string{"eu-1", "us-1"}},
		{path: "/search/items", want: []string{"eu-1", "us-1"}},
		{path: "/search/secure/card", want: []string{"eu-1"}},
		{path: "/feedback", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(cfg.Candidates(tt.path)))
		})
	}
}

func TestFederationConfig_RuleForPriority(t *testing.T) {
	cfg := validConfig()
	cfg.RoutingRules = append(cfg.RoutingRules, RoutingRule{Name: "boosted", PathPrefix: "/search", Priority: 5, Enabled: true})

	rule := cfg.RuleFor("/search/secure/x")
	require.NotNil(t, rule)
	assert.Equal(t, "boosted", rule.Name)
	assert.Nil(t, cfg.RuleFor("/nothing"))
}

func TestFederationConfig_Clone(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoints[0].Capabilities = map[string]string{"lang": "en"}
	cfg.Endpoints[0].CircuitBreaker = &BreakerSettings{FailureThreshold: 1}

	clone := cfg.Clone()
	clone.Endpoints[0].Tags[0] = "changed"
	clone.Endpoints[0].Capabilities["lang"] = "fr"
	clone.Endpoints[0].CircuitBreaker.FailureThreshold = 9
	clone.RoutingRules[0].ServiceTypes[0] = "changed"

	assert.Equal(t, "pci", cfg.Endpoints[0].Tags[0])
	assert.Equal(t, "en", cfg.Endpoints[0].Capabilities["lang"])
	assert.Equal(t, 1, cfg.Endpoints[0].CircuitBreaker.FailureThreshold)
	assert.Equal(t, "search", cfg.RoutingRules[0].ServiceTypes[0])
}

func TestErrors_Matching(t *testing.T) {
	up := &UpstreamError{EndpointID: "a", Elapsed: time.Second, Timeout: true, Err: errors.New("deadline")}
	assert.ErrorIs(t, up, ErrUpstream)
	assert.ErrorIs(t, up, ErrUpstreamTimeout)

	up.Timeout = false
	assert.ErrorIs(t, up, ErrUpstream)
	assert.NotErrorIs(t, up, ErrUpstreamTimeout)

	open := &CircuitOpenError{EndpointID: "a", RetryAfter: 3 * time.Second}
	assert.ErrorIs(t, open, ErrCircuitOpen)
	assert.Contains(t, open.Error(), "3s")

	assert.ErrorIs(t, EndpointNotFound("x"), ErrEndpointNotFound)
}
