package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate reports every problem in the document at once. All returned
// errors match ErrConfiguration.
func (c *FederationConfig) Validate() error {
	if c == nil {
		return &ConfigurationError{Field: "document", Reason: "missing"}
	}

	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		if ep.ID == "" {
			add(field+".id", "must not be empty")
		} else if seen[ep.ID] {
			add(field+".id", "duplicate id %q", ep.ID)
		}
		seen[ep.ID] = true

		u, err := url.Parse(ep.Address)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(field+".address", "must be an absolute http(s) URL, got %q", ep.Address)
		}
		switch ep.Status {
		case "", EndpointActive, EndpointInactive, EndpointMaintenance:
		default:
			add(field+".status", "unknown status %q", ep.Status)
		}
		if ep.Weight < 0 {
			add(field+".weight", "must be >= 0")
		}
		if ep.MaxConnections < 0 {
			add(field+".max_connections", "must be >= 0")
		}
		if ep.TimeoutSeconds < 0 {
			add(field+".timeout_seconds", "must be >= 0")
		}
		if ep.RetryAttempts < 0 {
			add(field+".retry_attempts", "must be >= 0")
		}
		if ep.HealthPath != "" && !strings.HasPrefix(ep.HealthPath, "/") {
			add(field+".health_path", "must start with /")
		}
		if cb := ep.CircuitBreaker; cb != nil {
			if cb.FailureThreshold < 0 || cb.SuccessThreshold < 0 || cb.TimeoutSeconds < 0 {
				add(field+".circuit_breaker", "thresholds must be >= 0")
			}
		}
	}

	switch c.Balancer.Strategy {
	case "", RoundRobin, WeightedRoundRobin, LeastConnections, LeastResponseTime, HealthBased, Geographic:
	default:
		add("balancer.strategy", "unknown strategy %q", c.Balancer.Strategy)
	}

	policies := make(map[string]bool, len(c.SecurityPolicies))
	for i, p := range c.SecurityPolicies {
		field := fmt.Sprintf("security_policies[%d]", i)
		if p.Name == "" {
			add(field+".name", "must not be empty")
		} else if policies[p.Name] {
			add(field+".name", "duplicate policy %q", p.Name)
		}
		policies[p.Name] = true
	}

	rules := make(map[string]bool, len(c.RoutingRules))
	for i, r := range c.RoutingRules {
		field := fmt.Sprintf("routing_rules[%d]", i)
		if r.Name == "" {
			add(field+".name", "must not be empty")
		} else if rules[r.Name] {
			add(field+".name", "duplicate rule %q", r.Name)
		}
		rules[r.Name] = true
		if !strings.HasPrefix(r.PathPrefix, "/") {
			add(field+".path_prefix", "must start with /")
		}
		if r.SecurityPolicy != "" && !policies[r.SecurityPolicy] {
			add(field+".security_policy", "unknown policy %q", r.SecurityPolicy)
		}
	}

	return errors.Join(errs...)
}
