package domain

import "strings"

// RuleFor returns the enabled rule matching path with the highest priority,
// preferring the longest prefix on ties. Nil means no rule applies.
func (c *FederationConfig) RuleFor(path string) *RoutingRule {
	var best *RoutingRule
	for i := range c.RoutingRules {
		r := &c.RoutingRules[i]
		if !r.Enabled || !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if best == nil || r.Priority > best.Priority ||
			(r.Priority == best.Priority && len(r.PathPrefix) > len(best.PathPrefix)) {
			best = r
		}
	}
	return best
}

func (c *FederationConfig) Policy(name string) (SecurityPolicy, bool) {
	for _, p := range c.SecurityPolicies {
		if p.Name == name {
			return p, true
		}
	}
	return SecurityPolicy{}, false
}

// Candidates returns the routable endpoints for path in configuration order.
// Inactive endpoints are never candidates.
func (c *FederationConfig) Candidates(path string) []RemoteEndpoint {
	rule := c.RuleFor(path)
	var policy *SecurityPolicy
	if rule != nil && rule.SecurityPolicy != "" {
		if p, ok := c.Policy(rule.SecurityPolicy); ok {
			policy = &p
		}
	}

	out := make([]RemoteEndpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Status == EndpointInactive {
			continue
		}
		if rule != nil && !rule.admits(ep) {
			continue
		}
		if policy != nil && !policy.admits(ep) {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func (r *RoutingRule) admits(ep RemoteEndpoint) bool {
	if len(r.ServiceTypes) > 0 {
		ok := false
		for _, s := range r.ServiceTypes {
			if ep.Offers(s) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.Regions) > 0 {
		for _, region := range r.Regions {
			if ep.Region == region {
				return true
			}
		}
		return false
	}
	return true
}

func (p *SecurityPolicy) admits(ep RemoteEndpoint) bool {
	if ep.SecurityLevel < p.MinSecurityLevel {
		return false
	}
	for _, tag := range p.RequiredTags {
		if !ep.HasTag(tag) {
			return false
		}
	}
	return true
}
