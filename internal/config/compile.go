package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/nuetzliches/rulepost/internal/egress"
)

// EgressPolicy converts the parsed egress block into a runtime policy. Rule
// values containing a '/' are treated as CIDR prefixes, everything else as a
// host name.
func (c EgressConfig) EgressPolicy() (egress.Policy, error) {
	allow, err := compileEgressRules(c.Allow)
	if err != nil {
		return egress.Policy{}, fmt.Errorf("egress allow: %w", err)
	}
	deny, err := compileEgressRules(c.Deny)
	if err != nil {
		return egress.Policy{}, fmt.Errorf("egress deny: %w", err)
	}
	return egress.Policy{
		HTTPSOnly:           c.HTTPSOnly,
		DNSRebindProtection: c.DNSRebindProtection,
		Allow:               allow,
		Deny:                deny,
	}, nil
}

func compileEgressRules(rules []EgressRuleConfig) ([]egress.Rule, error) {
	out := make([]egress.Rule, 0, len(rules))
	for _, r := range rules {
		value := strings.TrimSpace(r.Value)
		if value == "" {
			return nil, fmt.Errorf("empty rule value")
		}
		if strings.Contains(value, "/") {
			prefix, err := netip.ParsePrefix(value)
			if err != nil {
				return nil, fmt.Errorf("invalid cidr %q: %w", value, err)
			}
			out = append(out, egress.Rule{Prefix: prefix, IsCIDR: true})
			continue
		}
		out = append(out, egress.Rule{
			Host:       strings.ToLower(value),
			Subdomains: r.Subdomains,
		})
	}
	return out, nil
}
