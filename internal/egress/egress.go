// Package egress enforces the outbound URL policy applied before a dispatch.
package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrDenied marks a target rejected by the egress policy.
var ErrDenied = errors.New("egress policy denied")

// Policy restricts which targets outbound deliveries may reach.
type Policy struct {
	HTTPSOnly           bool
	DNSRebindProtection bool

	Allow []Rule
	Deny  []Rule
}

// Rule matches a host name (optionally including subdomains) or a CIDR range.
type Rule struct {
	Host       string
	Subdomains bool
	Prefix     netip.Prefix
	IsCIDR     bool
}

// Resolver is the subset of net.Resolver the policy needs. Tests substitute it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Check verifies a raw target URL against the policy.
func (p Policy) Check(ctx context.Context, rawURL string, r Resolver) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	return p.CheckURL(ctx, u, r)
}

// CheckURL verifies a parsed target URL against the policy. It is also used
// to re-check each redirect hop.
func (p Policy) CheckURL(ctx context.Context, u *url.URL, r Resolver) error {
	if u == nil {
		return fmt.Errorf("%w: empty url", ErrDenied)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q is not allowed", ErrDenied, u.Scheme)
	}
	if p.HTTPSOnly && scheme != "https" {
		return fmt.Errorf("%w: https_only enforced", ErrDenied)
	}

	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(u.Hostname())), ".")
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrDenied)
	}

	needIPs := p.DNSRebindProtection || p.hasCIDRRules()
	ips, err := resolveHost(ctx, host, needIPs, r)
	if err != nil {
		return err
	}

	if p.DNSRebindProtection {
		for _, ip := range ips {
			if !isPublicUnicast(ip) {
				return fmt.Errorf("%w: host %q resolves to disallowed ip %s", ErrDenied, host, ip)
			}
		}
	}

	if len(p.Deny) > 0 && matchRules(host, ips, p.Deny) {
		return fmt.Errorf("%w: host %q denied by egress policy", ErrDenied, host)
	}
	if len(p.Allow) > 0 && !matchRules(host, ips, p.Allow) {
		return fmt.Errorf("%w: host %q not in egress allowlist", ErrDenied, host)
	}
	return nil
}

func (p Policy) hasCIDRRules() bool {
	for _, r := range p.Allow {
		if r.IsCIDR {
			return true
		}
	}
	for _, r := range p.Deny {
		if r.IsCIDR {
			return true
		}
	}
	return false
}

func resolveHost(ctx context.Context, host string, needIPs bool, r Resolver) ([]net.IP, error) {
	if !needIPs {
		return nil, nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []net.IP{net.IP(addr.AsSlice())}, nil
	}
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if a.IP != nil {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dns lookup returned no addresses for %q", host)
	}
	return ips, nil
}

func matchRules(host string, ips []net.IP, rules []Rule) bool {
	for _, r := range rules {
		if r.IsCIDR {
			for _, ip := range ips {
				addr, ok := addrFromIP(ip)
				if ok && r.Prefix.Contains(addr) {
					return true
				}
			}
			continue
		}
		if r.matchHost(host) {
			return true
		}
	}
	return false
}

func (r Rule) matchHost(host string) bool {
	if r.Host == "" || host == "" {
		return false
	}
	if r.Host == "*" {
		return true
	}
	if !r.Subdomains {
		return host == r.Host
	}
	if host == r.Host {
		return false
	}
	return strings.HasSuffix(host, "."+r.Host)
}

func addrFromIP(ip net.IP) (netip.Addr, bool) {
	if ip == nil {
		return netip.Addr{}, false
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return netip.Addr{}, false
	}
	var b [16]byte
	copy(b[:], ip16)
	addr := netip.AddrFrom16(b)
	if ip.To4() != nil {
		addr = addr.Unmap()
	}
	return addr, true
}

func isPublicUnicast(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	return ip.IsGlobalUnicast()
}
