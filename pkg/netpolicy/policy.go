// Package netpolicy resolves a per-run domain allowlist to IP addresses
// and enforces it with firewall rules inside the target container's
// network namespace.
//
// Resolution happens exactly once per run. The same resolved address set
// feeds both the host-entry injection (--add-host) and the firewall
// allow-rules; resolving twice could legitimately return different
// addresses and leave a gap between what resolves and what is reachable.
package netpolicy

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	crucibleerrors "github.com/odvcencio/crucible/pkg/errors"
)

// DefaultPorts are the outbound ports allowed when a config declares
// domains but no ports.
var DefaultPorts = []int{80, 443}

// Resolver performs name lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Policy is the resolved allowlist for one run.
type Policy struct {
	Domains []string
	Ports   []int

	// Addrs maps each declared domain to every address it resolved to.
	// This is the single source of truth for both host entries and
	// firewall rules.
	Addrs map[string][]string
}

// Resolve looks up every domain once and records all returned addresses.
// Any lookup failure fails the whole policy: a partially resolved
// allowlist would silently drop domains the run was promised.
func Resolve(ctx context.Context, resolver Resolver, domains []string, ports []int) (*Policy, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if len(domains) == 0 {
		return nil, crucibleerrors.New(crucibleerrors.ErrCodePolicyResolve, "no domains to resolve")
	}
	if len(ports) == 0 {
		ports = append([]int{}, DefaultPorts...)
	}

	policy := &Policy{
		Domains: append([]string{}, domains...),
		Ports:   append([]int{}, ports...),
		Addrs:   make(map[string][]string, len(domains)),
	}

	for _, domain := range domains {
		addrs, err := resolver.LookupHost(ctx, domain)
		if err != nil {
			return nil, crucibleerrors.Wrap(err, crucibleerrors.ErrCodePolicyResolve, "failed to resolve allowed domain").
				WithContext("domain", domain)
		}

		ipv4 := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			ip := net.ParseIP(addr)
			if ip == nil {
				continue
			}
			// IPv6 is disabled in the container, so v6 addresses would
			// be dead rules and dead host entries.
			if ip.To4() == nil {
				continue
			}
			ipv4 = append(ipv4, ip.String())
		}
		if len(ipv4) == 0 {
			return nil, crucibleerrors.New(crucibleerrors.ErrCodePolicyResolve, "domain resolved to no usable addresses").
				WithContext("domain", domain)
		}

		sort.Strings(ipv4)
		policy.Addrs[domain] = ipv4
	}

	return policy, nil
}

// HostArgs returns the --add-host flags injecting the resolved addresses,
// one per domain/address pair. DNS inside the container points at an
// unreachable resolver, so these entries are the only way declared
// domains resolve at all.
func (p *Policy) HostArgs() []string {
	args := make([]string, 0, len(p.Domains)*2)
	for _, domain := range p.Domains {
		for _, addr := range p.Addrs[domain] {
			args = append(args, "--add-host", fmt.Sprintf("%s:%s", domain, addr))
		}
	}
	return args
}

// AllowedAddrs returns the deduplicated set of every resolved address,
// sorted for deterministic rule generation.
func (p *Policy) AllowedAddrs() []string {
	seen := make(map[string]bool)
	var addrs []string
	for _, domain := range p.Domains {
		for _, addr := range p.Addrs[domain] {
			if !seen[addr] {
				seen[addr] = true
				addrs = append(addrs, addr)
			}
		}
	}
	sort.Strings(addrs)
	return addrs
}

// RuleScript returns the shell script the helper container runs to
// program deny-by-default egress. Loopback and established return
// traffic stay open; everything else is dropped unless it targets a
// resolved address on an allowed port.
func (p *Policy) RuleScript() string {
	var sb strings.Builder

	sb.WriteString("set -e\n")
	sb.WriteString("iptables -P OUTPUT DROP\n")
	sb.WriteString("iptables -A OUTPUT -o lo -j ACCEPT\n")
	sb.WriteString("iptables -A OUTPUT -m state --state ESTABLISHED,RELATED -j ACCEPT\n")

	for _, addr := range p.AllowedAddrs() {
		for _, port := range p.Ports {
			sb.WriteString(fmt.Sprintf("iptables -A OUTPUT -d %s -p tcp --dport %d -j ACCEPT\n", addr, port))
		}
	}

	return sb.String()
}
