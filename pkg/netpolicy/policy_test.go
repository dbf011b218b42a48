package netpolicy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crucibleerrors "github.com/odvcencio/crucible/pkg/errors"
)

// fakeResolver maps hosts to fixed lookup results.
type fakeResolver struct {
	hosts map[string][]string
	calls map[string]int
}

func newFakeResolver(hosts map[string][]string) *fakeResolver {
	return &fakeResolver{hosts: hosts, calls: make(map[string]int)}
}

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	f.calls[host]++
	addrs, ok := f.hosts[host]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	return addrs, nil
}

func TestResolveCollectsAllAddresses(t *testing.T) {
	resolver := newFakeResolver(map[string][]string{
		"api.example.com": {"192.0.2.10", "192.0.2.11"},
	})

	policy, err := Resolve(context.Background(), resolver, []string{"api.example.com"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"192.0.2.10", "192.0.2.11"}, policy.Addrs["api.example.com"])
	assert.Equal(t, DefaultPorts, policy.Ports)
	assert.Equal(t, 1, resolver.calls["api.example.com"], "each domain resolved exactly once")
}

func TestResolveFailureIsFatal(t *testing.T) {
	resolver := newFakeResolver(map[string][]string{
		"good.example.com": {"192.0.2.1"},
	})

	_, err := Resolve(context.Background(), resolver, []string{"good.example.com", "bad.example.com"}, nil)
	require.Error(t, err)
	assert.True(t, crucibleerrors.IsCode(err, crucibleerrors.ErrCodePolicyResolve))
}

func TestResolveSkipsIPv6AndRejectsEmptyResult(t *testing.T) {
	resolver := newFakeResolver(map[string][]string{
		"v6only.example.com": {"2001:db8::1"},
	})

	_, err := Resolve(context.Background(), resolver, []string{"v6only.example.com"}, nil)
	require.Error(t, err, "a domain with only unusable addresses cannot be allowed")
}

func TestHostArgsAndRulesShareOneResolution(t *testing.T) {
	resolver := newFakeResolver(map[string][]string{
		"api.example.com": {"192.0.2.10", "192.0.2.11"},
		"cdn.example.com": {"198.51.100.7"},
	})

	policy, err := Resolve(context.Background(), resolver, []string{"api.example.com", "cdn.example.com"}, []int{443})
	require.NoError(t, err)

	// Collect the IP set used for host entries.
	hostIPs := make(map[string]bool)
	hostArgs := policy.HostArgs()
	for i := 0; i < len(hostArgs); i += 2 {
		require.Equal(t, "--add-host", hostArgs[i])
		parts := strings.SplitN(hostArgs[i+1], ":", 2)
		require.Len(t, parts, 2)
		hostIPs[parts[1]] = true
	}

	// Collect the IP set used for firewall rules.
	ruleIPs := make(map[string]bool)
	for _, line := range strings.Split(policy.RuleScript(), "\n") {
		if !strings.Contains(line, "-d ") {
			continue
		}
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "-d" {
				ruleIPs[fields[i+1]] = true
			}
		}
	}

	assert.Equal(t, hostIPs, ruleIPs, "host entries and rules must use the same resolved set")
	assert.Len(t, hostIPs, 3)
}

func TestRuleScriptDenyByDefault(t *testing.T) {
	policy := &Policy{
		Domains: []string{"api.example.com"},
		Ports:   []int{80, 443},
		Addrs:   map[string][]string{"api.example.com": {"192.0.2.10"}},
	}

	script := policy.RuleScript()
	lines := strings.Split(strings.TrimSpace(script), "\n")

	assert.Contains(t, lines[1], "iptables -P OUTPUT DROP", "default policy comes before any allow rule")
	assert.Contains(t, script, "-o lo -j ACCEPT")
	assert.Contains(t, script, "--state ESTABLISHED,RELATED")
	assert.Contains(t, script, "-d 192.0.2.10 -p tcp --dport 80 -j ACCEPT")
	assert.Contains(t, script, "-d 192.0.2.10 -p tcp --dport 443 -j ACCEPT")
}

func TestAllowedAddrsDeduplicates(t *testing.T) {
	policy := &Policy{
		Domains: []string{"a.example.com", "b.example.com"},
		Ports:   []int{443},
		Addrs: map[string][]string{
			"a.example.com": {"192.0.2.10"},
			"b.example.com": {"192.0.2.10", "192.0.2.20"},
		},
	}

	assert.Equal(t, []string{"192.0.2.10", "192.0.2.20"}, policy.AllowedAddrs())
}

func TestResolveNoDomains(t *testing.T) {
	_, err := Resolve(context.Background(), newFakeResolver(nil), nil, nil)
	require.Error(t, err)
}

var errRunFailed = errors.New("exit status 1")
