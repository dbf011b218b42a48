package sandbox

import (
	"fmt"

	"github.com/odvcencio/crucible/pkg/netpolicy"
)

// Container labels. ManagedLabel marks every container this subsystem
// creates and is the sole discovery mechanism for prune and bulk
// teardown; RunLabel maps a container back to its task run.
const (
	ManagedLabel = "crucible.managed=1"
	RunLabelKey  = "crucible.run"
)

// Container-side mount points.
const (
	workspaceMount = "/workspace"
	skillsMount    = "/skills"
)

// deadResolver is an unreachable DNS server (TEST-NET-3). With DNS dead,
// name resolution inside the container works only through the injected
// host entries, so the container cannot re-resolve an allowed domain to
// an address the firewall never heard of.
const deadResolver = "203.0.113.1"

// createArgs builds the container-creation invocation. The policy is nil
// on the no-network path; when present, its host entries are injected
// and the bridge network is selected with DNS disabled and IPv6 off.
func createArgs(name, image, runID string, cfg *Config, policy *netpolicy.Policy) []string {
	args := []string{
		"create",
		"-i",
		"--name", name,
		"--label", ManagedLabel,
		"--label", fmt.Sprintf("%s=%s", RunLabelKey, runID),
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", fmt.Sprintf("%d", cfg.pidsLimit()),
		"--memory", cfg.memoryLimit(),
		"--cpus", cfg.cpus(),
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
	}

	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", cfg.WorkspacePath, workspaceMount))
	if cfg.SkillsPath != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", cfg.SkillsPath, skillsMount))
	}

	if policy != nil {
		args = append(args,
			"--network", "bridge",
			"--dns", deadResolver,
			"--sysctl", "net.ipv6.conf.all.disable_ipv6=1",
		)
		args = append(args, policy.HostArgs()...)
	} else {
		args = append(args, "--network", "none")
	}

	args = append(args, image)
	return args
}
