package netpolicy

import (
	"context"

	crucibleerrors "github.com/odvcencio/crucible/pkg/errors"
	"github.com/odvcencio/crucible/pkg/logging"
)

// Runner executes one container-runtime CLI invocation to completion.
// The sandbox package's docker runtime satisfies it.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// Applier installs a resolved policy's firewall rules into a target
// container via a short-lived helper container sharing its network
// namespace.
type Applier struct {
	runtime     Runner
	helperImage string
	log         *logging.Logger
}

// NewApplier creates an applier using the given runtime and helper image.
func NewApplier(runtime Runner, helperImage string, log *logging.Logger) *Applier {
	return &Applier{
		runtime:     runtime,
		helperImage: helperImage,
		log:         log,
	}
}

// Apply runs the helper container against the target. The target is
// expected to be paused; the caller unpauses only after Apply succeeds.
// Any failure here means the target may be running with no enforced
// egress policy, so the caller must remove it rather than continue.
func (a *Applier) Apply(ctx context.Context, containerID string, policy *Policy) error {
	script := policy.RuleScript()

	a.log.Debug(logging.CategoryNetwork, "policy_apply", "installing egress rules", map[string]any{
		"container_id":  containerID,
		"allowed_addrs": policy.AllowedAddrs(),
		"ports":         policy.Ports,
	})

	output, err := a.runtime.Run(ctx,
		"run", "--rm",
		"--network", "container:"+containerID,
		"--cap-add", "NET_ADMIN",
		a.helperImage,
		"sh", "-c", script,
	)
	if err != nil {
		return crucibleerrors.Wrap(err, crucibleerrors.ErrCodePolicyApply, "failed to apply network policy").
			WithContext("container_id", containerID).
			WithContext("output", output)
	}

	a.log.Info(logging.CategoryNetwork, "policy_applied", "egress restricted to resolved allowlist", map[string]any{
		"container_id": containerID,
		"domains":      policy.Domains,
	})
	return nil
}
