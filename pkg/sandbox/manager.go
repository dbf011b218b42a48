package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	crucibleerrors "github.com/odvcencio/crucible/pkg/errors"
	"github.com/odvcencio/crucible/pkg/logging"
	"github.com/odvcencio/crucible/pkg/netpolicy"
)

// containerNamePrefix namespaces container names; discovery still goes
// through the managed label, never the name.
const containerNamePrefix = "crucible-"

// Manager is the sandbox subsystem's façade: it creates handles, tracks
// them by run ID for out-of-band teardown, and prunes orphans left
// behind by crashes. Callers must serialize create/destroy per run ID;
// different run IDs are safe concurrently.
type Manager struct {
	runtime  Runtime
	images   *ImageBuilder
	resolver netpolicy.Resolver
	log      *logging.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// ManagerOptions configures a Manager. Zero fields take defaults;
// Runtime defaults to the docker CLI and Resolver to the system
// resolver.
type ManagerOptions struct {
	Runtime        Runtime
	Resolver       netpolicy.Resolver
	Logger         *logging.Logger
	ImageTag       string
	HelperImageTag string
	ToolServerPath string
}

// NewManager creates a sandbox manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Runtime == nil {
		opts.Runtime = NewDockerRuntime("")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	images := NewImageBuilder(opts.Runtime, opts.Logger, opts.ImageTag, opts.HelperImageTag)
	images.ToolServerPath = opts.ToolServerPath

	return &Manager{
		runtime:  opts.Runtime,
		images:   images,
		resolver: opts.Resolver,
		log:      opts.Logger,
		handles:  make(map[string]*Handle),
	}
}

// IsAvailable probes the container runtime's CLI. It is a feature gate,
// not a hard dependency: callers degrade to non-sandboxed behavior (or
// refuse to run untrusted code) when it returns false.
func (m *Manager) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	output, err := m.runtime.Run(ctx, "version", "--format", "{{.Server.Version}}")
	return err == nil && strings.TrimSpace(output) != ""
}

// Create builds a sandbox container for the run and returns its handle.
// The handle is registered under runID before returning; the caller
// owns it and must eventually call Destroy (directly, via
// Manager.Destroy, or by letting the lifetime cap fire).
func (m *Manager) Create(ctx context.Context, runID string, cfg Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, crucibleerrors.Wrap(err, crucibleerrors.ErrCodeInvalidInput, "invalid sandbox config")
	}

	if err := m.images.EnsureImage(ctx); err != nil {
		metricCreates.WithLabelValues("image_failed").Inc()
		return nil, crucibleerrors.Wrap(err, crucibleerrors.ErrCodeImageBuild, "sandbox image unavailable")
	}

	cfg, policy, err := m.resolvePolicy(ctx, runID, cfg)
	if err != nil {
		metricCreates.WithLabelValues("policy_failed").Inc()
		return nil, err
	}

	name := containerNamePrefix + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())

	if output, err := m.runtime.Run(ctx, createArgs(name, m.images.ImageTag(), runID, &cfg, policy)...); err != nil {
		metricCreates.WithLabelValues("create_failed").Inc()
		return nil, crucibleerrors.Wrap(err, crucibleerrors.ErrCodeContainerCreate, "failed to create container").
			WithContext("run_id", runID).
			WithContext("output", output)
	}

	var proc Process
	networkMode := "none"
	if policy != nil {
		networkMode = "bridge"
		proc, err = m.startWithPolicy(ctx, name, policy)
	} else {
		proc, err = m.startDirect(name)
	}
	if err != nil {
		m.removeBestEffort(name)
		metricCreates.WithLabelValues("start_failed").Inc()
		return nil, err
	}

	handle := newHandle(name, runID, networkMode, m.runtime, proc, m.log, cfg.maxLifetime())

	m.mu.Lock()
	m.handles[runID] = handle
	m.mu.Unlock()

	metricCreates.WithLabelValues("ok").Inc()
	m.log.Info(logging.CategorySandbox, "container_created", "", map[string]any{
		"container_id": name,
		"run_id":       runID,
		"network":      networkMode,
	})
	return handle, nil
}

// resolvePolicy resolves the run's network policy once, or degrades to
// no-network when the helper image cannot be built. Resolution failure
// is fatal; a run that asked for domains must not silently get a
// different allowlist.
func (m *Manager) resolvePolicy(ctx context.Context, runID string, cfg Config) (Config, *netpolicy.Policy, error) {
	if !cfg.networkEnabled() {
		return cfg, nil, nil
	}

	if err := m.images.EnsureHelperImage(ctx); err != nil {
		m.log.Warn(logging.CategoryNetwork, "helper_image_unavailable", "degrading run to no network", map[string]any{
			"run_id": runID,
			"error":  err.Error(),
		})
		cfg.AllowedDomains = nil
		return cfg, nil, nil
	}

	policy, err := netpolicy.Resolve(ctx, m.resolver, cfg.AllowedDomains, cfg.AllowedPorts)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, policy, nil
}

// startDirect starts the container interactively with streams piped
// straight through. There is no networking to protect, so no pause
// window is needed.
func (m *Manager) startDirect(name string) (Process, error) {
	proc, err := m.runtime.Stream("start", "-a", "-i", name)
	if err != nil {
		return nil, crucibleerrors.Wrap(err, crucibleerrors.ErrCodeContainerCreate, "failed to start container").
			WithContext("container_id", name)
	}
	return proc, nil
}

// startWithPolicy runs the policy-controlled sequence: start detached,
// pause immediately, install firewall rules through the helper, unpause,
// then attach. A failure anywhere in the sequence is a security
// incident, not a retryable condition: the container may be runnable
// with no enforced egress policy, so it is removed and Create fails.
func (m *Manager) startWithPolicy(ctx context.Context, name string, policy *netpolicy.Policy) (Process, error) {
	steps := []struct {
		op   string
		args []string
	}{
		{"start", []string{"start", name}},
		{"pause", []string{"pause", name}},
	}
	for _, step := range steps {
		if output, err := m.runtime.Run(ctx, step.args...); err != nil {
			return nil, crucibleerrors.Wrap(err, crucibleerrors.ErrCodeContainerCreate, "failed to "+step.op+" container").
				WithContext("container_id", name).
				WithContext("output", output)
		}
	}

	applier := netpolicy.NewApplier(m.runtime, m.images.HelperImageTag(), m.log)
	if err := applier.Apply(ctx, name, policy); err != nil {
		return nil, err
	}

	if output, err := m.runtime.Run(ctx, "unpause", name); err != nil {
		return nil, crucibleerrors.Wrap(err, crucibleerrors.ErrCodeContainerCreate, "failed to unpause container").
			WithContext("container_id", name).
			WithContext("output", output)
	}

	proc, err := m.runtime.Stream("attach", name)
	if err != nil {
		return nil, crucibleerrors.Wrap(err, crucibleerrors.ErrCodeContainerCreate, "failed to attach to container").
			WithContext("container_id", name)
	}
	return proc, nil
}

// Destroy tears down the handle tracked under runID.
func (m *Manager) Destroy(runID string) error {
	m.mu.Lock()
	handle, ok := m.handles[runID]
	delete(m.handles, runID)
	m.mu.Unlock()

	if !ok {
		return crucibleerrors.New(crucibleerrors.ErrCodeInvalidInput, "no sandbox tracked for run").
			WithContext("run_id", runID)
	}
	return handle.Destroy()
}

// Handle returns the tracked handle for runID, if any.
func (m *Manager) Handle(runID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.handles[runID]
	return handle, ok
}

// psEntry is the subset of `ps --format {{json .}}` output prune needs.
type psEntry struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	CreatedAt string `json:"CreatedAt"`
}

// psCreatedAtLayout matches docker's CreatedAt format, e.g.
// "2026-08-30 10:11:12 +0000 UTC".
const psCreatedAtLayout = "2006-01-02 15:04:05 -0700 MST"

// Prune force-removes labeled containers older than maxAge, plus any
// whose creation time cannot be parsed (conservatively: an unreadable
// age means an orphan from a version skew or a corrupt listing, and
// nothing live should be unparseable). Returns the number removed.
// Intended for startup, to clean up after an unclean shutdown.
func (m *Manager) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	output, err := m.runtime.Run(ctx,
		"ps", "-a",
		"--filter", "label="+ManagedLabel,
		"--format", "{{json .}}",
	)
	if err != nil {
		return 0, crucibleerrors.Wrap(err, crucibleerrors.ErrCodePrune, "failed to list sandbox containers")
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var entry psEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			m.log.Warn(logging.CategorySandbox, "prune_parse_error", "skipping unreadable ps line", map[string]any{
				"line": line,
			})
			continue
		}

		created, parseErr := time.Parse(psCreatedAtLayout, entry.CreatedAt)
		if parseErr == nil && created.After(cutoff) {
			continue
		}

		id := entry.ID
		if id == "" {
			id = entry.Names
		}
		if out, err := m.runtime.Run(ctx, "rm", "-f", id); err != nil {
			m.log.Warn(logging.CategorySandbox, "prune_remove_failed", "", map[string]any{
				"container_id": id,
				"error":        err.Error(),
				"output":       out,
			})
			continue
		}
		removed++
		metricPruned.Inc()
	}

	if removed > 0 {
		m.log.Info(logging.CategorySandbox, "pruned", "removed orphaned sandbox containers", map[string]any{
			"count":   removed,
			"max_age": maxAge.String(),
		})
	}
	return removed, nil
}

// DestroyAll tears down every tracked handle, then sweeps for labeled
// containers that escaped tracking (processes that died before
// registration, or registration races).
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, handle := range m.handles {
		handles = append(handles, handle)
	}
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for _, handle := range handles {
		_ = handle.Destroy()
	}

	// Sweep untracked leftovers by label.
	output, err := m.runtime.Run(ctx,
		"ps", "-a",
		"--filter", "label="+ManagedLabel,
		"--format", "{{.ID}}",
	)
	if err != nil {
		return crucibleerrors.Wrap(err, crucibleerrors.ErrCodePrune, "failed to list leftover containers")
	}
	for _, id := range strings.Fields(output) {
		if out, err := m.runtime.Run(ctx, "rm", "-f", id); err != nil {
			m.log.Warn(logging.CategorySandbox, "sweep_remove_failed", "", map[string]any{
				"container_id": id,
				"error":        err.Error(),
				"output":       out,
			})
		}
	}
	return nil
}

// removeBestEffort cleans up a container after a failed create
// sequence. Failure here is logged, not returned; the original error
// matters more.
func (m *Manager) removeBestEffort(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if output, err := m.runtime.Run(ctx, "rm", "-f", name); err != nil {
		m.log.Warn(logging.CategorySandbox, "cleanup_remove_failed", "", map[string]any{
			"container_id": name,
			"error":        err.Error(),
			"output":       output,
		})
	}
}
