// Package sandbox creates and drives hardened containers for executing
// untrusted, agent-generated code. One container serves one task run:
// the Manager creates it, the Handle speaks the frame protocol over its
// standard streams, and teardown is guaranteed exactly once however the
// run ends.
package sandbox

import (
	"fmt"
	"path/filepath"
	"time"
)

// Resource defaults applied when a Config leaves the overrides zero.
const (
	DefaultMemoryLimit = "512m"
	DefaultCPUs        = "1"
	DefaultPidsLimit   = 128
	DefaultMaxLifetime = 30 * time.Minute
)

// responseTimeoutBuffer pads every per-request timeout to cover the
// round-trip envelope: frame encode, container scheduling, and the tool
// server's own timeout handling. Variable so tests can shrink it.
var responseTimeoutBuffer = 10 * time.Second

// Config describes one container run. It is immutable once passed to
// Create.
type Config struct {
	// WorkspacePath is bind-mounted read-write at /workspace. Required.
	WorkspacePath string

	// SkillsPath, when set, is bind-mounted read-only at /skills.
	SkillsPath string

	// AllowedDomains is the outbound allowlist. Empty means the
	// container gets no network at all; network access is opt-in.
	AllowedDomains []string

	// AllowedPorts restricts outbound ports when domains are declared.
	// Empty means 80 and 443.
	AllowedPorts []int

	// Resource overrides. Zero values take the package defaults.
	MemoryLimit string
	CPUs        string
	PidsLimit   int

	// MaxLifetime caps how long the container may exist before forced
	// teardown, independent of activity. Zero takes the default.
	MaxLifetime time.Duration
}

// Validate checks that the config can produce a container.
func (c *Config) Validate() error {
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspace path is required")
	}
	if !filepath.IsAbs(c.WorkspacePath) {
		return fmt.Errorf("workspace path must be absolute: %s", c.WorkspacePath)
	}
	if c.SkillsPath != "" && !filepath.IsAbs(c.SkillsPath) {
		return fmt.Errorf("skills path must be absolute: %s", c.SkillsPath)
	}
	for _, port := range c.AllowedPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid allowed port: %d", port)
		}
	}
	return nil
}

// networkEnabled reports whether this run gets the policy-controlled
// bridge path.
func (c *Config) networkEnabled() bool {
	return len(c.AllowedDomains) > 0
}

func (c *Config) memoryLimit() string {
	if c.MemoryLimit != "" {
		return c.MemoryLimit
	}
	return DefaultMemoryLimit
}

func (c *Config) cpus() string {
	if c.CPUs != "" {
		return c.CPUs
	}
	return DefaultCPUs
}

func (c *Config) pidsLimit() int {
	if c.PidsLimit > 0 {
		return c.PidsLimit
	}
	return DefaultPidsLimit
}

func (c *Config) maxLifetime() time.Duration {
	if c.MaxLifetime > 0 {
		return c.MaxLifetime
	}
	return DefaultMaxLifetime
}
