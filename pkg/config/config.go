// Package config loads the orchestrator configuration: defaults, then
// the user file, then the project file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultRuntimeBinary  = "docker"
	DefaultImageTag       = "crucible-sandbox:latest"
	DefaultHelperImageTag = "crucible-netpolicy:latest"
	DefaultMemoryLimit    = "512m"
	DefaultCPUs           = "1"
	DefaultPidsLimit      = 128
	DefaultMaxLifetime    = 30 * time.Minute
	DefaultPruneMaxAge    = time.Hour
	DefaultLogLevel       = "info"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	Images  ImagesConfig  `yaml:"images"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Prune   PruneConfig   `yaml:"prune"`
	Logging LoggingConfig `yaml:"logging"`
	Skills  SkillsConfig  `yaml:"skills"`
}

// RuntimeConfig selects the container runtime CLI.
type RuntimeConfig struct {
	// Binary is the CLI to drive, "docker" or a compatible one such as
	// "podman".
	Binary string `yaml:"binary"`
}

// ImagesConfig names the images the sandbox subsystem maintains.
type ImagesConfig struct {
	SandboxTag string `yaml:"sandbox_tag"`
	HelperTag  string `yaml:"helper_tag"`

	// ToolServerPath points at the compiled tool-server binary to bake
	// into the sandbox image. Empty means next to the orchestrator
	// binary.
	ToolServerPath string `yaml:"tool_server_path"`
}

// SandboxConfig carries the per-run resource defaults.
type SandboxConfig struct {
	MemoryLimit string `yaml:"memory_limit"`
	CPUs        string `yaml:"cpus"`
	PidsLimit   int    `yaml:"pids_limit"`

	// MaxLifetime is a duration string such as "30m".
	MaxLifetime string `yaml:"max_lifetime"`

	// AllowedPorts restricts outbound ports for networked runs. Empty
	// means 80 and 443.
	AllowedPorts []int `yaml:"allowed_ports"`
}

// PruneConfig controls startup cleanup of orphaned containers.
type PruneConfig struct {
	// MaxAge is a duration string such as "1h".
	MaxAge string `yaml:"max_age"`
}

// LoggingConfig controls the JSONL event logs.
type LoggingConfig struct {
	// Dir receives events.jsonl and errors.jsonl. Empty disables file
	// logging.
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// SkillsConfig lists extra skill directories loaded after the bundled
// set.
type SkillsConfig struct {
	Dirs []string `yaml:"dirs"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{Binary: DefaultRuntimeBinary},
		Images: ImagesConfig{
			SandboxTag: DefaultImageTag,
			HelperTag:  DefaultHelperImageTag,
		},
		Sandbox: SandboxConfig{
			MemoryLimit: DefaultMemoryLimit,
			CPUs:        DefaultCPUs,
			PidsLimit:   DefaultPidsLimit,
			MaxLifetime: DefaultMaxLifetime.String(),
		},
		Prune:   PruneConfig{MaxAge: DefaultPruneMaxAge.String()},
		Logging: LoggingConfig{Level: DefaultLogLevel},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userPath := filepath.Join(home, ".crucible", "config.yaml")
		if err := loadAndMerge(cfg, userPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectPath := filepath.Join(".", ".crucible", "config.yaml")
	if err := loadAndMerge(cfg, projectPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRUCIBLE_RUNTIME_BINARY"); v != "" {
		cfg.Runtime.Binary = v
	}
	if v := os.Getenv("CRUCIBLE_SANDBOX_IMAGE"); v != "" {
		cfg.Images.SandboxTag = v
	}
	if v := os.Getenv("CRUCIBLE_HELPER_IMAGE"); v != "" {
		cfg.Images.HelperTag = v
	}
	if v := os.Getenv("CRUCIBLE_TOOL_SERVER"); v != "" {
		cfg.Images.ToolServerPath = v
	}
	if v := os.Getenv("CRUCIBLE_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("CRUCIBLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Runtime.Binary == "" {
		return fmt.Errorf("runtime binary must not be empty")
	}
	if c.Images.SandboxTag == "" || c.Images.HelperTag == "" {
		return fmt.Errorf("image tags must not be empty")
	}
	if c.Sandbox.PidsLimit < 0 {
		return fmt.Errorf("pids limit must not be negative")
	}
	if _, err := c.MaxLifetime(); err != nil {
		return fmt.Errorf("invalid sandbox.max_lifetime: %w", err)
	}
	if _, err := c.PruneMaxAge(); err != nil {
		return fmt.Errorf("invalid prune.max_age: %w", err)
	}
	for _, port := range c.Sandbox.AllowedPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid allowed port: %d", port)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}

// MaxLifetime parses the sandbox lifetime cap. Empty means the default.
func (c *Config) MaxLifetime() (time.Duration, error) {
	if c.Sandbox.MaxLifetime == "" {
		return DefaultMaxLifetime, nil
	}
	return time.ParseDuration(c.Sandbox.MaxLifetime)
}

// PruneMaxAge parses the prune age threshold. Empty means the default.
func (c *Config) PruneMaxAge() (time.Duration, error) {
	if c.Prune.MaxAge == "" {
		return DefaultPruneMaxAge, nil
	}
	return time.ParseDuration(c.Prune.MaxAge)
}
