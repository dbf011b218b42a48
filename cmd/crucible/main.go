// Command crucible manages sandbox containers for untrusted tool
// execution: builds the images, probes the runtime, runs one-off tool
// invocations, and cleans up leftovers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/crucible/pkg/config"
	"github.com/odvcencio/crucible/pkg/frame"
	"github.com/odvcencio/crucible/pkg/logging"
	"github.com/odvcencio/crucible/pkg/sandbox"
	"github.com/odvcencio/crucible/pkg/skill"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	args := os.Args[1:]

	// A leading -config applies to every subcommand.
	if len(args) >= 2 && args[0] == "-config" {
		configPath = args[1]
		args = args[2:]
	}

	if handled, exitCode := dispatchSubcommand(args); handled {
		os.Exit(exitCode)
	}

	printHelp()
	os.Exit(1)
}

func dispatchSubcommand(args []string) (bool, int) {
	if len(args) == 0 {
		return false, 0
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return true, 0
	case "--help", "-h", "help":
		printHelp()
		return true, 0
	case "doctor":
		return true, runCommand(runDoctorCommand, args[1:])
	case "image":
		return true, runCommand(runImageCommand, args[1:])
	case "prune":
		return true, runCommand(runPruneCommand, args[1:])
	case "run":
		return true, runCommand(runRunCommand, args[1:])
	case "skills":
		return true, runCommand(runSkillsCommand, args[1:])
	}
	return false, 0
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printVersion() {
	fmt.Printf("crucible %s (%s, built %s)\n", version, commit, buildDate)
}

func printHelp() {
	fmt.Print(`crucible - sandboxed tool execution

Usage:
  crucible [-config path] <command> [flags]

Commands:
  doctor    Check that the container runtime is available
  image     Build the sandbox and network-policy helper images
  prune     Remove orphaned sandbox containers
  run       Run one tool invocation inside a fresh sandbox
  skills    List loaded skills
  version   Print version information

Run flags:
  crucible run -workspace <dir> [-skill name]... [-domain host]...
               [-timeout 60s] [-lifetime 30m] -- <tool> [args...]
`)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if cfg.Logging.Dir == "" {
		return logging.Discard(), nil
	}
	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Level != "" {
		logger.SetMinLevel(logging.Level(cfg.Logging.Level))
	}
	return logger, nil
}

func newManager(cfg *config.Config, logger *logging.Logger) *sandbox.Manager {
	return sandbox.NewManager(sandbox.ManagerOptions{
		Runtime:        sandbox.NewDockerRuntime(cfg.Runtime.Binary),
		Logger:         logger,
		ImageTag:       cfg.Images.SandboxTag,
		HelperImageTag: cfg.Images.HelperTag,
		ToolServerPath: cfg.Images.ToolServerPath,
	})
}

func runDoctorCommand(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	manager := newManager(cfg, logger)
	if !manager.IsAvailable(context.Background()) {
		return withExitCode(fmt.Errorf("container runtime %q is not available", cfg.Runtime.Binary), 2)
	}
	fmt.Printf("container runtime %q is available\n", cfg.Runtime.Binary)
	return nil
}

func runImageCommand(args []string) error {
	fs := flag.NewFlagSet("image", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	builder := sandbox.NewImageBuilder(
		sandbox.NewDockerRuntime(cfg.Runtime.Binary),
		logger,
		cfg.Images.SandboxTag,
		cfg.Images.HelperTag,
	)
	builder.ToolServerPath = cfg.Images.ToolServerPath

	ctx := context.Background()
	if err := builder.EnsureImage(ctx); err != nil {
		return err
	}
	fmt.Printf("sandbox image ready: %s\n", builder.ImageTag())

	if err := builder.EnsureHelperImage(ctx); err != nil {
		return err
	}
	fmt.Printf("helper image ready: %s\n", builder.HelperImageTag())
	return nil
}

func runPruneCommand(args []string) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	maxAgeFlag := fs.Duration("max-age", 0, "remove containers older than this (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	maxAge := *maxAgeFlag
	if maxAge == 0 {
		maxAge, err = cfg.PruneMaxAge()
		if err != nil {
			return err
		}
	}

	removed, err := newManager(cfg, logger).Prune(context.Background(), maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d container(s)\n", removed)
	return nil
}

func runSkillsCommand(args []string) error {
	fs := flag.NewFlagSet("skills", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry := skill.NewRegistry()
	if err := registry.Load(cfg.Skills.Dirs...); err != nil {
		return err
	}

	for _, s := range registry.List() {
		line := fmt.Sprintf("%-20s %s", s.Name, s.Description)
		if s.NeedsNetwork() {
			line += fmt.Sprintf(" [network: %s]", strings.Join(s.AllowedDomains, ", "))
		}
		fmt.Println(line)
	}
	return nil
}

// stringList collects repeatable string flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runRunCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "host directory mounted read-write at /workspace (required)")
	skillsDir := fs.String("skills-dir", "", "host directory mounted read-only at /skills")
	timeout := fs.Duration("timeout", 60*time.Second, "per-request timeout")
	lifetime := fs.Duration("lifetime", 0, "container lifetime cap (default from config)")
	var skillNames stringList
	fs.Var(&skillNames, "skill", "skill whose domain allowlist to grant (repeatable)")
	var domains stringList
	fs.Var(&domains, "domain", "extra allowed outbound domain (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	toolArgs := fs.Args()
	if len(toolArgs) == 0 {
		return fmt.Errorf("no tool given: crucible run -workspace <dir> -- <tool> [args...]")
	}
	if *workspace == "" {
		return fmt.Errorf("-workspace is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	allowedDomains := []string(domains)
	var credentialNames []string
	if len(skillNames) > 0 {
		registry := skill.NewRegistry()
		if err := registry.Load(cfg.Skills.Dirs...); err != nil {
			return err
		}
		skillDomains, err := registry.Domains(skillNames...)
		if err != nil {
			return err
		}
		allowedDomains = append(allowedDomains, skillDomains...)
		credentialNames, err = registry.Credentials(skillNames...)
		if err != nil {
			return err
		}
	}

	maxLifetime := *lifetime
	if maxLifetime == 0 {
		maxLifetime, err = cfg.MaxLifetime()
		if err != nil {
			return err
		}
	}

	manager := newManager(cfg, logger)
	runID := uuid.NewString()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := manager.Create(ctx, runID, sandbox.Config{
		WorkspacePath:  *workspace,
		SkillsPath:     *skillsDir,
		AllowedDomains: allowedDomains,
		AllowedPorts:   cfg.Sandbox.AllowedPorts,
		MemoryLimit:    cfg.Sandbox.MemoryLimit,
		CPUs:           cfg.Sandbox.CPUs,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		MaxLifetime:    maxLifetime,
	})
	if err != nil {
		return err
	}
	defer handle.Destroy()

	for _, name := range credentialNames {
		value, ok := os.LookupEnv(name)
		if !ok {
			fmt.Fprintf(os.Stderr, "warning: credential %s not set in environment, skipping\n", name)
			continue
		}
		if err := handle.DeliverCredential(name, value); err != nil {
			return err
		}
	}

	result, err := handle.Execute(ctx, frame.ExecuteRequest{
		Tool:      toolArgs[0],
		Args:      toolArgs[1:],
		TimeoutMs: int(timeout.Milliseconds()),
	})
	if err != nil {
		return err
	}

	if output, ok := result["output"].(string); ok {
		fmt.Print(output)
	}
	if code, ok := result["exitCode"].(float64); ok && code != 0 {
		return withExitCode(fmt.Errorf("tool exited with code %d", int(code)), int(code))
	}
	return nil
}
