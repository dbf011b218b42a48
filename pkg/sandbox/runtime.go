package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// commandTimeout bounds every discrete CLI invocation. Streaming
// invocations (start -ai, attach) are not subject to it; the container
// lifetime cap bounds those.
const commandTimeout = 30 * time.Second

// probeTimeout bounds the availability probe, which callers use as a
// feature gate and must never hang on.
const probeTimeout = 3 * time.Second

// Runtime drives the container runtime's CLI. Discrete calls (create,
// start, pause, rm, ps, build) go through Run; Stream spawns a
// long-lived process attached to a container's standard streams.
type Runtime interface {
	Run(ctx context.Context, args ...string) (string, error)
	Stream(args ...string) (Process, error)
}

// Process is one attached container process. Frames are written to
// Stdin and read from Stdout; Wait blocks until the process exits.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// DockerRuntime implements Runtime against the docker CLI.
type DockerRuntime struct {
	// Binary is the CLI to invoke, normally "docker". Podman's CLI is
	// argument-compatible for everything this package uses.
	Binary string
}

// NewDockerRuntime creates a runtime driving the given CLI binary.
func NewDockerRuntime(binary string) *DockerRuntime {
	if binary == "" {
		binary = "docker"
	}
	return &DockerRuntime{Binary: binary}
}

// Run executes one CLI invocation and returns its stdout. Stderr is
// folded into the returned error so failures are diagnosable from the
// error alone.
func (d *DockerRuntime) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.Binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s %s failed: %w\nOutput: %s",
			d.Binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Stream spawns the CLI attached to a container's streams and returns
// the running process.
func (d *DockerRuntime) Stream(args ...string) (Process, error) {
	cmd := exec.Command(d.Binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	proc := &dockerProcess{cmd: cmd, stdin: stdin, stdout: stdout}
	cmd.Stderr = &proc.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s %s: %w", d.Binary, strings.Join(args, " "), err)
	}
	return proc, nil
}

// dockerProcess wraps one attached CLI process.
type dockerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr boundedBuffer
}

func (p *dockerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }

func (p *dockerProcess) Wait() error {
	err := p.cmd.Wait()
	if err != nil && p.stderr.Len() > 0 {
		return fmt.Errorf("%w\nstderr: %s", err, strings.TrimSpace(p.stderr.String()))
	}
	return err
}

func (p *dockerProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// boundedBuffer keeps the last portion of whatever is written to it.
// Attach stderr is diagnostic only; an unbounded buffer would let a
// noisy container grow host memory.
type boundedBuffer struct {
	buf bytes.Buffer
}

const boundedBufferLimit = 64 * 1024

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > boundedBufferLimit {
		keep := boundedBufferLimit / 2
		if b.buf.Len() > keep {
			trimmed := b.buf.Bytes()[b.buf.Len()-keep:]
			var next bytes.Buffer
			next.Write(trimmed)
			b.buf = next
		}
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) Len() int       { return b.buf.Len() }
func (b *boundedBuffer) String() string { return b.buf.String() }

// ExitCode extracts the process exit code from a Wait error, or -1 when
// the process was killed by a signal or the error is not exit-related.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
