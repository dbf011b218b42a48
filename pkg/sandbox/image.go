package sandbox

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/crucible/pkg/logging"
)

// Default image tags. Both images are built on demand from the embedded
// definitions below.
const (
	DefaultImageTag       = "crucible-sandbox:latest"
	DefaultHelperImageTag = "crucible-netpolicy:latest"
)

//go:embed Dockerfile
var sandboxDockerfile []byte

//go:embed netpolicy.Dockerfile
var helperDockerfile []byte

// ImageBuilder ensures the sandbox and network-policy helper images
// exist, building them on demand. Verification is memoized per process;
// concurrent callers share a single build.
type ImageBuilder struct {
	runtime   Runtime
	log       *logging.Logger
	imageTag  string
	helperTag string

	// ToolServerPath is the compiled tool-server binary copied into the
	// sandbox image's build context. Empty means "next to the current
	// executable".
	ToolServerPath string

	group       singleflight.Group
	imageReady  atomic.Bool
	helperReady atomic.Bool
}

// NewImageBuilder creates a builder for the given tags. Empty tags take
// the package defaults.
func NewImageBuilder(runtime Runtime, log *logging.Logger, imageTag, helperTag string) *ImageBuilder {
	if imageTag == "" {
		imageTag = DefaultImageTag
	}
	if helperTag == "" {
		helperTag = DefaultHelperImageTag
	}
	return &ImageBuilder{
		runtime:   runtime,
		log:       log,
		imageTag:  imageTag,
		helperTag: helperTag,
	}
}

// ImageTag returns the sandbox image tag this builder maintains.
func (b *ImageBuilder) ImageTag() string { return b.imageTag }

// HelperImageTag returns the network-policy helper image tag.
func (b *ImageBuilder) HelperImageTag() string { return b.helperTag }

// EnsureImage makes sure the sandbox runtime image exists, building it
// if missing. Failures are reported through the logger and the returned
// error; the caller decides whether to abort the run.
func (b *ImageBuilder) EnsureImage(ctx context.Context) error {
	if b.imageReady.Load() {
		return nil
	}
	_, err, _ := b.group.Do("sandbox", func() (any, error) {
		if b.imageReady.Load() {
			return nil, nil
		}
		if err := b.ensure(ctx, b.imageTag, sandboxDockerfile, true); err != nil {
			return nil, err
		}
		b.imageReady.Store(true)
		return nil, nil
	})
	return err
}

// EnsureHelperImage makes sure the firewall helper image exists. The
// helper carries no payload beyond iptables.
func (b *ImageBuilder) EnsureHelperImage(ctx context.Context) error {
	if b.helperReady.Load() {
		return nil
	}
	_, err, _ := b.group.Do("helper", func() (any, error) {
		if b.helperReady.Load() {
			return nil, nil
		}
		if err := b.ensure(ctx, b.helperTag, helperDockerfile, false); err != nil {
			return nil, err
		}
		b.helperReady.Store(true)
		return nil, nil
	})
	return err
}

func (b *ImageBuilder) ensure(ctx context.Context, tag string, dockerfile []byte, withToolServer bool) error {
	if _, err := b.runtime.Run(ctx, "image", "inspect", tag); err == nil {
		b.log.Debug(logging.CategoryImage, "image_exists", "", map[string]any{"tag": tag})
		return nil
	}

	b.log.Info(logging.CategoryImage, "image_build_started", "building sandbox image", map[string]any{"tag": tag})

	buildDir, err := os.MkdirTemp("", "crucible-build-")
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer os.RemoveAll(buildDir)

	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), dockerfile, 0644); err != nil {
		return fmt.Errorf("failed to write image definition: %w", err)
	}

	if withToolServer {
		if err := b.copyToolServer(buildDir); err != nil {
			b.log.Error(logging.CategoryImage, "image_build_failed", "tool server payload unavailable", map[string]any{
				"tag":   tag,
				"error": err.Error(),
			})
			return err
		}
	}

	output, err := b.runtime.Run(ctx, "build", "-t", tag, buildDir)
	if err != nil {
		b.log.Error(logging.CategoryImage, "image_build_failed", "image build failed", map[string]any{
			"tag":    tag,
			"error":  err.Error(),
			"output": output,
		})
		return fmt.Errorf("failed to build image %s: %w", tag, err)
	}

	b.log.Info(logging.CategoryImage, "image_built", "", map[string]any{"tag": tag})
	return nil
}

// copyToolServer places the compiled tool-server binary into the build
// context so the image definition can COPY it.
func (b *ImageBuilder) copyToolServer(buildDir string) error {
	src := b.ToolServerPath
	if src == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate tool server binary: %w", err)
		}
		src = filepath.Join(filepath.Dir(exe), "crucible-toolserver")
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("tool server binary not found at %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(filepath.Join(buildDir, "crucible-toolserver"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to stage tool server binary: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy tool server binary: %w", err)
	}
	return nil
}
