package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ashureev/stormcloud/internal/domain"
)

const (
	// Container configuration.
	sandboxUser = "65534:65534"
	workingDir  = "/workspace"
	namePrefix  = "stormcloud-run-"

	// Labels identify sandbox containers for the reaper.
	labelManaged = "dev.stormcloud.sandbox"
	labelCreated = "dev.stormcloud.created"

	maxOutputBytes = 1 << 20
	drainGrace     = 500 * time.Millisecond
	cleanupTimeout = 10 * time.Second
)

// dockerAPI is the subset of the Docker client the runner depends on.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Options configures a DockerRunner.
type Options struct {
	Image          string
	Runtime        string // "" = default (runc), "runsc" = gVisor
	NetworkEnabled bool
	Logger         *slog.Logger
}

// DockerRunner implements Runner with one container per run.
type DockerRunner struct {
	cli            dockerAPI
	image          string
	runtime        string
	networkEnabled bool
	log            *slog.Logger
	now            func() time.Time
}

var _ Runner = (*DockerRunner)(nil)

// NewDockerRunner creates a runner using the Docker daemon from the environment.
func NewDockerRunner(opts Options) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	r := newDockerRunner(cli, opts)
	runtime := opts.Runtime
	if runtime == "" {
		runtime = "default"
	}
	r.log.Info("Docker client initialized", "runtime", runtime, "image", opts.Image, "network", opts.NetworkEnabled)
	return r, nil
}

func newDockerRunner(cli dockerAPI, opts Options) *DockerRunner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{
		cli:            cli,
		image:          opts.Image,
		runtime:        opts.Runtime,
		networkEnabled: opts.NetworkEnabled,
		log:            logger.With("component", "sandbox"),
		now:            time.Now,
	}
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping docker: %w", ErrSandboxUnavailable, err)
	}
	return nil
}

// EnsureImage makes sure the sandbox image is present, pulling it when allowed.
func (r *DockerRunner) EnsureImage(ctx context.Context, pull bool) error {
	images, err := r.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", r.image)),
	})
	if err != nil {
		return fmt.Errorf("%w: list images: %w", ErrSandboxUnavailable, err)
	}
	if len(images) > 0 {
		r.log.Info("Sandbox image present", "image", r.image)
		return nil
	}
	if !pull {
		return fmt.Errorf("%w: image %s not present and pulling is disabled", ErrSandboxUnavailable, r.image)
	}

	r.log.Info("Pulling sandbox image", "image", r.image)
	rc, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull image %s: %w", ErrSandboxUnavailable, r.image, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: read pull progress: %w", ErrSandboxUnavailable, err)
	}
	r.log.Info("Sandbox image pulled", "image", r.image)
	return nil
}

// Run executes code in a fresh container and removes it afterwards.
func (r *DockerRunner) Run(ctx context.Context, code string, limits Limits) (domain.ExecutionResult, error) {
	limits = limits.withDefaults()
	config, hostConfig := r.containerSpec(code, limits)

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, namePrefix+uuid.NewString())
	if err != nil {
		if ctx.Err() != nil {
			return domain.ExecutionResult{}, ctx.Err()
		}
		return domain.ExecutionResult{}, fmt.Errorf("%w: create container: %w", ErrSandboxUnavailable, err)
	}
	containerID := resp.ID
	defer r.remove(containerID)

	attach, err := r.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: attach container %s: %w", ErrSandboxUnavailable, containerID, err)
	}
	defer attach.Close()

	// Register the wait before starting so a fast exit is not missed.
	waitCh, waitErrCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	out := newOutputBuffer(maxOutputBytes)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		if _, err := stdcopy.StdCopy(out, out, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
			r.log.Debug("Sandbox output stream ended with error", "container_id", containerID, "error", err)
		}
	}()

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return domain.ExecutionResult{}, ctx.Err()
		}
		return domain.ExecutionResult{}, fmt.Errorf("%w: start container %s: %w", ErrSandboxUnavailable, containerID, err)
	}

	timer := time.NewTimer(limits.Timeout)
	defer timer.Stop()

	var result domain.ExecutionResult
	select {
	case status := <-waitCh:
		result.ExitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			r.log.Warn("Sandbox container reported wait error", "container_id", containerID, "error", status.Error.Message)
		}
	case err := <-waitErrCh:
		if ctx.Err() != nil {
			r.kill(containerID)
			return domain.ExecutionResult{}, ctx.Err()
		}
		return domain.ExecutionResult{}, fmt.Errorf("%w: wait for container %s: %w", ErrSandboxUnavailable, containerID, err)
	case <-timer.C:
		r.log.Info("Sandbox run timed out", "container_id", containerID, "timeout", limits.Timeout)
		r.kill(containerID)
		result.ExitCode = domain.TimeoutExitCode
		result.TimedOut = true
	case <-ctx.Done():
		r.kill(containerID)
		return domain.ExecutionResult{}, ctx.Err()
	}
	result.Duration = time.Since(start)

	select {
	case <-copyDone:
	case <-time.After(drainGrace):
		r.log.Debug("Sandbox output did not drain in time", "container_id", containerID)
	}
	result.Output = out.String()
	return result, nil
}

func (r *DockerRunner) containerSpec(code string, limits Limits) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:           r.image,
		Cmd:             []string{"python3", "-u", "-c", code},
		User:            sandboxUser,
		WorkingDir:      workingDir,
		Env:             []string{"PYTHONDONTWRITEBYTECODE=1", "HOME=" + workingDir},
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !r.networkEnabled,
		Labels: map[string]string{
			labelManaged: "true",
			labelCreated: strconv.FormatInt(r.now().Unix(), 10),
		},
	}

	networkMode := container.NetworkMode("none")
	if r.networkEnabled {
		networkMode = container.NetworkMode("bridge")
	}

	hostConfig := &container.HostConfig{
		Runtime:        r.runtime,
		NetworkMode:    networkMode,
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			workingDir: "rw,size=16m,mode=1777",
			"/tmp":     "rw,size=16m,mode=1777",
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes,
			NanoCPUs:   limits.NanoCPUs,
			PidsLimit:  ptr(limits.PidsLimit),
		},
	}
	return config, hostConfig
}

// kill stops a running container. It uses its own context so a cancelled
// request still tears the program down.
func (r *DockerRunner) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := r.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) {
		r.log.Debug("Failed to kill sandbox container", "container_id", containerID, "error", err)
	}
}

// remove force-removes a container. It is idempotent.
func (r *DockerRunner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return
	}
	if strings.Contains(err.Error(), "is already in progress") {
		r.log.Debug("Sandbox container removal already in progress", "container_id", containerID)
		return
	}
	r.log.Warn("Failed to remove sandbox container", "container_id", containerID, "error", err)
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.PidsLimit <= 0 {
		l.PidsLimit = d.PidsLimit
	}
	if l.NanoCPUs <= 0 {
		l.NanoCPUs = d.NanoCPUs
	}
	return l
}

func ptr[T any](v T) *T {
	return &v
}
