package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// DockerAPI is the subset of the Docker Engine client used by DockerBackend
type DockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerBackend implements Backend through the Docker Engine API, one
// container per run, with the same restriction set as PodmanBackend.
type DockerBackend struct {
	logger      *zap.Logger
	config      *Config
	cli         DockerAPI
	image       string
	nanoCPUs    int64
	tmpfsSizeMB int
	pullImage   bool

	pullMu sync.Mutex
	pulled bool
}

// DockerOption defines a functional option for DockerBackend
type DockerOption func(*DockerBackend)

// WithDockerClient sets the Docker API client
func WithDockerClient(cli DockerAPI) DockerOption {
	return func(d *DockerBackend) {
		d.cli = cli
	}
}

// WithDockerCPUs sets the CPU ceiling in cores
func WithDockerCPUs(cpus float64) DockerOption {
	return func(d *DockerBackend) {
		d.nanoCPUs = int64(cpus * 1e9)
	}
}

// WithDockerTmpfsSize sets the size of the /tmp mount in megabytes
func WithDockerTmpfsSize(sizeMB int) DockerOption {
	return func(d *DockerBackend) {
		d.tmpfsSizeMB = sizeMB
	}
}

// WithDockerPull controls whether the image is pulled before the first run
func WithDockerPull(pull bool) DockerOption {
	return func(d *DockerBackend) {
		d.pullImage = pull
	}
}

// NewDockerBackend creates a DockerBackend. Without WithDockerClient it
// connects using the standard DOCKER_* environment.
func NewDockerBackend(logger *zap.Logger, config *Config, img string, opts ...DockerOption) (*DockerBackend, error) {
	backend := &DockerBackend{
		logger:      logger,
		config:      config,
		image:       img,
		nanoCPUs:    1e9,
		tmpfsSizeMB: 64,
		pullImage:   true,
	}

	for _, opt := range opts {
		opt(backend)
	}

	if backend.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		backend.cli = cli
	}

	return backend, nil
}

// Name returns the backend identifier
func (*DockerBackend) Name() string { return BackendDocker }

// Layout returns the fixed container mount points
func (*DockerBackend) Layout(_, _ string) Layout {
	return Layout{Workspace: ContainerWorkspace, Toolchain: ContainerToolchain}
}

// PrepareWorkspace opens the workspace to the container's unprivileged uid
func (*DockerBackend) PrepareWorkspace(dir string) error {
	return os.Chmod(dir, SharedDirPermission)
}

func (d *DockerBackend) ensureImage(ctx context.Context) error {
	if !d.pullImage {
		return nil
	}

	d.pullMu.Lock()
	defer d.pullMu.Unlock()
	if d.pulled {
		return nil
	}

	d.logger.Info("pulling docker image", zap.String("image", d.image))
	reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", d.image, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", d.image, err)
	}

	d.pulled = true
	return nil
}

func (d *DockerBackend) containerSpec(inv Invocation) (*container.Config, *container.HostConfig, error) {
	workspace, err := filepath.Abs(inv.Workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	binds := []string{fmt.Sprintf("%s:%s:rw", workspace, ContainerWorkspace)}
	if inv.ToolchainDir != "" {
		toolchain, absErr := filepath.Abs(inv.ToolchainDir)
		if absErr != nil {
			return nil, nil, fmt.Errorf("failed to resolve toolchain path: %w", absErr)
		}
		binds = append(binds, fmt.Sprintf("%s:%s:ro", toolchain, ContainerToolchain))
	}

	env := map[string]string{"HOME": ContainerWorkspace}
	for key, value := range inv.Env {
		env[key] = value
	}

	limits := inv.Limits
	resources := container.Resources{
		NanoCPUs: d.nanoCPUs,
	}
	if limits.MemoryMB > 0 {
		resources.Memory = int64(limits.MemoryMB) * BytesPerMB
		resources.MemorySwap = resources.Memory // no swap
	}
	if limits.MaxProcesses > 0 {
		pids := int64(limits.MaxProcesses)
		resources.PidsLimit = &pids
	}
	if limits.MaxOpenFiles > 0 {
		resources.Ulimits = append(resources.Ulimits, &units.Ulimit{
			Name: "nofile", Soft: int64(limits.MaxOpenFiles), Hard: int64(limits.MaxOpenFiles),
		})
	}
	if limits.MaxFileSizeMB > 0 {
		size := int64(limits.MaxFileSizeMB) * BytesPerMB
		resources.Ulimits = append(resources.Ulimits, &units.Ulimit{Name: "fsize", Soft: size, Hard: size})
	}
	if limits.CPUSeconds > 0 {
		cpu := int64(limits.CPUSeconds)
		resources.Ulimits = append(resources.Ulimits, &units.Ulimit{Name: "cpu", Soft: cpu, Hard: cpu})
	}

	config := &container.Config{
		Image:           d.image,
		Cmd:             inv.Command,
		Env:             EnvList(env),
		WorkingDir:      ContainerWorkspace,
		User:            ContainerUser,
		NetworkDisabled: true,
	}

	hostConfig := &container.HostConfig{
		Binds:          binds,
		NetworkMode:    "none",
		IpcMode:        "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,nodev,nosuid,noexec,size=%dm", d.tmpfsSizeMB),
			"/run": "rw,nodev,nosuid,noexec,size=16m",
		},
		Resources: resources,
	}

	return config, hostConfig, nil
}

// Run executes inv.Command in a fresh container and removes it afterwards
func (d *DockerBackend) Run(ctx context.Context, inv Invocation) (Output, error) {
	if err := d.ensureImage(ctx); err != nil {
		return Output{}, &SpawnError{Backend: d.Name(), Err: err}
	}

	config, hostConfig, err := d.containerSpec(inv)
	if err != nil {
		return Output{}, &SpawnError{Backend: d.Name(), Err: err}
	}

	name := "codepad-" + uuid.NewString()
	created, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return Output{}, &SpawnError{Backend: d.Name(), Err: fmt.Errorf("failed to create container: %w", err)}
	}
	defer d.remove(created.ID)

	// The wait must be registered before start so a fast exit is not missed
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	statusCh, errCh := d.cli.ContainerWait(waitCtx, created.ID, container.WaitConditionNextExit)

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Output{}, &SpawnError{Backend: d.Name(), Err: fmt.Errorf("failed to start container: %w", err)}
	}

	proc := &containerProcess{cli: d.cli, id: created.ID, statusCh: statusCh, errCh: errCh}
	timedOut, waitErr := Supervise(ctx, proc, inv.Timeout, d.config.KillGrace)

	out, logErr := d.collectOutput(created.ID)
	if logErr != nil {
		d.logger.Warn("failed to collect container logs", zap.String("container", created.ID), zap.Error(logErr))
	}

	if timedOut {
		return out, ErrTimedOut
	}
	if waitErr != nil {
		return out, &SpawnError{Backend: d.Name(), Err: waitErr}
	}
	if proc.exitCode != 0 {
		return out, &ExitError{Code: proc.exitCode}
	}
	return out, nil
}

func (d *DockerBackend) collectOutput(id string) (Output, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Output{}, err
	}
	defer reader.Close()

	stdout := newLimitedBuffer(d.config.MaxOutputBytes)
	stderr := newLimitedBuffer(d.config.MaxOutputBytes)
	_, err = stdcopy.StdCopy(stdout, stderr, reader)
	return Output{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

func (d *DockerBackend) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("failed to remove container", zap.String("container", id), zap.Error(err))
	}
}

// containerProcess adapts a running container to the Process interface
type containerProcess struct {
	cli      DockerAPI
	id       string
	statusCh <-chan container.WaitResponse
	errCh    <-chan error
	exitCode int
}

func (c *containerProcess) Wait() error {
	select {
	case status := <-c.statusCh:
		if status.Error != nil {
			return fmt.Errorf("container wait: %s", status.Error.Message)
		}
		c.exitCode = int(status.StatusCode)
		return nil
	case err := <-c.errCh:
		return err
	}
}

func (c *containerProcess) Terminate() error {
	return c.signal("SIGTERM")
}

func (c *containerProcess) Kill() error {
	return c.signal("SIGKILL")
}

func (c *containerProcess) signal(sig string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	return c.cli.ContainerKill(ctx, c.id, sig)
}

// ReclaimWorkspace deletes everything below dir from inside a throwaway
// container running as ContainerUser, the owner of whatever the job created.
func (d *DockerBackend) ReclaimWorkspace(ctx context.Context, dir string) error {
	workspace, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	if err := d.ensureImage(ctx); err != nil {
		return err
	}

	config := &container.Config{
		Image:           d.image,
		Entrypoint:      reclaimCommand[:1],
		Cmd:             reclaimCommand[1:],
		User:            ContainerUser,
		NetworkDisabled: true,
	}
	hostConfig := &container.HostConfig{
		Binds:       []string{fmt.Sprintf("%s:%s:rw", workspace, ContainerWorkspace)},
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}

	created, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "codepad-reclaim-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to create reclaim container: %w", err)
	}
	defer d.remove(created.ID)

	statusCh, errCh := d.cli.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start reclaim container: %w", err)
	}

	select {
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("reclaim container exited with code %d", status.StatusCode)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("failed to wait for reclaim container: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("reclaim container did not finish: %w", ctx.Err())
	}
}
