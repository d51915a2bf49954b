package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mount points of the workspace and toolchain inside containers
const (
	ContainerWorkspace = "/sandbox"
	ContainerToolchain = "/compiler"
	// ContainerUser is the unprivileged numeric uid:gid used inside containers
	ContainerUser = "65534:65534"
)

// PodmanBackend implements Backend with a throwaway container per run, driven
// through the podman CLI. The docker CLI accepts the same arguments.
type PodmanBackend struct {
	logger      *zap.Logger
	config      *Config
	path        string
	image       string
	cpus        string
	tmpfsSizeMB int
	extraArgs   []string
	cmdRunner   CommandRunner
}

// PodmanOption defines a functional option for PodmanBackend
type PodmanOption func(*PodmanBackend)

// WithPodmanCommandRunner sets the CommandRunner for PodmanBackend
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanOption {
	return func(p *PodmanBackend) {
		p.cmdRunner = cmdRunner
	}
}

// WithPodmanPath overrides the container CLI binary
func WithPodmanPath(path string) PodmanOption {
	return func(p *PodmanBackend) {
		p.path = path
	}
}

// WithPodmanCPUs sets the --cpus ceiling
func WithPodmanCPUs(cpus string) PodmanOption {
	return func(p *PodmanBackend) {
		p.cpus = cpus
	}
}

// WithPodmanTmpfsSize sets the size of the /tmp mount in megabytes
func WithPodmanTmpfsSize(sizeMB int) PodmanOption {
	return func(p *PodmanBackend) {
		p.tmpfsSizeMB = sizeMB
	}
}

// WithPodmanExtraArgs appends operator-supplied run arguments before the image
func WithPodmanExtraArgs(args []string) PodmanOption {
	return func(p *PodmanBackend) {
		p.extraArgs = args
	}
}

// NewPodmanBackend creates a new PodmanBackend with default implementations and optional interfaces
func NewPodmanBackend(logger *zap.Logger, config *Config, image string, opts ...PodmanOption) *PodmanBackend {
	backend := &PodmanBackend{
		logger:      logger,
		config:      config,
		path:        "podman",
		image:       image,
		cpus:        "1",
		tmpfsSizeMB: 64,
		cmdRunner:   ProcessRunner{MaxOutputBytes: config.MaxOutputBytes},
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Name returns the backend identifier
func (*PodmanBackend) Name() string { return BackendPodman }

// Layout returns the fixed container mount points
func (*PodmanBackend) Layout(_, _ string) Layout {
	return Layout{Workspace: ContainerWorkspace, Toolchain: ContainerToolchain}
}

// PrepareWorkspace opens the workspace to the container's unprivileged uid
func (*PodmanBackend) PrepareWorkspace(dir string) error {
	return os.Chmod(dir, SharedDirPermission)
}

func (p *PodmanBackend) runArgs(name string, inv Invocation) ([]string, error) {
	workspace, err := filepath.Abs(inv.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	args := []string{
		p.path, "run",
		"--rm",
		"--name", name,
		"--network", "none",
		"--ipc", "none",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,nodev,nosuid,noexec,size=%dM", p.tmpfsSizeMB),
		"--tmpfs", "/run:rw,nodev,nosuid,noexec,size=16M",
		"--volume", fmt.Sprintf("%s:%s:rw", workspace, ContainerWorkspace),
		"--workdir", ContainerWorkspace,
		"--user", ContainerUser,
		"--cpus", p.cpus,
	}

	if inv.ToolchainDir != "" {
		toolchain, absErr := filepath.Abs(inv.ToolchainDir)
		if absErr != nil {
			return nil, fmt.Errorf("failed to resolve toolchain path: %w", absErr)
		}
		args = append(args, "--volume", fmt.Sprintf("%s:%s:ro", toolchain, ContainerToolchain))
	}

	limits := inv.Limits
	if limits.MemoryMB > 0 {
		// Equal memory and memory-swap: no swap allowed
		args = append(args,
			"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
			"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB))
	}
	if limits.MaxProcesses > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", limits.MaxProcesses))
	}
	if limits.MaxOpenFiles > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("nofile=%d:%d", limits.MaxOpenFiles, limits.MaxOpenFiles))
	}
	if limits.MaxFileSizeMB > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("fsize=%d", int64(limits.MaxFileSizeMB)*BytesPerMB))
	}
	if limits.CPUSeconds > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d", limits.CPUSeconds))
	}

	env := map[string]string{"HOME": ContainerWorkspace}
	for key, value := range inv.Env {
		env[key] = value
	}
	for _, pair := range EnvList(env) {
		args = append(args, "--env", pair)
	}

	args = append(args, p.extraArgs...)
	args = append(args, p.image)
	return append(args, inv.Command...), nil
}

// Run executes inv.Command in a fresh container
func (p *PodmanBackend) Run(ctx context.Context, inv Invocation) (Output, error) {
	name := "codepad-" + uuid.NewString()

	args, err := p.runArgs(name, inv)
	if err != nil {
		return Output{}, &SpawnError{Backend: p.Name(), Err: err}
	}

	out, err := p.cmdRunner.Run(ctx, Command{
		Args:    args,
		Env:     os.Environ(),
		Dir:     inv.Workspace,
		Timeout: inv.Timeout,
		Grace:   p.config.KillGrace,
	})

	if errors.Is(err, ErrTimedOut) {
		// Killing the CLI client does not necessarily stop the container
		p.removeContainer(name)
		return out, err
	}
	if errors.Is(err, ErrSpawnFailed) {
		return out, &SpawnError{Backend: p.Name(), Err: err}
	}

	// 125 is the engine's own failure code (bad flag, missing image)
	if ExitCode(err) == engineFailureExitCode {
		return out, &SpawnError{Backend: p.Name(), Err: fmt.Errorf("%s run failed: %s", p.path, out.Stderr)}
	}

	return out, err
}

func (p *PodmanBackend) removeContainer(name string) {
	_, err := p.cmdRunner.Run(context.Background(), Command{
		Args:    []string{p.path, "rm", "-f", name},
		Env:     os.Environ(),
		Timeout: cleanupTimeout,
		Grace:   p.config.KillGrace,
	})
	if err != nil {
		p.logger.Warn("failed to remove container after timeout", zap.String("container", name), zap.Error(err))
	}
}

// ReclaimWorkspace deletes everything below dir from inside a throwaway
// container running as ContainerUser, the owner of whatever the job created.
func (p *PodmanBackend) ReclaimWorkspace(ctx context.Context, dir string) error {
	workspace, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	args := []string{
		p.path, "run",
		"--rm",
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--volume", fmt.Sprintf("%s:%s:rw", workspace, ContainerWorkspace),
		"--user", ContainerUser,
		"--entrypoint", reclaimCommand[0],
		p.image,
	}
	args = append(args, reclaimCommand[1:]...)

	out, err := p.cmdRunner.Run(ctx, Command{
		Args:    args,
		Env:     os.Environ(),
		Timeout: cleanupTimeout,
		Grace:   p.config.KillGrace,
	})
	if err != nil {
		return fmt.Errorf("failed to reclaim workspace %s: %w: %s", dir, err, strings.TrimSpace(out.Stderr))
	}
	return nil
}
