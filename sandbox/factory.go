package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	appconfig "github.com/isdmx/codepad/config"
)

// Backend identifiers accepted by sandbox.backend
const (
	BackendFirejail = "firejail"
	BackendPodman   = "podman"
	BackendDocker   = "docker"
	BackendLocal    = "local"
)

const (
	// BytesPerMB converts megabyte limits to the byte values the isolation tools expect
	BytesPerMB = 1024 * 1024
	// SharedDirPermission is applied to workspaces mounted into containers running as another uid
	SharedDirPermission = 0o777

	// engineFailureExitCode is returned by the container CLI when it fails before starting the container
	engineFailureExitCode = 125

	cleanupTimeout = 30 * time.Second
	probeTimeout   = 10 * time.Second
)

// reclaimCommand empties the mounted workspace, dotfiles included
var reclaimCommand = []string{"find", ContainerWorkspace, "-mindepth", "1", "-delete"}

// Config holds the settings shared by every backend
type Config struct {
	KillGrace      time.Duration
	MaxOutputBytes int
}

// NewBackend creates the isolation backend selected by sandbox.backend
func NewBackend(logger *zap.Logger, cfg *appconfig.Config) (Backend, error) {
	backendConfig := &Config{
		KillGrace:      cfg.GetKillGrace(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputKB * 1024,
	}

	switch cfg.Sandbox.Backend {
	case BackendFirejail:
		home, _ := os.UserHomeDir()
		if err := checkJailToolchain(cfg.Toolchain.Dir, home); err != nil {
			return nil, err
		}
		fj := cfg.Sandbox.Firejail
		return NewFirejailBackend(logger, backendConfig,
			WithFirejailPath(fj.Path),
			WithFirejailExtraArgs(ParseArgs(fj.ExtraArgs)),
			WithFirejailMaxFlagRetries(fj.MaxFlagRetries),
		), nil
	case BackendPodman:
		pm := cfg.Sandbox.Podman
		return NewPodmanBackend(logger, backendConfig, pm.Image,
			WithPodmanPath(pm.Path),
			WithPodmanCPUs(pm.CPUs),
			WithPodmanTmpfsSize(pm.TmpfsSizeM),
			WithPodmanExtraArgs(ParseArgs(pm.ExtraArgs)),
		), nil
	case BackendDocker:
		dk := cfg.Sandbox.Docker
		return NewDockerBackend(logger, backendConfig, dk.Image,
			WithDockerCPUs(dk.CPUs),
			WithDockerTmpfsSize(dk.TmpfsSizeM),
			WithDockerPull(dk.PullImage),
		)
	case BackendLocal:
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend requires sandbox.enable_local_backend")
		}
		logger.Warn("using the local backend: untrusted code runs without isolation")
		return NewLocalBackend(logger, backendConfig), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// LimitsFromConfig extracts the per-process resource ceilings
func LimitsFromConfig(cfg *appconfig.Config) Limits {
	return Limits{
		MemoryMB:      cfg.Sandbox.MemoryMB,
		CPUSeconds:    cfg.Sandbox.CPUSeconds,
		MaxProcesses:  cfg.Sandbox.MaxProcesses,
		MaxOpenFiles:  cfg.Sandbox.MaxOpenFiles,
		MaxFileSizeMB: cfg.Sandbox.MaxFileSizeMB,
	}
}

// checkJailToolchain rejects a toolchain directory under home. The jail mounts
// the workspace over home with --private, so anything below it is invisible
// to the compile and run phases.
func checkJailToolchain(toolchainDir, home string) error {
	if home == "" {
		return nil
	}
	home = filepath.Clean(home)
	if home == string(filepath.Separator) {
		return nil
	}

	dir, err := filepath.Abs(toolchainDir)
	if err != nil {
		return fmt.Errorf("failed to resolve toolchain.dir: %w", err)
	}

	rel, err := filepath.Rel(home, dir)
	if err != nil {
		return nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	return fmt.Errorf("toolchain.dir %s is inside %s, which the firejail backend replaces with the private workspace; move it outside the home directory", dir, home)
}
