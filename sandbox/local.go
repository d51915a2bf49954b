package sandbox

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"
)

// LocalBackend implements Backend by running the command directly on the host.
//
// WARNING: there is no isolation beyond a stripped environment and process
// group supervision. It exists for development and tests and must be enabled
// explicitly with sandbox.enable_local_backend.
type LocalBackend struct {
	logger    *zap.Logger
	config    *Config
	cmdRunner CommandRunner
}

// LocalOption defines a functional option for LocalBackend
type LocalOption func(*LocalBackend)

// WithLocalCommandRunner sets the CommandRunner for LocalBackend
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalOption {
	return func(l *LocalBackend) {
		l.cmdRunner = cmdRunner
	}
}

// NewLocalBackend creates a new LocalBackend with default implementations and optional interfaces
func NewLocalBackend(logger *zap.Logger, config *Config, opts ...LocalOption) *LocalBackend {
	backend := &LocalBackend{
		logger:    logger,
		config:    config,
		cmdRunner: ProcessRunner{MaxOutputBytes: config.MaxOutputBytes},
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Name returns the backend identifier
func (*LocalBackend) Name() string { return BackendLocal }

// Layout returns the host paths unchanged
func (*LocalBackend) Layout(workspace, toolchainDir string) Layout {
	return Layout{Workspace: workspace, Toolchain: toolchainDir}
}

// Run executes inv.Command in the workspace with only the invocation environment
func (l *LocalBackend) Run(ctx context.Context, inv Invocation) (Output, error) {
	workspace, err := filepath.Abs(inv.Workspace)
	if err != nil {
		return Output{}, &SpawnError{Backend: l.Name(), Err: err}
	}

	env := map[string]string{
		"PATH": hostPath(),
		"HOME": workspace,
	}
	for key, value := range inv.Env {
		env[key] = value
	}

	l.logger.Debug("running command without isolation",
		zap.String("job_id", inv.JobID),
		zap.Strings("command", inv.Command))

	out, err := l.cmdRunner.Run(ctx, Command{
		Args:    inv.Command,
		Env:     EnvList(env),
		Dir:     workspace,
		Timeout: inv.Timeout,
		Grace:   l.config.KillGrace,
	})
	if err != nil && errors.Is(err, ErrSpawnFailed) {
		return out, &SpawnError{Backend: l.Name(), Err: err}
	}
	return out, err
}
