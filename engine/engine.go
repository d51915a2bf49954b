package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/codepad/audit"
	"github.com/isdmx/codepad/config"
	"github.com/isdmx/codepad/metrics"
	"github.com/isdmx/codepad/sandbox"
	"github.com/isdmx/codepad/simulate"
	"github.com/isdmx/codepad/toolchain"
	"github.com/isdmx/codepad/workspace"
)

const auditTimeout = 5 * time.Second

// Toolchain is the part of toolchain.Manager the pipeline depends on
type Toolchain interface {
	EnsureReady(ctx context.Context) error
	EntryPoint() toolchain.EntryPoint
}

// Settings holds the pipeline parameters
type Settings struct {
	Timeout            time.Duration
	Limits             sandbox.Limits
	SourceFile         string
	ArtifactFile       string
	AlternateArtifacts []string
	CompanionFiles     []string
	RunWithRuntime     bool
	RuntimeCommand     string
	RuntimeRoot        string
	SimulationPolicy   string
}

// SettingsFromConfig builds Settings from the application configuration
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Timeout:            cfg.GetTimeout(),
		Limits:             sandbox.LimitsFromConfig(cfg),
		SourceFile:         cfg.Pipeline.SourceFile,
		ArtifactFile:       cfg.Pipeline.ArtifactFile,
		AlternateArtifacts: cfg.Pipeline.AlternateArtifacts,
		CompanionFiles:     cfg.Pipeline.CompanionFiles,
		RunWithRuntime:     cfg.Pipeline.RunWithRuntime,
		RuntimeCommand:     cfg.Toolchain.RuntimeCommand,
		RuntimeRoot:        cfg.Toolchain.RuntimeRoot,
		SimulationPolicy:   cfg.Simulation.Policy,
	}
}

// Engine drives snippets through write, compile, verify and execute
type Engine struct {
	logger     *zap.Logger
	settings   Settings
	backend    sandbox.Backend
	toolchain  Toolchain
	workspaces *workspace.Manager
	audit      audit.Logger
}

// Option defines a functional option for Engine
type Option func(*Engine)

// WithAuditLogger sets where finished jobs are recorded
func WithAuditLogger(logger audit.Logger) Option {
	return func(e *Engine) {
		e.audit = logger
	}
}

// New creates an Engine
func New(logger *zap.Logger, settings Settings, backend sandbox.Backend, tc Toolchain, workspaces *workspace.Manager, opts ...Option) *Engine {
	engine := &Engine{
		logger:     logger,
		settings:   settings,
		backend:    backend,
		toolchain:  tc,
		workspaces: workspaces,
		audit:      audit.Nop{},
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// EnsureToolchainReady bootstraps the toolchain if needed
func (e *Engine) EnsureToolchainReady(ctx context.Context) error {
	if err := e.toolchain.EnsureReady(ctx); err != nil {
		return &Error{Kind: ToolchainUnavailable, Err: err}
	}
	return nil
}

// CompileAndRun compiles and executes source in a fresh sandboxed workspace.
//
// Failures caused by the snippet (compile errors, non-zero exits, timeouts)
// are reported in the Result with a nil error. Failures of the host are
// returned as *Error, unless the simulation policy substitutes a simulated
// result for them.
func (e *Engine) CompileAndRun(ctx context.Context, source string) (Result, error) {
	jobID := uuid.NewString()
	logger := e.logger.With(zap.String("job_id", jobID), zap.String("backend", e.backend.Name()))

	if e.settings.SimulationPolicy == config.SimulationAlways {
		result := e.simulate(jobID, source)
		e.finish(logger, source, result)
		return result, nil
	}

	result, err := e.execute(ctx, logger, jobID, source)
	if err != nil {
		var engineErr *Error
		if !errors.As(err, &engineErr) {
			engineErr = &Error{Kind: IsolationSpawnFailed, Err: err}
		}

		logger.Error("job failed on a system error",
			zap.Stringer("kind", engineErr.Kind),
			zap.Error(engineErr.Err))

		if e.settings.SimulationPolicy == config.SimulationFallback {
			logger.Warn("falling back to simulation mode")
			result = e.simulate(jobID, source)
			e.finish(logger, source, result)
			return result, nil
		}

		metrics.JobsTotal.WithLabelValues(engineErr.Kind.String()).Inc()
		return Result{JobID: jobID}, engineErr
	}

	e.finish(logger, source, result)
	return result, nil
}

func (e *Engine) simulate(jobID, source string) Result {
	sim := simulate.Run(source)
	var result Result
	if sim.Success {
		result = succeeded(jobID, sim.Output)
	} else {
		result = failed(jobID, CompileError, sim.Output, sim.Error)
	}
	result.Simulated = true
	return result
}

// finish records a completed job; audit failures are logged and dropped
func (e *Engine) finish(logger *zap.Logger, source string, result Result) {
	label := "success"
	switch {
	case result.Simulated:
		label = "simulated"
	case !result.Success:
		label = result.Kind.String()
	}
	metrics.JobsTotal.WithLabelValues(label).Inc()

	logger.Info("job completed",
		zap.Bool("success", result.Success),
		zap.Bool("simulated", result.Simulated),
		zap.String("outcome", label))

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	if err := e.audit.LogCompilation(ctx, audit.Entry{Snippet: source, Result: result.Output, Success: result.Success}); err != nil {
		logger.Warn("failed to record job in audit log", zap.Error(err))
	}
}

func (e *Engine) execute(ctx context.Context, logger *zap.Logger, jobID, source string) (Result, error) {
	if err := e.EnsureToolchainReady(ctx); err != nil {
		return Result{}, err
	}

	var result Result
	err := e.workspaces.With(func(ws *workspace.Workspace) error {
		metrics.ActiveJobs.Inc()
		defer metrics.ActiveJobs.Dec()

		job := Job{
			ID:        jobID,
			Source:    source,
			Workspace: ws,
		}

		var runErr error
		result, runErr = e.run(ctx, logger.With(zap.String("workspace", ws.Dir)), job)
		return runErr
	})
	if err != nil {
		if errors.Is(err, workspace.ErrCreate) {
			return Result{}, &Error{Kind: WorkspaceCreateError, Err: err}
		}
		return Result{}, err
	}

	return result, nil
}

// phase is one step of the pipeline state machine
type phase int

const (
	phaseCreated phase = iota
	phaseSourceWritten
	phaseCompiled
	phaseArtifactsVerified
	phaseExecuted
	phaseCompleted
)

var phaseNames = [...]string{"created", "source_written", "compiled", "artifacts_verified", "executed", "completed"}

func (p phase) String() string { return phaseNames[p] }

func (e *Engine) run(ctx context.Context, logger *zap.Logger, job Job) (Result, error) {
	ws := job.Workspace
	state := phaseCreated
	advance := func(next phase) {
		state = next
		logger.Debug("pipeline advanced", zap.Stringer("state", state))
	}

	if preparer, ok := e.backend.(sandbox.WorkspacePreparer); ok {
		if err := preparer.PrepareWorkspace(ws.Dir); err != nil {
			return Result{}, &Error{Kind: WorkspaceCreateError, Err: fmt.Errorf("failed to prepare workspace: %w", err)}
		}
	}

	if err := ws.WriteFile(e.settings.SourceFile, []byte(job.Source)); err != nil {
		return Result{}, &Error{Kind: WorkspaceCreateError, Err: err}
	}
	advance(phaseSourceWritten)

	entry := e.toolchain.EntryPoint()
	layout := e.backend.Layout(ws.Dir, entry.Dir)

	compileCmd := []string{layout.InToolchain(filepath.Base(entry.Path)), layout.InWorkspace(e.settings.SourceFile)}
	if !entry.SelfContained {
		compileCmd = append([]string{e.settings.RuntimeCommand}, compileCmd...)
	}

	compiled, err := e.invoke(ctx, logger, "compile", job, entry.Dir, layout, compileCmd)
	if err != nil {
		return e.classify(job.ID, "Compilation", CompileError, compiled, err, compiled.Stdout, compiled.Stderr)
	}
	advance(phaseCompiled)

	if err := e.verifyArtifacts(ws); err != nil {
		return Result{}, &Error{Kind: ArtifactMissing, Err: err}
	}
	advance(phaseArtifactsVerified)

	runCmd := []string{layout.InWorkspace(e.settings.ArtifactFile)}
	if e.settings.RunWithRuntime {
		runCmd = append([]string{e.settings.RuntimeCommand}, runCmd...)
	}

	executed, err := e.invoke(ctx, logger, "execute", job, entry.Dir, layout, runCmd)
	if err != nil {
		return e.classify(job.ID, "Execution", RuntimeError, executed, err,
			compiled.Stdout, compiled.Stderr, executed.Stdout, executed.Stderr)
	}
	advance(phaseExecuted)

	result := succeeded(job.ID, joinOutput(compiled.Stdout, compiled.Stderr, executed.Stdout, executed.Stderr))
	advance(phaseCompleted)
	return result, nil
}

// invoke runs one phase with a fresh full timeout
func (e *Engine) invoke(ctx context.Context, logger *zap.Logger, name string, job Job, toolchainDir string, layout sandbox.Layout, command []string) (sandbox.Output, error) {
	env := map[string]string{
		"LD_LIBRARY_PATH": layout.Toolchain,
		"DOTNET_NOLOGO":   "1",
	}
	if e.settings.RuntimeRoot != "" {
		env["DOTNET_ROOT"] = e.settings.RuntimeRoot
	}

	start := time.Now()
	out, err := e.backend.Run(ctx, sandbox.Invocation{
		JobID:        job.ID,
		Command:      command,
		Env:          env,
		Workspace:    job.Workspace.Dir,
		ToolchainDir: toolchainDir,
		Limits:       e.settings.Limits,
		Timeout:      e.settings.Timeout,
	})
	duration := time.Since(start)
	metrics.PhaseDuration.WithLabelValues(name).Observe(duration.Seconds())

	logger.Debug("phase finished",
		zap.String("phase", name),
		zap.Duration("duration", duration),
		zap.Int("exit_code", sandbox.ExitCode(err)),
		zap.Error(err))

	if errors.Is(err, sandbox.ErrTimedOut) {
		metrics.Timeouts.WithLabelValues(name).Inc()
	}
	return out, err
}

// classify turns a failed phase into a user-visible result or a system error
func (e *Engine) classify(jobID, phaseName string, exitKind FailureKind, out sandbox.Output, err error, segments ...string) (Result, error) {
	output := joinOutput(segments...)

	switch {
	case errors.Is(err, sandbox.ErrTimedOut):
		return failed(jobID, TimedOut, output, fmt.Sprintf("%s timed out after %s", phaseName, e.settings.Timeout)), nil
	case errors.Is(err, sandbox.ErrSpawnFailed):
		return Result{}, &Error{Kind: IsolationSpawnFailed, Err: err}
	}

	var exitErr *sandbox.ExitError
	if !errors.As(err, &exitErr) {
		return Result{}, &Error{Kind: IsolationSpawnFailed, Err: err}
	}

	message := strings.TrimSpace(out.Stderr)
	if message == "" {
		message = strings.TrimSpace(out.Stdout)
	}
	if message == "" {
		message = fmt.Sprintf("%s failed with exit code %d", phaseName, exitErr.Code)
	}
	return failed(jobID, exitKind, output, message), nil
}

// verifyArtifacts makes sure the compiled program and its companions exist,
// renaming the first alternate artifact into place when needed.
func (e *Engine) verifyArtifacts(ws *workspace.Workspace) error {
	found, err := ws.Exists(e.settings.ArtifactFile)
	if err != nil {
		return err
	}

	if !found {
		for _, alternate := range e.settings.AlternateArtifacts {
			exists, err := ws.Exists(alternate)
			if err != nil {
				return err
			}
			if exists {
				if err := ws.Rename(alternate, e.settings.ArtifactFile); err != nil {
					return err
				}
				found = true
				break
			}
		}
	}
	if !found {
		return fmt.Errorf("compiled artifact %s not found", e.settings.ArtifactFile)
	}

	for _, companion := range e.settings.CompanionFiles {
		exists, err := ws.Exists(companion)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("companion file %s not found", companion)
		}
	}
	return nil
}
