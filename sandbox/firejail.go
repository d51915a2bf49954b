package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/codepad/metrics"
)

// FirejailBackend implements Backend with the firejail namespace jail.
//
// Hardening flags that an older firejail does not know are stripped one at a
// time and the run is retried. Only flags this backend added and marked
// optional can be stripped; the network, capability and home confinement
// flags are never removed, and neither are operator-supplied extra args.
type FirejailBackend struct {
	logger         *zap.Logger
	config         *Config
	path           string
	extraArgs      []string
	maxFlagRetries int
	cmdRunner      CommandRunner

	mu          sync.Mutex
	unsupported map[string]bool
}

// FirejailOption defines a functional option for FirejailBackend
type FirejailOption func(*FirejailBackend)

// WithFirejailCommandRunner sets the CommandRunner for FirejailBackend
func WithFirejailCommandRunner(cmdRunner CommandRunner) FirejailOption {
	return func(f *FirejailBackend) {
		f.cmdRunner = cmdRunner
	}
}

// WithFirejailPath overrides the firejail binary
func WithFirejailPath(path string) FirejailOption {
	return func(f *FirejailBackend) {
		f.path = path
	}
}

// WithFirejailExtraArgs appends operator-supplied arguments after the hardening flags
func WithFirejailExtraArgs(args []string) FirejailOption {
	return func(f *FirejailBackend) {
		f.extraArgs = args
	}
}

// WithFirejailMaxFlagRetries bounds how many unsupported flags may be stripped per run
func WithFirejailMaxFlagRetries(n int) FirejailOption {
	return func(f *FirejailBackend) {
		f.maxFlagRetries = n
	}
}

// NewFirejailBackend creates a new FirejailBackend with default implementations and optional interfaces
func NewFirejailBackend(logger *zap.Logger, config *Config, opts ...FirejailOption) *FirejailBackend {
	backend := &FirejailBackend{
		logger:         logger,
		config:         config,
		path:           "firejail",
		maxFlagRetries: 3,
		cmdRunner:      ProcessRunner{MaxOutputBytes: config.MaxOutputBytes},
		unsupported:    make(map[string]bool),
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Name returns the backend identifier
func (*FirejailBackend) Name() string { return BackendFirejail }

// Layout maps the workspace to the jail's private home, which is also the
// working directory. The toolchain stays at its host path, read-only.
func (*FirejailBackend) Layout(_, toolchainDir string) Layout {
	return Layout{Workspace: ".", Toolchain: toolchainDir}
}

// jailFlag is one firejail argument; optional flags may be stripped when unsupported
type jailFlag struct {
	arg      string
	optional bool
}

func (j jailFlag) name() string {
	name, _, _ := strings.Cut(j.arg, "=")
	return name
}

func (f *FirejailBackend) flags(inv Invocation) []jailFlag {
	flags := []jailFlag{
		{arg: "--quiet", optional: true},
		{arg: "--net=none"},
		{arg: "--caps.drop=all"},
		{arg: "--private=" + inv.Workspace},
		{arg: "--nonewprivs", optional: true},
		{arg: "--noroot", optional: true},
		{arg: "--private-tmp", optional: true},
		{arg: "--private-dev", optional: true},
	}

	if inv.ToolchainDir != "" {
		flags = append(flags, jailFlag{arg: "--read-only=" + inv.ToolchainDir, optional: true})
	}

	limits := inv.Limits
	if limits.MemoryMB > 0 {
		flags = append(flags, jailFlag{arg: fmt.Sprintf("--rlimit-as=%d", int64(limits.MemoryMB)*BytesPerMB), optional: true})
	}
	if limits.MaxFileSizeMB > 0 {
		flags = append(flags, jailFlag{arg: fmt.Sprintf("--rlimit-fsize=%d", int64(limits.MaxFileSizeMB)*BytesPerMB), optional: true})
	}
	if limits.MaxProcesses > 0 {
		flags = append(flags, jailFlag{arg: fmt.Sprintf("--rlimit-nproc=%d", limits.MaxProcesses), optional: true})
	}
	if limits.MaxOpenFiles > 0 {
		flags = append(flags, jailFlag{arg: fmt.Sprintf("--rlimit-nofile=%d", limits.MaxOpenFiles), optional: true})
	}
	if limits.CPUSeconds > 0 {
		flags = append(flags, jailFlag{arg: fmt.Sprintf("--rlimit-cpu=%d", limits.CPUSeconds), optional: true})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	kept := flags[:0]
	for _, flag := range flags {
		if flag.optional && f.unsupported[flag.name()] {
			continue
		}
		kept = append(kept, flag)
	}
	return kept
}

func (f *FirejailBackend) args(flags []jailFlag, command []string) []string {
	args := make([]string, 0, len(flags)+len(f.extraArgs)+len(command)+1)
	args = append(args, f.path)
	for _, flag := range flags {
		args = append(args, flag.arg)
	}
	args = append(args, f.extraArgs...)
	return append(args, command...)
}

func (f *FirejailBackend) env(inv Invocation) []string {
	env := map[string]string{
		"PATH": hostPath(),
		"HOME": os.Getenv("HOME"),
	}
	for key, value := range inv.Env {
		env[key] = value
	}
	return EnvList(env)
}

// Run executes inv.Command inside a firejail sandbox
func (f *FirejailBackend) Run(ctx context.Context, inv Invocation) (Output, error) {
	active := f.flags(inv)

	for attempt := 0; ; attempt++ {
		out, err := f.cmdRunner.Run(ctx, Command{
			Args:    f.args(active, inv.Command),
			Env:     f.env(inv),
			Dir:     inv.Workspace,
			Timeout: inv.Timeout,
			Grace:   f.config.KillGrace,
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrSpawnFailed) {
			return out, &SpawnError{Backend: f.Name(), Err: err}
		}

		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			return out, err
		}

		name := unsupportedFlag(out.Stderr)
		if name == "" {
			return out, err
		}

		idx := indexOfFlag(active, name)
		if idx < 0 {
			// Not one of ours: either an operator extra arg or user output
			return out, err
		}

		// The program's own stderr must not be able to weaken the jail, so the
		// complaint is confirmed against a harmless command first.
		if !f.confirmUnsupported(ctx, active, name) {
			return out, err
		}
		if !active[idx].optional {
			return out, &SpawnError{Backend: f.Name(), Err: fmt.Errorf("required flag %s is not supported by %s", name, f.path)}
		}
		if attempt >= f.maxFlagRetries {
			return out, &SpawnError{Backend: f.Name(), Err: fmt.Errorf("gave up after stripping %d unsupported flags", attempt)}
		}

		f.logger.Warn("firejail does not support flag, retrying without it",
			zap.String("job_id", inv.JobID),
			zap.String("flag", name),
			zap.Int("attempt", attempt+1))
		metrics.FlagRetries.WithLabelValues(name).Inc()

		f.mu.Lock()
		f.unsupported[name] = true
		f.mu.Unlock()

		active = append(active[:idx:idx], active[idx+1:]...)
	}
}

func (f *FirejailBackend) confirmUnsupported(ctx context.Context, active []jailFlag, name string) bool {
	probeDir, err := os.MkdirTemp("", "codepad-probe-*")
	if err != nil {
		return false
	}
	defer os.RemoveAll(probeDir)

	probe := make([]jailFlag, 0, len(active))
	for _, flag := range active {
		if strings.HasPrefix(flag.arg, "--private=") {
			flag.arg = "--private=" + probeDir
		}
		probe = append(probe, flag)
	}

	out, err := f.cmdRunner.Run(ctx, Command{
		Args:    f.args(probe, []string{"true"}),
		Env:     []string{"PATH=" + hostPath()},
		Dir:     probeDir,
		Timeout: probeTimeout,
		Grace:   f.config.KillGrace,
	})
	return err != nil && unsupportedFlag(out.Stderr) == name
}

var unsupportedLine = regexp.MustCompile(`(?i)(invalid|unrecognized|unknown|unsupported|not supported)`)
var flagToken = regexp.MustCompile(`--[a-zA-Z0-9][a-zA-Z0-9._-]*`)

// unsupportedFlag returns the flag named by an "unsupported option" complaint, if any
func unsupportedFlag(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		if !unsupportedLine.MatchString(line) {
			continue
		}
		if token := flagToken.FindString(line); token != "" {
			return token
		}
	}
	return ""
}

func indexOfFlag(flags []jailFlag, name string) int {
	for i, flag := range flags {
		if flag.name() == name {
			return i
		}
	}
	return -1
}

func hostPath() string {
	if path := os.Getenv("PATH"); path != "" {
		return path
	}
	return "/usr/local/bin:/usr/bin:/bin"
}
