package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Limits holds the numeric resource ceilings applied to one isolated process
type Limits struct {
	MemoryMB      int
	CPUSeconds    int
	MaxProcesses  int
	MaxOpenFiles  int
	MaxFileSizeMB int
}

// Invocation describes one bounded isolated run. It is built fresh for every phase.
type Invocation struct {
	JobID        string
	Command      []string
	Env          map[string]string
	Workspace    string // host path, mounted read-write
	ToolchainDir string // host path, mounted read-only
	Limits       Limits
	Timeout      time.Duration
}

// Output holds what the isolated process wrote, possibly truncated
type Output struct {
	Stdout string
	Stderr string
}

// Layout is the view of the workspace and toolchain directories from inside the sandbox
type Layout struct {
	Workspace string
	Toolchain string
}

// InWorkspace returns the in-sandbox path of a file in the workspace
func (l Layout) InWorkspace(name string) string {
	if l.Workspace == "" || l.Workspace == "." {
		return "./" + name
	}
	return path.Join(l.Workspace, name)
}

// InToolchain returns the in-sandbox path of a file in the toolchain directory
func (l Layout) InToolchain(name string) string {
	return path.Join(l.Toolchain, name)
}

// Backend executes one command under an OS-level isolation boundary.
//
// Run always returns whatever output was captured. The error is nil on a zero
// exit, an *ExitError on a non-zero exit, ErrTimedOut when the deadline fired,
// or a *SpawnError when the isolation tool itself could not be started.
type Backend interface {
	Name() string
	Layout(workspace, toolchainDir string) Layout
	Run(ctx context.Context, inv Invocation) (Output, error)
}

// WorkspacePreparer is implemented by backends that need to adjust a fresh
// workspace before use, e.g. to make it writable for an unprivileged uid.
type WorkspacePreparer interface {
	PrepareWorkspace(dir string) error
}

// WorkspaceReclaimer is implemented by backends whose runs can leave files
// owned by another uid. ReclaimWorkspace empties dir as that uid so the
// service user can remove it.
type WorkspaceReclaimer interface {
	ReclaimWorkspace(ctx context.Context, dir string) error
}

var (
	// ErrTimedOut reports that the invocation exceeded its deadline and was killed
	ErrTimedOut = errors.New("sandbox: execution timed out")
	// ErrSpawnFailed reports that the isolated process could not be started
	ErrSpawnFailed = errors.New("sandbox: isolation spawn failed")
)

// ExitError reports a non-zero exit of the isolated process
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("sandbox: process exited with code %d", e.Code)
}

// SpawnError wraps the reason an isolated process could not be started
type SpawnError struct {
	Backend string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("sandbox: %s spawn failed: %v", e.Backend, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSpawnFailed) match any SpawnError
func (*SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// ExitCode extracts the exit code from an *ExitError, or -1
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// Command is a host-level subprocess description consumed by a CommandRunner
type Command struct {
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
	Grace   time.Duration
}

// CommandRunner runs one host subprocess under the timeout/kill controller
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// EnvList renders an environment map as sorted KEY=VALUE pairs
func EnvList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, key+"="+value)
	}
	sort.Strings(list)
	return list
}

// ParseArgs splits a configured extra-args string on whitespace, keeping
// double-quoted segments together and removing their quotes.
func ParseArgs(raw string) []string {
	var (
		args    []string
		current strings.Builder
		inQuote bool
		started bool
	)

	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case (r == ' ' || r == '\t' || r == '\n') && !inQuote:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, current.String())
	}

	return args
}
