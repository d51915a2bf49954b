package engine

import (
	"fmt"
)

// FailureKind classifies why a job did not succeed
type FailureKind int

const (
	// KindNone marks a successful job
	KindNone FailureKind = iota
	// ToolchainUnavailable means the compiler could not be bootstrapped
	ToolchainUnavailable
	// WorkspaceCreateError means the job directory could not be prepared
	WorkspaceCreateError
	// CompileError means the compiler rejected the snippet
	CompileError
	// ArtifactMissing means the compiler succeeded but left no runnable program
	ArtifactMissing
	// RuntimeError means the program exited non-zero
	RuntimeError
	// TimedOut means a phase exceeded its deadline and was killed
	TimedOut
	// IsolationSpawnFailed means the isolation tool could not be started
	IsolationSpawnFailed
)

var kindNames = map[FailureKind]string{
	KindNone:             "None",
	ToolchainUnavailable: "ToolchainUnavailable",
	WorkspaceCreateError: "WorkspaceCreateError",
	CompileError:         "CompileError",
	ArtifactMissing:      "ArtifactMissing",
	RuntimeError:         "RuntimeError",
	TimedOut:             "TimedOut",
	IsolationSpawnFailed: "IsolationSpawnFailed",
}

func (k FailureKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Error is returned by CompileAndRun for system-caused failures
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
