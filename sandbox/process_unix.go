//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// DefaultMaxOutputBytes caps each captured stream when no limit is configured
const DefaultMaxOutputBytes = 1024 * 1024

// ProcessRunner runs host subprocesses in their own process group so that the
// whole tree can be signalled, and sweeps the group once the leader is gone.
type ProcessRunner struct {
	MaxOutputBytes int
}

// Run starts cmd and supervises it until exit or deadline
func (r ProcessRunner) Run(ctx context.Context, c Command) (Output, error) {
	if len(c.Args) < 1 {
		return Output{}, &SpawnError{Backend: "process", Err: fmt.Errorf("no command provided")}
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...) //nolint:gosec // argv is built by the backends, never by a shell
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}

	stdout := newLimitedBuffer(r.MaxOutputBytes)
	stderr := newLimitedBuffer(r.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	setParentDeathSignal(cmd.SysProcAttr)
	// Grandchildren holding the pipes open must not stall Wait forever
	cmd.WaitDelay = c.Grace

	if err := cmd.Start(); err != nil {
		return Output{}, &SpawnError{Backend: "process", Err: err}
	}

	proc := &groupProcess{cmd: cmd, pgid: cmd.Process.Pid}
	timedOut, waitErr := Supervise(ctx, proc, c.Timeout, c.Grace)
	proc.sweep()

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}

	if timedOut {
		return out, ErrTimedOut
	}

	if waitErr != nil {
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			return out, nil
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return out, &ExitError{Code: exitCode(exitErr)}
		}
		return out, &SpawnError{Backend: "process", Err: waitErr}
	}

	return out, nil
}

func exitCode(exitErr *exec.ExitError) int {
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

// groupProcess signals the process group led by cmd
type groupProcess struct {
	cmd  *exec.Cmd
	pgid int
}

func (p *groupProcess) Wait() error { return p.cmd.Wait() }

func (p *groupProcess) Terminate() error { return p.signal(syscall.SIGTERM) }

func (p *groupProcess) Kill() error { return p.signal(syscall.SIGKILL) }

// sweep kills whatever is left of the group after the leader exited
func (p *groupProcess) sweep() {
	_ = p.signal(syscall.SIGKILL)
}

func (p *groupProcess) signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
