package sandbox

import (
	"bytes"
	"context"
	"time"
)

// Process is anything the timeout/kill controller can wait on and signal
type Process interface {
	// Wait blocks until the process has exited
	Wait() error
	// Terminate asks the process to stop (SIGTERM)
	Terminate() error
	// Kill stops the process unconditionally (SIGKILL)
	Kill() error
}

// Supervise waits for p while enforcing timeout. When the deadline fires, or
// ctx ends, p is terminated, and killed if it is still running after grace.
// A non-positive timeout disables the deadline; ctx still applies.
// The returned error is the one from p.Wait.
func Supervise(ctx context.Context, p Process, timeout, grace time.Duration) (timedOut bool, err error) {
	done := make(chan error, 1)
	go func() {
		done <- p.Wait()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err = <-done:
		return false, err
	case <-deadline:
	case <-ctx.Done():
	}

	// The process may have exited while the deadline fired
	select {
	case err = <-done:
		return false, err
	default:
	}

	_ = p.Terminate()

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case err = <-done:
		return true, err
	case <-graceTimer.C:
	}

	_ = p.Kill()
	return true, <-done
}

const truncatedMarker = "\n[output truncated]"

// limitedBuffer keeps at most limit bytes and silently drops the rest, so a
// runaway program cannot exhaust host memory through its output.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}
