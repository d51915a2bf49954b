package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess exits when exit is closed. Terminate closes it unless ignoreTerm is set.
type fakeProcess struct {
	mu         sync.Mutex
	exit       chan struct{}
	closed     bool
	ignoreTerm bool
	signals    []string
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan struct{})}
}

func (p *fakeProcess) Wait() error {
	<-p.exit
	return nil
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, "TERM")
	if !p.ignoreTerm {
		p.stop()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, "KILL")
	p.stop()
	return nil
}

func (p *fakeProcess) stop() {
	if !p.closed {
		p.closed = true
		close(p.exit)
	}
}

func (p *fakeProcess) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...)
}

func TestSupervise(t *testing.T) {
	t.Run("ExitsBeforeDeadline", func(t *testing.T) {
		p := newFakeProcess()
		p.stop()

		timedOut, err := Supervise(context.Background(), p, time.Second, time.Second)
		require.NoError(t, err)
		assert.False(t, timedOut)
		assert.Empty(t, p.received())
	})

	t.Run("TerminatesOnDeadline", func(t *testing.T) {
		p := newFakeProcess()

		timedOut, err := Supervise(context.Background(), p, 20*time.Millisecond, time.Second)
		require.NoError(t, err)
		assert.True(t, timedOut)
		assert.Equal(t, []string{"TERM"}, p.received())
	})

	t.Run("KillsAfterGrace", func(t *testing.T) {
		p := newFakeProcess()
		p.ignoreTerm = true

		start := time.Now()
		timedOut, err := Supervise(context.Background(), p, 20*time.Millisecond, 50*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, timedOut)
		assert.Equal(t, []string{"TERM", "KILL"}, p.received())
		assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		p := newFakeProcess()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		timedOut, err := Supervise(ctx, p, 0, time.Second)
		require.NoError(t, err)
		assert.True(t, timedOut)
	})

	t.Run("WaitErrorReturned", func(t *testing.T) {
		waitErr := errors.New("boom")
		p := &erroringProcess{err: waitErr}

		timedOut, err := Supervise(context.Background(), p, time.Second, time.Second)
		assert.False(t, timedOut)
		assert.ErrorIs(t, err, waitErr)
	})
}

type erroringProcess struct{ err error }

func (p *erroringProcess) Wait() error    { return p.err }
func (*erroringProcess) Terminate() error { return nil }
func (*erroringProcess) Kill() error      { return nil }

func TestLimitedBuffer(t *testing.T) {
	t.Run("UnderLimit", func(t *testing.T) {
		b := newLimitedBuffer(16)
		n, err := b.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "hello", b.String())
	})

	t.Run("Truncates", func(t *testing.T) {
		b := newLimitedBuffer(8)
		n, err := b.Write([]byte(strings.Repeat("x", 20)))
		require.NoError(t, err)
		assert.Equal(t, 20, n)
		_, _ = b.Write([]byte("more"))
		assert.Equal(t, strings.Repeat("x", 8)+truncatedMarker, b.String())
	})

	t.Run("DefaultLimit", func(t *testing.T) {
		assert.Equal(t, DefaultMaxOutputBytes, newLimitedBuffer(0).limit)
	})
}
