package toolchain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/codepad/config"
)

func testToolchainConfig(t *testing.T) config.ToolchainConfig {
	return config.ToolchainConfig{
		Dir:           filepath.Join(t.TempDir(), "compiler"),
		Repo:          "https://example.com/verifex.git",
		Revision:      "main",
		ProjectPath:   "Verifex/Verifex.csproj",
		RuntimeID:     "linux-x64",
		BinaryName:    "Verifex",
		AssemblyName:  "Verifex.dll",
		NativeDepURL:  "https://example.com/z3.zip",
		NativeDepName: "libz3.so",
	}
}

// countingBuilder writes a single-file toolchain and counts its invocations
type countingBuilder struct {
	calls   atomic.Int32
	delay   time.Duration
	release chan struct{}
	err     error
}

func (b *countingBuilder) Build(ctx context.Context, dir string) error {
	n := b.calls.Add(1)
	if b.release != nil {
		<-b.release
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.err != nil {
		return b.err
	}
	if err := os.WriteFile(filepath.Join(dir, "Verifex"), []byte(strconv.Itoa(int(n))), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "libz3.so"), []byte("so"), 0o644)
}

func TestEnsureReady(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("BootstrapsOnce", func(t *testing.T) {
		builder := &countingBuilder{}
		manager := NewManager(logger, testToolchainConfig(t), time.Minute, builder)

		require.False(t, manager.State().Ready)
		require.NoError(t, manager.EnsureReady(context.Background()))
		require.NoError(t, manager.EnsureReady(context.Background()))

		assert.Equal(t, int32(1), builder.calls.Load())
		state := manager.State()
		assert.True(t, state.Ready)
		assert.Equal(t, SchemaVersion, state.SchemaVersion)
		assert.ElementsMatch(t, []string{"Verifex", "libz3.so"}, state.Artifacts)
	})

	t.Run("ConcurrentCallersShareBootstrap", func(t *testing.T) {
		builder := &countingBuilder{delay: 100 * time.Millisecond}
		manager := NewManager(logger, testToolchainConfig(t), time.Minute, builder)

		var wg sync.WaitGroup
		errs := make([]error, 16)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = manager.EnsureReady(context.Background())
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), builder.calls.Load())
	})

	t.Run("StaleSentinelForcesRebuild", func(t *testing.T) {
		cfg := testToolchainConfig(t)
		builder := &countingBuilder{}
		manager := NewManager(logger, cfg, time.Minute, builder)
		require.NoError(t, manager.EnsureReady(context.Background()))

		stale, err := yaml.Marshal(Sentinel{SchemaVersion: SchemaVersion, Repository: cfg.Repo, Revision: "v0.1", NativeURL: cfg.NativeDepURL})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, SentinelFile), stale, 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "leftover"), []byte("x"), 0o644))
		assert.False(t, manager.State().Ready)

		require.NoError(t, manager.EnsureReady(context.Background()))
		assert.Equal(t, int32(2), builder.calls.Load())

		data, err := os.ReadFile(filepath.Join(cfg.Dir, "Verifex"))
		require.NoError(t, err)
		assert.Equal(t, "2", string(data))
		assert.NoFileExists(t, filepath.Join(cfg.Dir, "leftover"))
	})

	t.Run("OlderSchemaForcesRebuild", func(t *testing.T) {
		cfg := testToolchainConfig(t)
		builder := &countingBuilder{}
		manager := NewManager(logger, cfg, time.Minute, builder)
		require.NoError(t, manager.EnsureReady(context.Background()))

		stale, err := yaml.Marshal(Sentinel{SchemaVersion: SchemaVersion - 1, Repository: cfg.Repo, Revision: cfg.Revision, NativeURL: cfg.NativeDepURL})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, SentinelFile), stale, 0o644))

		require.NoError(t, manager.EnsureReady(context.Background()))
		assert.Equal(t, int32(2), builder.calls.Load())
	})

	t.Run("MissingArtifactForcesRebuild", func(t *testing.T) {
		cfg := testToolchainConfig(t)
		builder := &countingBuilder{}
		manager := NewManager(logger, cfg, time.Minute, builder)
		require.NoError(t, manager.EnsureReady(context.Background()))

		require.NoError(t, os.Remove(filepath.Join(cfg.Dir, "libz3.so")))
		require.NoError(t, manager.EnsureReady(context.Background()))
		assert.Equal(t, int32(2), builder.calls.Load())
	})

	t.Run("FailureKeepsPreviousToolchain", func(t *testing.T) {
		cfg := testToolchainConfig(t)
		builder := &countingBuilder{}
		manager := NewManager(logger, cfg, time.Minute, builder)
		require.NoError(t, manager.EnsureReady(context.Background()))
		require.NoError(t, manager.Invalidate())

		builder.err = errors.New("dotnet publish exited with code 1")
		err := manager.EnsureReady(context.Background())
		require.ErrorIs(t, err, ErrUnavailable)
		assert.Contains(t, err.Error(), "dotnet publish")

		assert.FileExists(t, filepath.Join(cfg.Dir, "Verifex"))
		entries, err := os.ReadDir(filepath.Dir(cfg.Dir))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "staging directories must be cleaned up")
	})

	t.Run("CallerContextDoesNotCancelBootstrap", func(t *testing.T) {
		builder := &countingBuilder{release: make(chan struct{})}
		manager := NewManager(logger, testToolchainConfig(t), time.Minute, builder)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := manager.EnsureReady(ctx)
		require.ErrorIs(t, err, ErrUnavailable)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		close(builder.release)
		assert.Eventually(t, func() bool { return manager.State().Ready }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), builder.calls.Load())
	})

	t.Run("BootstrapTimeout", func(t *testing.T) {
		builder := BuilderFunc(func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		})
		manager := NewManager(logger, testToolchainConfig(t), 50*time.Millisecond, builder)

		err := manager.EnsureReady(context.Background())
		require.ErrorIs(t, err, ErrUnavailable)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRebuild(t *testing.T) {
	builder := &countingBuilder{}
	manager := NewManager(zaptest.NewLogger(t), testToolchainConfig(t), time.Minute, builder)

	require.NoError(t, manager.EnsureReady(context.Background()))
	require.NoError(t, manager.Rebuild(context.Background()))
	assert.Equal(t, int32(2), builder.calls.Load())
	assert.True(t, manager.State().Ready)
}

func TestEntryPoint(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("SingleFile", func(t *testing.T) {
		cfg := testToolchainConfig(t)
		manager := NewManager(logger, cfg, time.Minute, &countingBuilder{})
		require.NoError(t, manager.EnsureReady(context.Background()))

		entry := manager.EntryPoint()
		assert.True(t, entry.SelfContained)
		assert.Equal(t, filepath.Join(cfg.Dir, "Verifex"), entry.Path)
		assert.Equal(t, cfg.Dir, entry.Dir)
	})

	t.Run("FrameworkDependent", func(t *testing.T) {
		cfg := testToolchainConfig(t)
		builder := BuilderFunc(func(_ context.Context, dir string) error {
			for _, name := range []string{"Verifex.dll", "Verifex.runtimeconfig.json", "libz3.so"} {
				if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
					return err
				}
			}
			return nil
		})
		manager := NewManager(logger, cfg, time.Minute, builder)
		require.NoError(t, manager.EnsureReady(context.Background()))

		entry := manager.EntryPoint()
		assert.False(t, entry.SelfContained)
		assert.Equal(t, filepath.Join(cfg.Dir, "Verifex.dll"), entry.Path)

		data, err := os.ReadFile(filepath.Join(cfg.Dir, SentinelFile))
		require.NoError(t, err)
		var sentinel Sentinel
		require.NoError(t, yaml.Unmarshal(data, &sentinel))
		assert.False(t, sentinel.SelfContained)
		assert.Equal(t, "main", sentinel.Revision)
	})
}
