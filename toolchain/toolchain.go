package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/codepad/config"
	"github.com/isdmx/codepad/metrics"
)

const (
	// SchemaVersion is bumped whenever the on-disk toolchain layout changes
	SchemaVersion = 1
	// SentinelFile records which build the toolchain directory holds
	SentinelFile = ".toolchain-version"

	bootstrapKey = "bootstrap"
)

// ErrUnavailable is matched by every bootstrap failure
var ErrUnavailable = errors.New("toolchain: unavailable")

// UnavailableError reports why the toolchain could not be made ready
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("toolchain: unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) match any UnavailableError
func (*UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Sentinel is persisted as the last step of a successful bootstrap
type Sentinel struct {
	SchemaVersion int       `yaml:"schema_version"`
	Repository    string    `yaml:"repository"`
	Revision      string    `yaml:"revision"`
	NativeURL     string    `yaml:"native_url,omitempty"`
	SelfContained bool      `yaml:"self_contained"`
	BuiltAt       time.Time `yaml:"built_at"`
}

// State describes what is currently installed
type State struct {
	SchemaVersion int
	Artifacts     []string
	Ready         bool
}

// EntryPoint locates the compiler inside the toolchain directory
type EntryPoint struct {
	Dir  string
	Path string
	// SelfContained is false when Path is an assembly that needs the runtime command
	SelfContained bool
}

// Builder produces a complete toolchain into an empty directory
type Builder interface {
	Build(ctx context.Context, dir string) error
}

// BuilderFunc adapts a function to the Builder interface
type BuilderFunc func(ctx context.Context, dir string) error

// Build calls f(ctx, dir)
func (f BuilderFunc) Build(ctx context.Context, dir string) error {
	return f(ctx, dir)
}

// Manager keeps the toolchain directory ready. Concurrent callers share a
// single in-flight bootstrap.
type Manager struct {
	logger  *zap.Logger
	config  config.ToolchainConfig
	timeout time.Duration
	builder Builder
	group   singleflight.Group
}

// NewManager creates a Manager for the directory in cfg
func NewManager(logger *zap.Logger, cfg config.ToolchainConfig, timeout time.Duration, builder Builder) *Manager {
	// Sandboxes resolve the toolchain from their own working directory
	if abs, err := filepath.Abs(cfg.Dir); err == nil {
		cfg.Dir = abs
	}

	return &Manager{
		logger:  logger,
		config:  cfg,
		timeout: timeout,
		builder: builder,
	}
}

func (m *Manager) singleFileArtifacts() []string {
	artifacts := []string{m.config.BinaryName}
	if m.config.NativeDepURL != "" {
		artifacts = append(artifacts, m.config.NativeDepName)
	}
	return artifacts
}

func (m *Manager) frameworkArtifacts() []string {
	runtimeConfig := strings.TrimSuffix(m.config.AssemblyName, filepath.Ext(m.config.AssemblyName)) + ".runtimeconfig.json"
	artifacts := []string{m.config.AssemblyName, runtimeConfig}
	if m.config.NativeDepURL != "" {
		artifacts = append(artifacts, m.config.NativeDepName)
	}
	return artifacts
}

// State inspects the toolchain directory without changing it
func (m *Manager) State() State {
	var state State

	sentinel, err := m.readSentinel()
	if err == nil {
		state.SchemaVersion = sentinel.SchemaVersion
	}

	singleFile := m.present(m.singleFileArtifacts())
	framework := m.present(m.frameworkArtifacts())
	complete := len(singleFile) == len(m.singleFileArtifacts()) || len(framework) == len(m.frameworkArtifacts())

	state.Artifacts = singleFile
	if len(framework) > len(singleFile) {
		state.Artifacts = framework
	}
	state.Ready = complete && err == nil && m.sentinelMatches(sentinel)

	return state
}

func (m *Manager) present(names []string) []string {
	found := make([]string, 0, len(names))
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(m.config.Dir, name)); err == nil {
			found = append(found, name)
		}
	}
	return found
}

func (m *Manager) sentinelMatches(s *Sentinel) bool {
	return s.SchemaVersion == SchemaVersion &&
		s.Repository == m.config.Repo &&
		s.Revision == m.config.Revision &&
		s.NativeURL == m.config.NativeDepURL
}

func (m *Manager) readSentinel() (*Sentinel, error) {
	data, err := os.ReadFile(filepath.Join(m.config.Dir, SentinelFile))
	if err != nil {
		return nil, err
	}

	var sentinel Sentinel
	if err := yaml.Unmarshal(data, &sentinel); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", SentinelFile, err)
	}
	return &sentinel, nil
}

// EntryPoint returns the single-file compiler binary when present, otherwise
// the framework-dependent assembly.
func (m *Manager) EntryPoint() EntryPoint {
	binary := filepath.Join(m.config.Dir, m.config.BinaryName)
	if _, err := os.Stat(binary); err == nil {
		return EntryPoint{Dir: m.config.Dir, Path: binary, SelfContained: true}
	}
	return EntryPoint{
		Dir:           m.config.Dir,
		Path:          filepath.Join(m.config.Dir, m.config.AssemblyName),
		SelfContained: false,
	}
}

// EnsureReady returns once the toolchain is ready, bootstrapping it if needed.
// A caller whose ctx ends stops waiting; the shared bootstrap keeps running
// under its own timeout.
func (m *Manager) EnsureReady(ctx context.Context) error {
	if m.State().Ready {
		return nil
	}

	ch := m.group.DoChan(bootstrapKey, func() (any, error) {
		return nil, m.ensure()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return &UnavailableError{Err: fmt.Errorf("stopped waiting for bootstrap: %w", ctx.Err())}
	}
}

func (m *Manager) ensure() error {
	// Another caller may have finished a bootstrap between our check and DoChan
	if m.State().Ready {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.logger.Info("toolchain missing or stale, bootstrapping",
		zap.String("dir", m.config.Dir),
		zap.String("revision", m.config.Revision))

	start := time.Now()
	if err := m.bootstrap(ctx); err != nil {
		metrics.ToolchainBootstraps.WithLabelValues("failure").Inc()
		m.logger.Error("toolchain bootstrap failed",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return &UnavailableError{Err: err}
	}

	metrics.ToolchainBootstraps.WithLabelValues("success").Inc()
	m.logger.Info("toolchain ready",
		zap.Duration("duration", time.Since(start)),
		zap.Bool("self_contained", m.EntryPoint().SelfContained))
	return nil
}

// bootstrap builds into a staging directory and swaps it into place, so the
// live directory is never partially overwritten.
func (m *Manager) bootstrap(ctx context.Context) error {
	dir := filepath.Clean(m.config.Dir)
	parent, base := filepath.Dir(dir), filepath.Base(dir)

	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}

	staging, err := os.MkdirTemp(parent, "."+base+"-staging-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	// MkdirTemp uses 0700, the sandbox user must be able to read the toolchain
	if err := os.Chmod(staging, 0o755); err != nil {
		return fmt.Errorf("failed to open staging directory: %w", err)
	}

	if err := m.builder.Build(ctx, staging); err != nil {
		return err
	}

	_, binErr := os.Stat(filepath.Join(staging, m.config.BinaryName))
	if err := m.writeSentinel(staging, binErr == nil); err != nil {
		return err
	}

	return swap(staging, dir)
}

func (m *Manager) writeSentinel(dir string, selfContained bool) error {
	data, err := yaml.Marshal(Sentinel{
		SchemaVersion: SchemaVersion,
		Repository:    m.config.Repo,
		Revision:      m.config.Revision,
		NativeURL:     m.config.NativeDepURL,
		SelfContained: selfContained,
		BuiltAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", SentinelFile, err)
	}

	if err := os.WriteFile(filepath.Join(dir, SentinelFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", SentinelFile, err)
	}
	return nil
}

// swap replaces live with staging using renames only
func swap(staging, live string) error {
	old := filepath.Join(filepath.Dir(live), "."+filepath.Base(live)+"-old-"+uuid.NewString())

	hadLive := true
	if err := os.Rename(live, old); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to move previous toolchain aside: %w", err)
		}
		hadLive = false
	}

	if err := os.Rename(staging, live); err != nil {
		if hadLive {
			_ = os.Rename(old, live)
		}
		return fmt.Errorf("failed to install toolchain: %w", err)
	}

	if hadLive {
		_ = os.RemoveAll(old)
	}
	return nil
}

// Invalidate removes the sentinel so the next EnsureReady rebuilds
func (m *Manager) Invalidate() error {
	err := os.Remove(filepath.Join(m.config.Dir, SentinelFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to invalidate toolchain: %w", err)
	}
	return nil
}

// Rebuild forces a fresh bootstrap
func (m *Manager) Rebuild(ctx context.Context) error {
	if err := m.Invalidate(); err != nil {
		return &UnavailableError{Err: err}
	}
	return m.EnsureReady(ctx)
}
