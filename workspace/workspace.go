package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	dirPrefix      = "job-"
	fileMode       = 0o644
	reclaimTimeout = time.Minute
)

// ErrCreate is matched by every workspace creation failure
var ErrCreate = errors.New("workspace: create failed")

// CreateError reports why a workspace could not be created
type CreateError struct {
	Path string
	Err  error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("workspace: failed to create %s: %v", e.Path, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCreate) match any CreateError
func (*CreateError) Is(target error) bool { return target == ErrCreate }

// Reclaimer empties a directory whose contents the service user cannot
// remove on its own, such as files created by a container's uid.
type Reclaimer func(ctx context.Context, dir string) error

// Manager creates per-job directories under a common root
type Manager struct {
	logger    *zap.Logger
	root      string
	mode      os.FileMode
	fs        FileSystem
	reclaimer Reclaimer
}

// Option defines a functional option for Manager
type Option func(*Manager)

// WithFileSystem sets the FileSystem for Manager
func WithFileSystem(fs FileSystem) Option {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithReclaimer sets the fallback used when a workspace cannot be removed
func WithReclaimer(r Reclaimer) Option {
	return func(m *Manager) {
		m.reclaimer = r
	}
}

// NewManager creates a Manager rooted at root. Workspaces get the given mode.
func NewManager(logger *zap.Logger, root string, mode os.FileMode, opts ...Option) *Manager {
	manager := &Manager{
		logger: logger,
		root:   root,
		mode:   mode,
		fs:     RealFileSystem{},
	}

	for _, opt := range opts {
		opt(manager)
	}

	return manager
}

// Create makes a fresh, uniquely named workspace with an absolute path. The
// name is random and the directory is created exclusively, so two jobs never
// share one.
func (m *Manager) Create() (*Workspace, error) {
	root, err := filepath.Abs(m.root)
	if err != nil {
		return nil, &CreateError{Path: m.root, Err: err}
	}
	if err := m.fs.MkdirAll(root, 0o755); err != nil {
		return nil, &CreateError{Path: root, Err: err}
	}

	id := uuid.NewString()
	dir := filepath.Join(root, dirPrefix+id)
	if err := m.fs.Mkdir(dir, m.mode); err != nil {
		return nil, &CreateError{Path: dir, Err: err}
	}

	// Mkdir is subject to the umask
	if err := m.fs.Chmod(dir, m.mode); err != nil {
		_ = m.fs.RemoveAll(dir)
		return nil, &CreateError{Path: dir, Err: err}
	}

	return &Workspace{ID: id, Dir: dir, fs: m.fs}, nil
}

// With creates a workspace, runs fn and destroys the workspace on every path,
// panics included. A destroy failure is logged and never replaces fn's error.
func (m *Manager) With(fn func(*Workspace) error) error {
	ws, err := m.Create()
	if err != nil {
		return err
	}

	defer func() {
		if destroyErr := m.destroy(ws); destroyErr != nil {
			m.logger.Error("failed to destroy workspace", zap.String("dir", ws.Dir), zap.Error(destroyErr))
		}
	}()

	return fn(ws)
}

// destroy removes ws, asking the reclaimer to empty it first when the plain
// removal fails.
func (m *Manager) destroy(ws *Workspace) error {
	err := ws.Destroy()
	if err == nil || m.reclaimer == nil {
		return err
	}

	m.logger.Warn("workspace removal failed, reclaiming", zap.String("dir", ws.Dir), zap.Error(err))

	ctx, cancel := context.WithTimeout(context.Background(), reclaimTimeout)
	defer cancel()
	if reclaimErr := m.reclaimer(ctx, ws.Dir); reclaimErr != nil {
		return errors.Join(err, reclaimErr)
	}
	return ws.Destroy()
}

// Workspace is one job's private directory
type Workspace struct {
	ID  string
	Dir string

	fs        FileSystem
	mu        sync.Mutex
	destroyed bool
}

// Path returns the host path of a file inside the workspace
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteFile writes data verbatim to name inside the workspace
func (w *Workspace) WriteFile(name string, data []byte) error {
	if err := w.fs.WriteFile(w.Path(name), data, fileMode); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name exists inside the workspace
func (w *Workspace) Exists(name string) (bool, error) {
	return w.fs.FileExists(w.Path(name))
}

// Rename moves from to to, both inside the workspace
func (w *Workspace) Rename(from, to string) error {
	if err := w.fs.Rename(w.Path(from), w.Path(to)); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}

// Destroy removes the workspace recursively. Calling it again is a no-op.
func (w *Workspace) Destroy() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.destroyed {
		return nil
	}
	if err := w.fs.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", w.Dir, err)
	}
	w.destroyed = true
	return nil
}
