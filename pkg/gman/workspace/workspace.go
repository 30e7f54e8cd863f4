// Package workspace manages the per-invocation scratch directories used by
// the media pipeline.
//
// Every invocation gets its own directory (inv-<uuid>) under a shared
// scratch root. Fetched inputs, produced outputs and spilled logs all live
// inside it, so concurrent invocations never share a file namespace and a
// single RemoveAll releases everything the invocation created.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DirPrefix prefixes every invocation directory under the scratch root.
const DirPrefix = "inv-"

// ErrClosed is returned when a closed workspace is used.
var ErrClosed = errors.New("workspace: closed")

// Manager creates workspaces under a scratch root and keeps track of the
// ones still in use so the sweeper never removes an active directory.
type Manager struct {
	root   string
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewManager creates the scratch root (if missing) and returns a Manager.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if root == "" {
		root = filepath.Join(os.TempDir(), "gman")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}
	return &Manager{
		root:   root,
		logger: logger.With("component", "workspace"),
		active: make(map[string]struct{}),
	}, nil
}

// Root returns the scratch root directory.
func (m *Manager) Root() string { return m.root }

// Create allocates a fresh invocation directory.
func (m *Manager) Create() (*Workspace, error) {
	id := uuid.New().String()
	dir := filepath.Join(m.root, DirPrefix+id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	m.mu.Lock()
	m.active[dir] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("workspace created", "id", id, "dir", dir)
	return &Workspace{ID: id, Dir: dir, mgr: m}, nil
}

// IsActive reports whether dir belongs to a workspace that is still open.
func (m *Manager) IsActive(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[filepath.Clean(dir)]
	return ok
}

// ActiveCount returns the number of open workspaces.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Sweep removes invocation directories that are not active and whose
// modification time is older than maxAge. Left-overs only exist when a
// previous process died mid-invocation.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("reading scratch root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), DirPrefix) {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		if m.IsActive(dir) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("sweep: failed to remove orphaned workspace", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) release(dir string) {
	m.mu.Lock()
	delete(m.active, dir)
	m.mu.Unlock()
}

// Workspace is the scratch directory of a single invocation. It records
// every file the invocation creates and removes all of them on Close.
type Workspace struct {
	ID  string
	Dir string

	mgr *Manager

	mu     sync.Mutex
	files  []string
	closed bool

	once     sync.Once
	closeErr error
}

// Path resolves name inside the workspace. Absolute names and names that
// climb out of the directory are rejected.
func (w *Workspace) Path(name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("path %q escapes the workspace", name)
	}
	return filepath.Join(w.Dir, name), nil
}

// UniquePath resolves name inside the workspace, appending a numeric
// suffix when a file with that name is already present.
func (w *Workspace) UniquePath(name string) (string, error) {
	p, err := w.Path(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(p); os.IsNotExist(err) {
		return p, nil
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(w.Dir, base+"-"+strconv.Itoa(i)+ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

// Track records a path as owned by this invocation.
func (w *Workspace) Track(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.files = append(w.files, path)
	return nil
}

// Files returns the tracked paths in creation order.
func (w *Workspace) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.files))
	copy(out, w.files)
	return out
}

// Remove deletes a file immediately and stops tracking it. Missing files
// are not an error.
func (w *Workspace) Remove(path string) error {
	w.mu.Lock()
	for i, f := range w.files {
		if f == path {
			w.files = append(w.files[:i], w.files[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
	return removeFile(path)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Closed reports whether Close has run.
func (w *Workspace) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close deletes every tracked file and the directory itself. Only the
// first call does any work; later calls return the first result.
func (w *Workspace) Close() error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		files := w.files
		w.mu.Unlock()

		var errs []error
		for _, f := range files {
			if err := removeFile(f); err != nil {
				errs = append(errs, err)
			}
		}
		if err := os.RemoveAll(w.Dir); err != nil {
			errs = append(errs, err)
		}
		w.closeErr = errors.Join(errs...)

		if w.mgr != nil {
			w.mgr.release(w.Dir)
			if w.closeErr != nil {
				w.mgr.logger.Warn("workspace cleanup incomplete", "id", w.ID, "error", w.closeErr)
			} else {
				w.mgr.logger.Debug("workspace released", "id", w.ID)
			}
		}
	})
	return w.closeErr
}
