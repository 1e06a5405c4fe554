// Package workspace manages the scratch directories user programs run in.
//
// Every execution acquires its own uniquely named directory under the
// workspace root and releases it before returning. Directories are never
// shared or reused. Sweep removes directories left behind by a crashed
// process.
//
// Default root: the system temp directory (configurable via
// sandbox.scratch_dir or VIPU_SCRATCH_DIR).
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Prefix starts the name of every scratch directory.
const Prefix = "vipu-run-"

// Workspace owns the scratch root.
type Workspace struct {
	Root string

	active atomic.Int64
}

// New creates a Workspace rooted at the given path. An empty root selects
// the system temp directory. ~ is expanded and the root is created if it
// does not exist.
func New(root string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scratch root %q: %w", root, err)
	}
	if err := os.MkdirAll(resolved, 0o750); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}
	return &Workspace{Root: resolved}, nil
}

// Scratch is one exclusively owned working directory.
type Scratch struct {
	Dir string

	ws       *Workspace
	released atomic.Bool
}

// Acquire creates a fresh, uniquely named scratch directory (mode 0700).
func (w *Workspace) Acquire() (*Scratch, error) {
	dir, err := os.MkdirTemp(w.Root, Prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	w.active.Add(1)
	return &Scratch{Dir: dir, ws: w}, nil
}

// Active returns the number of acquired, unreleased scratch directories.
func (w *Workspace) Active() int64 {
	return w.active.Load()
}

// Path returns the absolute path of name inside the scratch directory.
func (s *Scratch) Path(name string) string {
	return filepath.Join(s.Dir, sanitizeName(name))
}

// WriteFile writes data to name inside the scratch directory.
func (s *Scratch) WriteFile(name string, data []byte) (string, error) {
	p := s.Path(name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	return p, nil
}

// Release recursively deletes the scratch directory. It is idempotent.
func (s *Scratch) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	s.ws.active.Add(-1)
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("removing scratch dir %s: %w", s.Dir, err)
	}
	return nil
}

// Sweep removes scratch directories under the root whose modification time
// is older than maxAge. It returns the number of directories removed.
func (w *Workspace) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return 0, fmt.Errorf("reading scratch root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), Prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Already gone.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.Root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
