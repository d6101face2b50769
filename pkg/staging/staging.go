// Package staging manages the scratch directory of a single cache operation.
//
// On save, workspace paths are moved or copied out into a manifest root that
// the archive codec packs. On restore, the archive is unpacked into the scratch
// directory first and only then swapped into the workspace, one top-level
// entry at a time, so a failed extraction never leaves the workspace half
// overwritten.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// Mode selects how StageOut takes paths out of the workspace.
type Mode string

const (
	// ModeMove renames paths into the staging area. The workspace loses them.
	ModeMove Mode = "move"
	// ModeCopy copies paths and leaves the workspace untouched.
	ModeCopy Mode = "copy"
)

// ParseMode validates a mode name. Empty means ModeMove.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeMove:
		return ModeMove, nil
	case ModeCopy:
		return ModeCopy, nil
	default:
		return "", &cacheerr.ConfigurationError{Field: "stage_mode", Reason: fmt.Sprintf("unknown mode %q", s)}
	}
}

const manifestDir = "manifest"

// Area is a scratch directory exclusively owned by one operation.
type Area struct {
	root   string
	logger *slog.Logger

	cleanupOnce sync.Once
	cleanupErr  error
}

// New creates a fresh scratch directory under parent (os.TempDir if empty).
// The caller must defer Cleanup.
func New(parent, prefix string, logger *slog.Logger) (*Area, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, &cacheerr.FilesystemError{Op: "mkdir", Path: parent, Err: err}
		}
	}
	root, err := os.MkdirTemp(parent, prefix+"*")
	if err != nil {
		return nil, &cacheerr.FilesystemError{Op: "mkdir temp", Path: parent, Err: err}
	}
	return &Area{root: root, logger: logger}, nil
}

// Root returns the scratch directory.
func (a *Area) Root() string {
	return a.root
}

// Path returns a path for name directly inside the scratch directory.
func (a *Area) Path(name string) string {
	return filepath.Join(a.root, name)
}

// ManifestRoot is the directory StageOut fills and the codec packs.
func (a *Area) ManifestRoot() string {
	return a.Path(manifestDir)
}

// Cleanup removes the scratch directory. It is safe to call more than once.
func (a *Area) Cleanup() error {
	a.cleanupOnce.Do(func() {
		if err := os.RemoveAll(a.root); err != nil {
			a.cleanupErr = &cacheerr.FilesystemError{Op: "remove", Path: a.root, Err: err}
			a.logger.Warn("failed to remove staging directory", "path", a.root, "error", err)
		}
	})
	return a.cleanupErr
}

// StageOut moves or copies every member of ps into the manifest root, keeping
// its path relative to the workspace, and returns the manifest root together
// with the staged relative paths in slash form.
func (a *Area) StageOut(ps PathSet, mode Mode) (string, []string, error) {
	manifest := a.ManifestRoot()
	if err := os.MkdirAll(manifest, 0o755); err != nil {
		return "", nil, &cacheerr.FilesystemError{Op: "mkdir", Path: manifest, Err: err}
	}

	for _, rel := range ps.Rel {
		src := ps.Abs(rel)
		dst := filepath.Join(manifest, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", nil, &cacheerr.FilesystemError{Op: "mkdir", Path: filepath.Dir(dst), Err: err}
		}

		var err error
		if mode == ModeCopy {
			err = copyTree(src, dst)
		} else {
			err = move(src, dst)
		}
		if err != nil {
			return "", nil, err
		}
		a.logger.Debug("staged path", "path", rel, "mode", string(mode))
	}
	return manifest, ps.Slash(), nil
}

// Exclude removes names (slash form, relative to manifest) from the staged
// tree and returns rel without the members that were removed outright.
func (a *Area) Exclude(manifest string, rel, names []string) ([]string, error) {
	drop := make(map[string]struct{}, len(names))
	for _, name := range names {
		p := filepath.Join(manifest, filepath.FromSlash(name))
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &cacheerr.FilesystemError{Op: "remove", Path: p, Err: err}
		}
		drop[name] = struct{}{}
		a.logger.Debug("excluded staged path", "path", name)
	}

	kept := make([]string, 0, len(rel))
	for _, r := range rel {
		if _, ok := drop[r]; !ok {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// StageIn replaces each top-level entry of destRoot with its counterpart from
// unpackedRoot. The current entry is renamed aside, the new one moved in and
// only then is the old one removed; if moving in fails the old entry is put
// back. Returns the names that were replaced.
//
// Each entry is swapped on its own. If the n-th replacement fails, the
// entries before it have already been replaced and stay replaced, the failed
// one keeps its old contents and the rest are untouched; the returned names
// say which ones changed.
func (a *Area) StageIn(unpackedRoot, destRoot string) ([]string, error) {
	entries, err := os.ReadDir(unpackedRoot)
	if err != nil {
		return nil, &cacheerr.FilesystemError{Op: "readdir", Path: unpackedRoot, Err: err}
	}
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return nil, &cacheerr.FilesystemError{Op: "mkdir", Path: destRoot, Err: err}
	}

	replaced := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if err := a.replace(filepath.Join(unpackedRoot, name), filepath.Join(destRoot, name)); err != nil {
			return replaced, err
		}
		a.logger.Debug("moved entry from cache", "path", name)
		replaced = append(replaced, name)
	}
	return replaced, nil
}

func (a *Area) replace(src, dst string) error {
	aside := ""
	if _, err := os.Lstat(dst); err == nil {
		aside = filepath.Join(filepath.Dir(dst), fmt.Sprintf(".%s.artifactcache-old-%s", filepath.Base(dst), filepath.Base(a.root)))
		if err := os.Rename(dst, aside); err != nil {
			return &cacheerr.FilesystemError{Op: "rename", Path: dst, Err: err}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &cacheerr.FilesystemError{Op: "stat", Path: dst, Err: err}
	}

	if err := move(src, dst); err != nil {
		if aside != "" {
			_ = os.RemoveAll(dst)
			if rerr := os.Rename(aside, dst); rerr != nil {
				a.logger.Error("failed to put back workspace entry", "path", dst, "saved_at", aside, "error", rerr)
			}
		}
		return err
	}

	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			a.logger.Warn("failed to remove replaced entry", "path", aside, "error", err)
		}
	}
	return nil
}

// move renames src to dst, falling back to copy and remove across devices.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return &cacheerr.FilesystemError{Op: "rename", Path: src, Err: err}
	}
	if err := copyTree(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	if err := os.RemoveAll(src); err != nil {
		return &cacheerr.FilesystemError{Op: "remove", Path: src, Err: err}
	}
	return nil
}
