package staging

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// copyTree copies src to dst. Directories are copied recursively, symlinks are
// recreated (not followed), and file modes and modification times are kept.
// Other file types are skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &cacheerr.FilesystemError{Op: "walk", Path: p, Err: walkErr}
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return &cacheerr.FilesystemError{Op: "rel", Path: p, Err: err}
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return &cacheerr.FilesystemError{Op: "stat", Path: p, Err: err}
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			if err := os.MkdirAll(target, mode.Perm()|0o700); err != nil {
				return &cacheerr.FilesystemError{Op: "mkdir", Path: target, Err: err}
			}
		case mode&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return &cacheerr.FilesystemError{Op: "readlink", Path: p, Err: err}
			}
			if err := os.Symlink(link, target); err != nil {
				return &cacheerr.FilesystemError{Op: "symlink", Path: target, Err: err}
			}
		case mode.IsRegular():
			if err := copyFile(p, target, info); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return &cacheerr.FilesystemError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return &cacheerr.FilesystemError{Op: "create", Path: dst, Err: err}
	}
	_, err = io.Copy(out, in)
	closeErr := out.Close()
	if err != nil {
		return &cacheerr.FilesystemError{Op: "copy", Path: dst, Err: err}
	}
	if closeErr != nil {
		return &cacheerr.FilesystemError{Op: "close", Path: dst, Err: closeErr}
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return &cacheerr.FilesystemError{Op: "chtimes", Path: dst, Err: err}
	}
	return nil
}
