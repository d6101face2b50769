// Package archive packs a set of paths under a manifest root into a single
// compressed blob and unpacks such blobs into a target directory.
//
// The blob is a tar stream compressed with zstd. Its layout is an
// implementation detail: blobs are only ever produced and consumed by the
// codecs in this package, and compatibility across versions is not promised.
//
// Entry names are always relative to the manifest root. Pack refuses paths
// that would leave the root, and Unpack refuses entries that would land
// outside the target directory.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// DefaultTimeout bounds a single pack or unpack call.
const DefaultTimeout = 10 * time.Minute

// Codec builds and extracts archive blobs.
type Codec interface {
	// Pack writes an archive of paths (relative to root) to w and returns the
	// number of bytes written. Any path that is absolute or escapes root is
	// rejected with cacheerr.ErrOutsideRoot before anything is written, and so
	// is any symlink whose target resolves outside root.
	Pack(ctx context.Context, root string, paths []string, w io.Writer) (int64, error)

	// Unpack extracts the archive read from r into target and returns the
	// sorted top-level relative paths it wrote.
	Unpack(ctx context.Context, r io.Reader, target string) ([]string, error)
}

// ValidatePath checks that p names an entry strictly inside a root and returns
// it in cleaned, slash-separated form.
func ValidatePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", cacheerr.ErrOutsideRoot)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %s is absolute", cacheerr.ErrOutsideRoot, p)
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %s", cacheerr.ErrOutsideRoot, p)
	}
	return filepath.ToSlash(clean), nil
}

// validatePaths validates every path and returns them cleaned, in order.
func validatePaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, cacheerr.ErrNoPaths
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		clean, err := ValidatePath(p)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}

// entryName validates an archive entry name and returns it without any
// trailing slash.
func entryName(name string) (string, error) {
	trimmed := strings.TrimSuffix(name, "/")
	if strings.Contains(trimmed, "\\") {
		return "", &cacheerr.CorruptArchiveError{Entry: name, Err: fmt.Errorf("backslash in entry name")}
	}
	clean, err := ValidatePath(trimmed)
	if err != nil {
		return "", &cacheerr.CorruptArchiveError{Entry: name, Err: err}
	}
	return clean, nil
}

// linkStaysInside reports whether a symlink at name pointing to target
// resolves inside the extraction root.
func linkStaysInside(name, target string) bool {
	if target == "" || filepath.IsAbs(target) || strings.HasPrefix(target, "/") {
		return false
	}
	resolved := filepath.Join(filepath.Dir(filepath.FromSlash(name)), filepath.FromSlash(target))
	return resolved == "." || filepath.IsLocal(resolved)
}

// EscapingLinks walks paths (relative to root) and returns, in slash form,
// every symlink whose target resolves outside root. Packing such a link would
// produce an archive that Unpack refuses.
func EscapingLinks(root string, paths []string) ([]string, error) {
	r, err := os.OpenRoot(root)
	if err != nil {
		return nil, &cacheerr.FilesystemError{Op: "open root", Path: root, Err: err}
	}
	defer r.Close()

	var escaping []string
	check := func(name string) error {
		target, err := r.Readlink(filepath.FromSlash(name))
		if err != nil {
			return &cacheerr.FilesystemError{Op: "readlink", Path: name, Err: err}
		}
		if !linkStaysInside(name, target) {
			escaping = append(escaping, name)
		}
		return nil
	}

	for _, p := range paths {
		p = filepath.ToSlash(p)
		info, err := r.Lstat(filepath.FromSlash(p))
		if err != nil {
			return nil, &cacheerr.FilesystemError{Op: "stat", Path: p, Err: err}
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if err := check(p); err != nil {
				return nil, err
			}
		case info.IsDir():
			err := fs.WalkDir(r.FS(), p, func(name string, d fs.DirEntry, walkErr error) error {
				if walkErr != nil {
					return &cacheerr.FilesystemError{Op: "walk", Path: name, Err: walkErr}
				}
				if d.Type()&fs.ModeSymlink == 0 {
					return nil
				}
				return check(name)
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return escaping, nil
}

// topLevel collects the first component of each name.
type topLevel map[string]struct{}

func (t topLevel) add(name string) {
	first, _, _ := strings.Cut(name, "/")
	t[first] = struct{}{}
}

func (t topLevel) sorted() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// copyWithContext copies from src to dst until EOF or error, checking for
// context cancellation between reads.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return written, nil
			}
			return written, er
		}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// Codec names accepted by New.
const (
	CodecLibrary = "library"
	CodecTar     = "tar"
)

// New returns the codec selected by name. Level only applies to the library
// codec and tool only to the tar codec.
func New(name, tool, level string, timeout time.Duration, logger *slog.Logger) (Codec, error) {
	switch name {
	case "", CodecLibrary:
		return NewTarZstd(level, timeout, logger)
	case CodecTar:
		return &Exec{Tool: tool, Timeout: timeout, Logger: logger}, nil
	default:
		return nil, &cacheerr.ConfigurationError{Field: "archive.codec", Reason: fmt.Sprintf("unknown codec %q", name)}
	}
}
