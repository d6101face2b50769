package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// DefaultMaxDecoderMemory caps the zstd decoder window (256MB).
const DefaultMaxDecoderMemory = 256 << 20

// TarZstd is the library codec: archive/tar compressed with
// klauspost/compress/zstd, entirely in process.
type TarZstd struct {
	// Level is the zstd encoder level. Zero means zstd.SpeedDefault.
	Level zstd.EncoderLevel
	// Timeout bounds each Pack and Unpack call. Zero means DefaultTimeout.
	Timeout time.Duration
	// Logger receives debug messages about skipped entries.
	Logger *slog.Logger
}

var _ Codec = (*TarZstd)(nil)

// NewTarZstd creates a library codec with the given level name ("fastest",
// "default", "better", "best"; empty means default).
func NewTarZstd(level string, timeout time.Duration, logger *slog.Logger) (*TarZstd, error) {
	c := &TarZstd{Timeout: timeout, Logger: logger}
	if level != "" {
		ok, l := zstd.EncoderLevelFromString(level)
		if !ok {
			return nil, &cacheerr.ConfigurationError{Field: "archive.level", Reason: fmt.Sprintf("unknown zstd level %q", level)}
		}
		c.Level = l
	}
	return c, nil
}

func (c *TarZstd) log() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// Pack writes paths under rootDir as a zstd-compressed tar stream.
func (c *TarZstd) Pack(ctx context.Context, rootDir string, paths []string, w io.Writer) (int64, error) {
	clean, err := validatePaths(paths)
	if err != nil {
		return 0, err
	}

	ctx, cancel := withTimeout(ctx, c.Timeout)
	defer cancel()

	root, err := os.OpenRoot(rootDir)
	if err != nil {
		return 0, &cacheerr.FilesystemError{Op: "open root", Path: rootDir, Err: err}
	}
	defer root.Close()

	level := c.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	cw := &countingWriter{w: w}
	enc, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("create zstd encoder: %w", err)
	}
	tw := tar.NewWriter(enc)
	buf := make([]byte, 32*1024)

	for _, p := range clean {
		if err := c.packPath(ctx, root, tw, p, buf); err != nil {
			enc.Close()
			return cw.n, c.packError(ctx, err)
		}
	}

	if err := tw.Close(); err != nil {
		enc.Close()
		return cw.n, fmt.Errorf("close tar writer: %w", err)
	}
	if err := enc.Close(); err != nil {
		return cw.n, fmt.Errorf("close zstd encoder: %w", err)
	}
	return cw.n, nil
}

func (c *TarZstd) packError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &cacheerr.ToolError{Tool: "tar+zstd", TimedOut: true, Err: err}
	}
	return err
}

// packPath writes p and, when it is a directory, everything below it.
func (c *TarZstd) packPath(ctx context.Context, root *os.Root, tw *tar.Writer, p string, buf []byte) error {
	info, err := root.Lstat(filepath.FromSlash(p))
	if err != nil {
		return &cacheerr.FilesystemError{Op: "stat", Path: p, Err: err}
	}
	if !info.IsDir() {
		return c.writeEntry(ctx, root, tw, p, info, buf)
	}

	return fs.WalkDir(root.FS(), p, func(name string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &cacheerr.FilesystemError{Op: "walk", Path: name, Err: walkErr}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return &cacheerr.FilesystemError{Op: "stat", Path: name, Err: err}
		}
		return c.writeEntry(ctx, root, tw, name, info, buf)
	})
}

func (c *TarZstd) writeEntry(ctx context.Context, root *os.Root, tw *tar.Writer, name string, info fs.FileInfo, buf []byte) error {
	fsPath := filepath.FromSlash(name)

	var link string
	switch mode := info.Mode(); {
	case mode.IsRegular(), mode.IsDir():
	case mode&fs.ModeSymlink != 0:
		target, err := root.Readlink(fsPath)
		if err != nil {
			return &cacheerr.FilesystemError{Op: "readlink", Path: name, Err: err}
		}
		if !linkStaysInside(name, target) {
			return fmt.Errorf("%w: symlink %s to %s", cacheerr.ErrOutsideRoot, name, target)
		}
		link = target
	default:
		c.log().Debug("skipped special file", "path", name, "mode", mode.String())
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("header %s: %w", name, err)
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uname, hdr.Gname = "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := root.Open(fsPath)
	if err != nil {
		return &cacheerr.FilesystemError{Op: "open", Path: name, Err: err}
	}
	defer f.Close()

	n, err := copyWithContext(ctx, tw, io.LimitReader(f, info.Size()), buf)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if n != info.Size() {
		return fmt.Errorf("file size changed during archive creation: %s: expected %d, got %d", name, info.Size(), n)
	}
	return nil
}

// Unpack extracts a zstd-compressed tar stream into target through an
// os.Root, so no entry can be created outside target.
func (c *TarZstd) Unpack(ctx context.Context, r io.Reader, target string) ([]string, error) {
	ctx, cancel := withTimeout(ctx, c.Timeout)
	defer cancel()

	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, &cacheerr.FilesystemError{Op: "mkdir", Path: target, Err: err}
	}
	root, err := os.OpenRoot(target)
	if err != nil {
		return nil, &cacheerr.FilesystemError{Op: "open root", Path: target, Err: err}
	}
	defer root.Close()

	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(DefaultMaxDecoderMemory))
	if err != nil {
		return nil, &cacheerr.CorruptArchiveError{Err: err}
	}
	defer dec.Close()

	u := &unpacker{
		ctx:  ctx,
		root: root,
		top:  make(topLevel),
		buf:  make([]byte, 32*1024),
		log:  c.log(),
	}
	tr := tar.NewReader(dec)
	for {
		if err := ctx.Err(); err != nil {
			return nil, &cacheerr.ToolError{Tool: "tar+zstd", TimedOut: errors.Is(err, context.DeadlineExceeded), Err: err}
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &cacheerr.CorruptArchiveError{Err: err}
		}
		if err := u.extract(hdr, tr); err != nil {
			return nil, err
		}
	}
	if u.entries == 0 {
		return nil, &cacheerr.CorruptArchiveError{Err: errors.New("archive has no entries")}
	}
	u.finishDirs()
	return u.top.sorted(), nil
}

type unpacker struct {
	ctx     context.Context
	root    *os.Root
	top     topLevel
	buf     []byte
	log     *slog.Logger
	entries int
	dirs    []*tar.Header
}

func (u *unpacker) extract(hdr *tar.Header, r io.Reader) error {
	name, err := entryName(hdr.Name)
	if err != nil {
		return err
	}
	fsPath := filepath.FromSlash(name)
	mode := fs.FileMode(hdr.Mode).Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := u.root.MkdirAll(fsPath, mode|0o700); err != nil {
			return &cacheerr.FilesystemError{Op: "mkdir", Path: name, Err: err}
		}
		hdr.Name = name
		u.dirs = append(u.dirs, hdr)

	case tar.TypeReg:
		if err := u.mkParent(fsPath); err != nil {
			return err
		}
		if err := u.writeFile(fsPath, name, mode, r); err != nil {
			return err
		}
		if err := u.root.Chtimes(fsPath, hdr.ModTime, hdr.ModTime); err != nil {
			return &cacheerr.FilesystemError{Op: "chtimes", Path: name, Err: err}
		}

	case tar.TypeSymlink:
		if !linkStaysInside(name, hdr.Linkname) {
			return &cacheerr.CorruptArchiveError{Entry: hdr.Name, Err: fmt.Errorf("%w: symlink to %s", cacheerr.ErrOutsideRoot, hdr.Linkname)}
		}
		if err := u.mkParent(fsPath); err != nil {
			return err
		}
		if err := u.root.Symlink(filepath.FromSlash(hdr.Linkname), fsPath); err != nil {
			return &cacheerr.FilesystemError{Op: "symlink", Path: name, Err: err}
		}

	case tar.TypeLink:
		oldname, err := entryName(hdr.Linkname)
		if err != nil {
			return err
		}
		if err := u.mkParent(fsPath); err != nil {
			return err
		}
		if err := u.root.Link(filepath.FromSlash(oldname), fsPath); err != nil {
			return &cacheerr.FilesystemError{Op: "link", Path: name, Err: err}
		}

	default:
		u.log.Debug("skipped archive entry", "path", name, "type", string(hdr.Typeflag))
		return nil
	}

	u.entries++
	u.top.add(name)
	return nil
}

func (u *unpacker) mkParent(fsPath string) error {
	dir := filepath.Dir(fsPath)
	if dir == "." {
		return nil
	}
	if err := u.root.MkdirAll(dir, 0o755); err != nil {
		return &cacheerr.FilesystemError{Op: "mkdir", Path: filepath.ToSlash(dir), Err: err}
	}
	return nil
}

func (u *unpacker) writeFile(fsPath, name string, mode fs.FileMode, r io.Reader) error {
	f, err := u.root.OpenFile(fsPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return &cacheerr.FilesystemError{Op: "create", Path: name, Err: err}
	}
	_, copyErr := copyWithContext(u.ctx, f, r, u.buf)
	closeErr := f.Close()
	if copyErr != nil {
		if errors.Is(copyErr, context.DeadlineExceeded) || errors.Is(copyErr, context.Canceled) {
			return &cacheerr.ToolError{Tool: "tar+zstd", TimedOut: errors.Is(copyErr, context.DeadlineExceeded), Err: copyErr}
		}
		var pathErr *fs.PathError
		if errors.As(copyErr, &pathErr) {
			return &cacheerr.FilesystemError{Op: "write", Path: name, Err: copyErr}
		}
		return &cacheerr.CorruptArchiveError{Entry: name, Err: copyErr}
	}
	if closeErr != nil {
		return &cacheerr.FilesystemError{Op: "close", Path: name, Err: closeErr}
	}
	if err := u.root.Chmod(fsPath, mode); err != nil {
		return &cacheerr.FilesystemError{Op: "chmod", Path: name, Err: err}
	}
	return nil
}

// finishDirs applies directory modes and times once their contents exist,
// deepest first.
func (u *unpacker) finishDirs() {
	for i := len(u.dirs) - 1; i >= 0; i-- {
		hdr := u.dirs[i]
		fsPath := filepath.FromSlash(path.Clean(hdr.Name))
		if err := u.root.Chmod(fsPath, fs.FileMode(hdr.Mode).Perm()|0o700); err != nil {
			u.log.Debug("chmod failed", "path", hdr.Name, "error", err)
		}
		if err := u.root.Chtimes(fsPath, hdr.ModTime, hdr.ModTime); err != nil {
			u.log.Debug("chtimes failed", "path", hdr.Name, "error", err)
		}
	}
}
