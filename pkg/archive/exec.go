package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// DefaultTool is the archiver binary used by the Exec codec.
const DefaultTool = "tar"

// Exec is the external-tool codec. It shells out to a GNU-compatible tar with
// zstd support, one invocation per pack and a list-then-extract pair per unpack.
type Exec struct {
	// Tool is the tar binary. Empty means DefaultTool.
	Tool string
	// Timeout bounds every invocation. Zero means DefaultTimeout.
	Timeout time.Duration
	// Logger receives the commands being run at debug level.
	Logger *slog.Logger
}

var _ Codec = (*Exec)(nil)

func (e *Exec) tool() string {
	if e.Tool == "" {
		return DefaultTool
	}
	return e.Tool
}

func (e *Exec) log() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Pack runs `tar --zstd -cf - -C root -- paths...` and streams its output to w.
func (e *Exec) Pack(ctx context.Context, root string, paths []string, w io.Writer) (int64, error) {
	clean, err := validatePaths(paths)
	if err != nil {
		return 0, err
	}
	escaping, err := EscapingLinks(root, clean)
	if err != nil {
		return 0, err
	}
	if len(escaping) > 0 {
		return 0, fmt.Errorf("%w: symlink %s", cacheerr.ErrOutsideRoot, escaping[0])
	}
	args := []string{"--zstd", "-cf", "-", "-C", root, "--"}
	for _, p := range clean {
		args = append(args, filepath.FromSlash(p))
	}

	cw := &countingWriter{w: w}
	if err := e.run(ctx, args, nil, cw); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Unpack lists the archive first and rejects it if any entry would escape
// target, then extracts it with ownership and permissions reset to the
// current user. Symlinks are checked again after extraction.
func (e *Exec) Unpack(ctx context.Context, r io.Reader, target string) ([]string, error) {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, &cacheerr.FilesystemError{Op: "mkdir", Path: target, Err: err}
	}

	archivePath, cleanup, err := seekableFile(r, filepath.Dir(target))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var listing bytes.Buffer
	if err := e.run(ctx, []string{"--zstd", "-tf", archivePath}, nil, &listing); err != nil {
		var te *cacheerr.ToolError
		if errors.As(err, &te) && te.ExitCode != 0 {
			return nil, &cacheerr.CorruptArchiveError{Err: err}
		}
		return nil, err
	}

	top := make(topLevel)
	scanner := bufio.NewScanner(&listing)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line == "./" {
			continue
		}
		name, err := entryName(strings.TrimPrefix(line, "./"))
		if err != nil {
			return nil, err
		}
		top.add(name)
	}
	if err := scanner.Err(); err != nil {
		return nil, &cacheerr.CorruptArchiveError{Err: err}
	}
	if len(top) == 0 {
		return nil, &cacheerr.CorruptArchiveError{Err: errors.New("archive has no entries")}
	}

	args := []string{"--zstd", "-xf", archivePath, "-C", target, "--no-same-owner", "--no-same-permissions"}
	if err := e.run(ctx, args, nil, io.Discard); err != nil {
		var te *cacheerr.ToolError
		if errors.As(err, &te) && te.ExitCode != 0 {
			return nil, &cacheerr.CorruptArchiveError{Err: err}
		}
		return nil, err
	}

	if err := checkSymlinks(target); err != nil {
		return nil, err
	}
	return top.sorted(), nil
}

// run executes the tool with a bounded context, mapping failures to ToolError.
func (e *Exec) run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.tool(), args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	e.log().Debug("running archiver", "tool", e.tool(), "args", strings.Join(args, " "))
	err := cmd.Run()
	if err == nil {
		return nil
	}

	te := &cacheerr.ToolError{Tool: e.tool(), Args: args, Stderr: stderr.String(), Err: err}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		te.TimedOut = true
		return te
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	return te
}

// seekableFile returns a path holding the contents of r. An *os.File is used
// as is; anything else is spooled into a temp file under dir.
func seekableFile(r io.Reader, dir string) (string, func(), error) {
	if f, ok := r.(*os.File); ok {
		if _, err := f.Seek(0, io.SeekStart); err == nil {
			return f.Name(), func() {}, nil
		}
	}
	tmp, err := os.CreateTemp(dir, "archive-*.tar.zst")
	if err != nil {
		return "", nil, &cacheerr.FilesystemError{Op: "create", Path: dir, Err: err}
	}
	cleanup := func() { os.Remove(tmp.Name()) }
	_, err = io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		cleanup()
		return "", nil, &cacheerr.FilesystemError{Op: "write", Path: tmp.Name(), Err: errors.Join(err, closeErr)}
	}
	return tmp.Name(), cleanup, nil
}

// checkSymlinks walks an extracted tree and fails if any symlink resolves
// outside it.
func checkSymlinks(target string) error {
	return filepath.WalkDir(target, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return &cacheerr.FilesystemError{Op: "walk", Path: p, Err: err}
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		link, err := os.Readlink(p)
		if err != nil {
			return &cacheerr.FilesystemError{Op: "readlink", Path: p, Err: err}
		}
		rel, err := filepath.Rel(target, p)
		if err != nil {
			return &cacheerr.FilesystemError{Op: "rel", Path: p, Err: err}
		}
		if !linkStaysInside(filepath.ToSlash(rel), filepath.ToSlash(link)) {
			return &cacheerr.CorruptArchiveError{Entry: rel, Err: fmt.Errorf("%w: symlink to %s", cacheerr.ErrOutsideRoot, link)}
		}
		return nil
	})
}
