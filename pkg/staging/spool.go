package staging

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// Spool writes r to a file named name inside the scratch directory and returns
// its path and size. Data goes to a temp file first and is renamed into
// place, so a partial download never exists under the final name.
func (a *Area) Spool(name string, r io.Reader) (string, int64, error) {
	diskPath := a.Path(name)

	tmpPath := diskPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, &cacheerr.FilesystemError{Op: "create", Path: tmpPath, Err: err}
	}
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	n, err := io.Copy(tmpFile, r)
	closeErr := tmpFile.Close()
	if err != nil {
		// Write failures are local; anything else came from r.
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return "", n, &cacheerr.FilesystemError{Op: "write", Path: tmpPath, Err: err}
		}
		return "", n, err
	}
	if closeErr != nil {
		return "", n, &cacheerr.FilesystemError{Op: "close", Path: tmpPath, Err: closeErr}
	}

	if err := os.Rename(tmpPath, diskPath); err != nil {
		return "", n, &cacheerr.FilesystemError{Op: "rename", Path: tmpPath, Err: err}
	}
	return diskPath, n, nil
}
