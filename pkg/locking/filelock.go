package locking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock is a Group implementation that holds an flock(2) on a per-key file
// under dir while fn runs. CI jobs that share a runner and a lock directory
// then save a given key one at a time, and all but the first short-circuit.
type FileLock struct {
	dir string
	mem *MemLock
}

// NewFileLock creates dir if needed and returns a FileLock using it.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{dir: dir, mem: NewMemLock()}, nil
}

func (f *FileLock) DoWithLock(key string, fn func() error) error {
	// Goroutines of this process queue on the mutex first so only one of
	// them at a time waits on the file.
	return f.mem.DoWithLock(key, func() error {
		path := f.path(key)
		fl := flock.New(path)
		if err := fl.Lock(); err != nil {
			return fmt.Errorf("failed to lock %s: %w", path, err)
		}
		defer fl.Unlock()
		return fn()
	})
}

// path hashes key so any key maps to a valid file name.
func (f *FileLock) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".lock")
}
