package backends

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	out     io.Writer
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend) *Debug {
	return &Debug{
		backend: backend,
		out:     os.Stderr,
	}
}

// Exists probes the backend with debug logging.
func (d *Debug) Exists(ctx context.Context, key string) bool {
	ok := d.backend.Exists(ctx, key)
	fmt.Fprintf(d.out, "[DEBUG] Exists: key=%s, found=%t\n", key, ok)
	return ok
}

// Put stores an object in the cache with debug logging.
func (d *Debug) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	fmt.Fprintf(d.out, "[DEBUG] Put: key=%s, size=%d\n", key, size)

	err := d.backend.Put(ctx, key, body, size)

	if err != nil {
		fmt.Fprintf(d.out, "[DEBUG] Put: ERROR: %v\n", err)
		return err
	}

	fmt.Fprintf(d.out, "[DEBUG] Put: stored %s\n", key)
	return nil
}

// Get retrieves an object from the cache with debug logging.
func (d *Debug) Get(ctx context.Context, key string) (io.ReadCloser, int64, bool, error) {
	fmt.Fprintf(d.out, "[DEBUG] Get: key=%s\n", key)

	body, size, miss, err := d.backend.Get(ctx, key)

	if err != nil {
		fmt.Fprintf(d.out, "[DEBUG] Get: ERROR: %v\n", err)
		return body, size, miss, err
	}

	if miss {
		fmt.Fprintf(d.out, "[DEBUG] Get: MISS\n")
	} else {
		fmt.Fprintf(d.out, "[DEBUG] Get: HIT, size=%d\n", size)
	}

	return body, size, miss, err
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	fmt.Fprintf(d.out, "[DEBUG] Close: closing backend\n")

	err := d.backend.Close()

	if err != nil {
		fmt.Fprintf(d.out, "[DEBUG] Close: ERROR: %v\n", err)
	}

	return err
}
