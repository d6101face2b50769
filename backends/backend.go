package backends

import (
	"context"
	"io"
)

// Backend defines the interface for remote artifact stores.
//
// Implementations can be swapped to use different storage mechanisms. They
// surface transport and status outcomes verbatim and never retry; retry
// policy, if any, belongs to the caller.
type Backend interface {
	// Exists reports whether an artifact is stored under key. It returns true
	// only on an explicit "found" answer from the store. Any other outcome,
	// including a network failure, is reported as false.
	Exists(ctx context.Context, key string) bool

	// Put uploads size bytes read from body under key.
	// A non-success response is returned as a *cacheerr.TransferError.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get retrieves the artifact stored under key.
	// Returns the body (which the caller must close), its size (-1 if unknown),
	// and whether it was a miss. A miss is not an error.
	Get(ctx context.Context, key string) (body io.ReadCloser, size int64, miss bool, err error)

	// Close performs any cleanup operations needed by the backend.
	Close() error
}
