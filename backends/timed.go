package backends

import (
	"context"
	"io"
	"time"

	"github.com/richardartoul/artifactcache/pkg/metrics"
)

// Timed wraps a Backend and records the latency of every call in a
// LatencyTracker under "exists", "put" and "get".
type Timed struct {
	backend Backend
	tracker *metrics.LatencyTracker
}

// NewTimed creates a latency-recording wrapper around backend.
func NewTimed(backend Backend, tracker *metrics.LatencyTracker) *Timed {
	return &Timed{backend: backend, tracker: tracker}
}

func (t *Timed) Exists(ctx context.Context, key string) bool {
	start := time.Now()
	ok := t.backend.Exists(ctx, key)
	t.tracker.Record("exists", time.Since(start))
	return ok
}

func (t *Timed) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	return t.tracker.RecordFunc("put", func() error {
		return t.backend.Put(ctx, key, body, size)
	})
}

// Get records time to first byte; the body transfer is timed by the caller.
func (t *Timed) Get(ctx context.Context, key string) (io.ReadCloser, int64, bool, error) {
	start := time.Now()
	body, size, miss, err := t.backend.Get(ctx, key)
	t.tracker.Record("get", time.Since(start))
	return body, size, miss, err
}

func (t *Timed) Close() error {
	return t.backend.Close()
}
