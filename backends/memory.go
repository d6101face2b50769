package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// Memory is an in-process Backend. It counts calls per operation, which makes
// it useful in tests, and backs the "memory" backend for dry runs.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte

	// PutStatus, when non-zero, makes Put fail with a TransferError carrying
	// that status code.
	PutStatus int

	calls map[string]int
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		calls:   make(map[string]int),
	}
}

// Exists reports whether key has been stored.
func (m *Memory) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["exists"]++
	_, ok := m.objects[key]
	return ok
}

// Put stores a copy of body under key.
func (m *Memory) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	m.mu.Lock()
	m.calls["put"]++
	status := m.PutStatus
	m.mu.Unlock()

	if status != 0 {
		return &cacheerr.TransferError{Op: "put", Key: key, StatusCode: status, Body: "injected failure"}
	}
	if err := ctx.Err(); err != nil {
		return &cacheerr.TransferError{Op: "put", Key: key, Err: err}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return &cacheerr.TransferError{Op: "put", Key: key, Err: err}
	}
	if size >= 0 && int64(len(data)) != size {
		return &cacheerr.TransferError{Op: "put", Key: key, Err: fmt.Errorf("short body: %d of %d bytes", len(data), size)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// Get returns the bytes stored under key.
func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get"]++
	data, ok := m.objects[key]
	if !ok {
		return nil, 0, true, nil
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), false, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// Set stores data under key without counting a put.
func (m *Memory) Set(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}

// Delete removes key without counting any call.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// Calls returns how many times op ("exists", "put" or "get") was called.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}
