package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/richardartoul/artifactcache/backends"
)

// probeRecorder records the order of Exists calls.
type probeRecorder struct {
	*backends.Memory
	mu     sync.Mutex
	probed []string
}

func (p *probeRecorder) Exists(ctx context.Context, key string) bool {
	p.mu.Lock()
	p.probed = append(p.probed, key)
	p.mu.Unlock()
	return p.Memory.Exists(ctx, key)
}

func TestResolveFirstListedWins(t *testing.T) {
	t.Parallel()

	store := &probeRecorder{Memory: backends.NewMemory()}
	store.Set("v1-linux-xyz000", []byte("a"))
	store.Set("v1-linux-", []byte("b"))

	m, ok := NewKeyResolver(store, 0, nil).Resolve(context.Background(), "v1-linux-abc123", []string{"v1-linux-xyz000", "v1-linux-"})
	assert.True(t, ok)
	assert.Equal(t, Match{Key: "v1-linux-xyz000", Tier: 1}, m)
	assert.Equal(t, []string{"v1-linux-abc123", "v1-linux-xyz000"}, store.probed, "stops at the first hit")
}

func TestResolvePrimaryHit(t *testing.T) {
	t.Parallel()

	store := &probeRecorder{Memory: backends.NewMemory()}
	store.Set("v1-linux-abc123", []byte("a"))
	store.Set("v1-linux-xyz000", []byte("b"))

	m, ok := NewKeyResolver(store, 0, nil).Resolve(context.Background(), "v1-linux-abc123", []string{"v1-linux-xyz000"})
	assert.True(t, ok)
	assert.Equal(t, Match{Key: "v1-linux-abc123", Tier: 0}, m)
	assert.Len(t, store.probed, 1)
}

func TestResolveSkipsEmptyAndRepeatedKeys(t *testing.T) {
	t.Parallel()

	store := &probeRecorder{Memory: backends.NewMemory()}
	store.Set("c", []byte("x"))

	m, ok := NewKeyResolver(store, 0, nil).Resolve(context.Background(), "a", []string{"", "a", "b", "b", "c"})
	assert.True(t, ok)
	assert.Equal(t, Match{Key: "c", Tier: 5}, m, "tier is the position in the given list")
	assert.Equal(t, []string{"a", "b", "c"}, store.probed)
}

func TestResolveNone(t *testing.T) {
	t.Parallel()

	store := &probeRecorder{Memory: backends.NewMemory()}
	_, ok := NewKeyResolver(store, 0, nil).Resolve(context.Background(), "a", []string{"b"})
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, store.probed)
}

func TestResolveCancelled(t *testing.T) {
	t.Parallel()

	store := &probeRecorder{Memory: backends.NewMemory()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := NewKeyResolver(store, 0, nil).Resolve(ctx, "a", []string{"b"})
	assert.False(t, ok)
	assert.Empty(t, store.probed)
}

// hangingProbe never answers an existence check before the context ends.
type hangingProbe struct {
	*backends.Memory
}

func (h hangingProbe) Exists(ctx context.Context, _ string) bool {
	<-ctx.Done()
	return false
}

func TestResolveBoundsEachProbe(t *testing.T) {
	t.Parallel()

	store := hangingProbe{backends.NewMemory()}
	start := time.Now()
	_, ok := NewKeyResolver(store, 20*time.Millisecond, nil).Resolve(context.Background(), "a", []string{"b", "c"})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
}
