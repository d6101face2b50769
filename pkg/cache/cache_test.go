package cache

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/artifactcache/backends"
	"github.com/richardartoul/artifactcache/pkg/cacheerr"
	"github.com/richardartoul/artifactcache/pkg/config"
	"github.com/richardartoul/artifactcache/pkg/locking"
	"github.com/richardartoul/artifactcache/pkg/metrics"
	"github.com/richardartoul/artifactcache/pkg/staging"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// snapshot maps every relative path under root to its contents ("<dir>" for
// directories).
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			out[filepath.ToSlash(rel)] = "<dir>"
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directories left behind in %s", dir)
}

type testEnv struct {
	backend   *backends.Memory
	client    *Client
	workspace string
	tempDir   string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		backend:   backends.NewMemory(),
		workspace: t.TempDir(),
		tempDir:   t.TempDir(),
	}
	base := []Option{WithWorkspace(env.workspace), WithTempDir(env.tempDir)}
	client, err := New(env.backend, nil, append(base, opts...)...)
	require.NoError(t, err)
	env.client = client
	return env
}

func (e *testEnv) buildOutputs(t *testing.T) {
	t.Helper()
	writeFile(t, filepath.Join(e.workspace, "target/debug/app"), "debug build")
	writeFile(t, filepath.Join(e.workspace, "target/debug/deps/libfoo.rlib"), "foo")
	writeFile(t, filepath.Join(e.workspace, "target/release/app"), "release build")
}

func TestSaveThenRestore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.buildOutputs(t)
	writeFile(t, filepath.Join(env.workspace, "src/main.rs"), "fn main() {}")
	built := snapshot(t, env.workspace)

	ctx := context.Background()
	res := env.client.Save(ctx, []string{"target/debug", "target/release"}, "v1-linux-abc123")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSaved, res.Outcome)
	assert.Equal(t, "v1-linux-abc123", res.Key)
	assert.Equal(t, StateDone, res.State)
	assert.Positive(t, res.BytesTransferred)
	assert.Equal(t, []string{"target/debug", "target/release"}, res.Paths)
	assert.Equal(t, 1, env.backend.Calls("put"))

	// Move mode hands the outputs to the staging area.
	assert.NoDirExists(t, filepath.Join(env.workspace, "target/debug"))
	assertEmptyDir(t, env.tempDir)

	res = env.client.Restore(ctx, "v1-linux-abc123", nil)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "v1-linux-abc123", res.Key)
	assert.Equal(t, 0, res.Tier)
	assert.True(t, res.Exact)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"target"}, res.Paths)

	assert.Equal(t, built, snapshot(t, env.workspace))
	assertEmptyDir(t, env.tempDir)
}

func TestRestoreIntoOtherWorkspace(t *testing.T) {
	t.Parallel()

	src := newTestEnv(t, WithStageMode(staging.ModeCopy))
	src.buildOutputs(t)
	res := src.client.Save(context.Background(), []string{
		filepath.Join(src.workspace, "target/debug"),
		"target/release",
	}, "v1-linux-abc123")
	require.NoError(t, res.Err)

	// Copy mode keeps the outputs in place.
	assert.FileExists(t, filepath.Join(src.workspace, "target/debug/app"))

	dst, err := New(src.backend, nil, WithWorkspace(t.TempDir()), WithTempDir(src.tempDir))
	require.NoError(t, err)
	res = dst.Restore(context.Background(), "v1-linux-abc123", nil)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, snapshot(t, src.workspace), snapshot(t, dst.Workspace()))
}

func TestSaveAlreadyCached(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.buildOutputs(t)
	env.backend.Set("v1-linux-abc123", []byte("someone else's archive"))
	before := snapshot(t, env.workspace)

	res := env.client.Save(context.Background(), []string{"target"}, "v1-linux-abc123")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeAlreadyCached, res.Outcome)
	assert.Equal(t, StateDone, res.State)
	assert.Zero(t, res.BytesTransferred)
	assert.Equal(t, 0, env.backend.Calls("put"))
	assert.Equal(t, before, snapshot(t, env.workspace))
	assertEmptyDir(t, env.tempDir)
}

func TestRestoreFullMissLeavesWorkspaceUnchanged(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.buildOutputs(t)
	before := snapshot(t, env.workspace)

	res := env.client.Restore(context.Background(), "v1-linux-abc123", []string{"v1-linux-", "v1-"})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeFullMiss, res.Outcome)
	assert.Empty(t, res.Key)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 3, env.backend.Calls("exists"))
	assert.Equal(t, 0, env.backend.Calls("get"))
	assert.Equal(t, before, snapshot(t, env.workspace))
}

func TestRestoreFallbackHit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithStageMode(staging.ModeCopy))
	env.buildOutputs(t)
	require.NoError(t, env.client.Save(context.Background(), []string{"target"}, "v1-linux-xyz000").Err)
	require.NoError(t, os.RemoveAll(filepath.Join(env.workspace, "target")))

	res := env.client.Restore(context.Background(), "v1-linux-abc123", []string{"v1-linux-xyz000", "v1-"})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "v1-linux-xyz000", res.Key)
	assert.Equal(t, 1, res.Tier)
	assert.False(t, res.Exact)
	assert.FileExists(t, filepath.Join(env.workspace, "target/release/app"))
}

func TestSaveUploadFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.buildOutputs(t)
	env.backend.PutStatus = 500

	res := env.client.Save(context.Background(), []string{"target/debug", "target/release"}, "v1-linux-abc123")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StateDone, res.State, "a remote failure is soft")

	var transferErr *cacheerr.TransferError
	require.ErrorAs(t, res.Err, &transferErr)
	assert.Equal(t, 500, transferErr.StatusCode)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 1, env.backend.Calls("put"))
	assertEmptyDir(t, env.tempDir)
}

func TestSaveNoExistingPaths(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	res := env.client.Save(context.Background(), []string{"target/debug"}, "k")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, cacheerr.ErrNoPaths)
	assert.Equal(t, 0, env.backend.Calls("put"))
	assertEmptyDir(t, env.tempDir)
}

func TestSaveOutsideWorkspace(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.buildOutputs(t)

	res := env.client.Save(context.Background(), []string{"target", "../elsewhere"}, "k")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, cacheerr.ErrOutsideRoot)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, env.backend.Calls("put"))

	skip := newTestEnv(t, WithOutsideRootPolicy(staging.PolicySkip))
	skip.buildOutputs(t)
	res = skip.client.Save(context.Background(), []string{"target", "../elsewhere"}, "k")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSaved, res.Outcome)
	assert.Equal(t, []string{"target"}, res.Paths)
}

func TestEmptyKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.buildOutputs(t)

	res := env.client.Save(context.Background(), []string{"target"}, "")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, cacheerr.ErrEmptyKey)
	assert.Equal(t, StateFailed, res.State)

	res = env.client.Restore(context.Background(), "", []string{"fallback"})
	assert.Equal(t, OutcomeFullMiss, res.Outcome)
	assert.ErrorIs(t, res.Err, cacheerr.ErrEmptyKey)
	assert.Equal(t, 0, env.backend.Calls("exists"))
}

func TestRestoreCorruptArchive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.buildOutputs(t)
	before := snapshot(t, env.workspace)
	env.backend.Set("v1-linux-abc123", []byte("this is not a zstd stream"))

	res := env.client.Restore(context.Background(), "v1-linux-abc123", nil)
	assert.Equal(t, OutcomeFullMiss, res.Outcome)
	var corrupt *cacheerr.CorruptArchiveError
	assert.ErrorAs(t, res.Err, &corrupt)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, before, snapshot(t, env.workspace))
	assertEmptyDir(t, env.tempDir)
}

// vanishing reports every key as present but has nothing to download.
type vanishing struct {
	*backends.Memory
}

func (v vanishing) Exists(context.Context, string) bool { return true }

func TestRestoreMissAfterProbe(t *testing.T) {
	t.Parallel()

	backend := vanishing{backends.NewMemory()}
	client, err := New(backend, nil, WithWorkspace(t.TempDir()))
	require.NoError(t, err)

	res := client.Restore(context.Background(), "v1-linux-abc123", []string{"v1-linux-xyz000"})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeFullMiss, res.Outcome)
	assert.Equal(t, 1, backend.Calls("get"), "no retry at the next fallback key")
}

// failingGet fails every download.
type failingGet struct {
	*backends.Memory
}

func (f failingGet) Get(_ context.Context, key string) (io.ReadCloser, int64, bool, error) {
	return nil, 0, false, &cacheerr.TransferError{Op: "get", Key: key, StatusCode: 502}
}

func TestRestoreTransferError(t *testing.T) {
	t.Parallel()

	backend := failingGet{backends.NewMemory()}
	backend.Set("k", []byte("x"))
	client, err := New(backend, nil, WithWorkspace(t.TempDir()))
	require.NoError(t, err)

	res := client.Restore(context.Background(), "k", nil)
	assert.Equal(t, OutcomeFullMiss, res.Outcome)
	var transferErr *cacheerr.TransferError
	require.ErrorAs(t, res.Err, &transferErr)
	assert.Equal(t, 502, transferErr.StatusCode)
}

func TestConcurrentSavesUploadOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithStageMode(staging.ModeCopy), WithKeyLocks(locking.NewMemLock()))
	env.buildOutputs(t)

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = env.client.Save(context.Background(), []string{"target"}, "v1-linux-abc123")
		}()
	}
	wg.Wait()

	saved := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		if r.Outcome == OutcomeSaved {
			saved++
		} else {
			assert.Equal(t, OutcomeAlreadyCached, r.Outcome)
		}
	}
	assert.Equal(t, 1, saved)
	assert.Equal(t, 1, env.backend.Calls("put"))
}

func TestOutcomeMetrics(t *testing.T) {
	t.Parallel()

	outcomes := metrics.NewOutcomes("artifactcache")
	latency := metrics.NewLatencyTracker(0.01)
	env := newTestEnv(t, WithOutcomes(outcomes), WithLatency(latency), WithStageMode(staging.ModeCopy))
	env.buildOutputs(t)

	ctx := context.Background()
	env.client.Save(ctx, []string{"target"}, "k")
	env.client.Save(ctx, []string{"target"}, "k")
	env.client.Restore(ctx, "k", nil)
	env.client.Restore(ctx, "missing", nil)

	// save/saved, save/alreadyCached, restore/hit, restore/fullMiss
	n, err := testutil.GatherAndCount(outcomes.Registry(), "artifactcache_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	stats, err := latency.GetStats("upload")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
	stats, err = latency.GetStats("restore")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Count)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	assert.True(t, cacheerr.IsConfiguration(err))

	_, err = New(backends.NewMemory(), nil, WithStageMode("hardlink"))
	assert.True(t, cacheerr.IsConfiguration(err))
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	_, err := NewFromConfig(context.Background(), cfg, nil)
	var ce *cacheerr.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "token", ce.Field)

	cfg.Backend = config.BackendMemory
	cfg.Workspace = t.TempDir()
	cfg.StageMode = "copy"
	client, err := NewFromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, cfg.Workspace, client.Workspace())
	assert.Equal(t, staging.ModeCopy, client.stageMode)
}

func TestSaveSymlinkOutsideWorkspace(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.buildOutputs(t)
	syslib := filepath.Join(env.workspace, "target/debug/syslib")
	require.NoError(t, os.Symlink("/usr/lib", syslib))

	res := env.client.Save(context.Background(), []string{"target/debug", "target/release"}, "v1-linux-abc123")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, cacheerr.ErrOutsideRoot)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, env.backend.Calls("put"))
	assert.FileExists(t, filepath.Join(env.workspace, "target/debug/app"), "rejected before anything is staged")
	_, err := os.Lstat(syslib)
	assert.NoError(t, err)
	assertEmptyDir(t, env.tempDir)

	skip := newTestEnv(t, WithOutsideRootPolicy(staging.PolicySkip))
	skip.buildOutputs(t)
	require.NoError(t, os.Symlink("/usr/lib", filepath.Join(skip.workspace, "target/debug/syslib")))
	require.NoError(t, os.Symlink("app", filepath.Join(skip.workspace, "target/debug/app-link")))

	res = skip.client.Save(context.Background(), []string{"target/debug", "target/release"}, "v1-linux-abc123")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSaved, res.Outcome)

	res = skip.client.Restore(context.Background(), "v1-linux-abc123", nil)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.FileExists(t, filepath.Join(skip.workspace, "target/release/app"))
	link, err := os.Readlink(filepath.Join(skip.workspace, "target/debug/app-link"))
	require.NoError(t, err)
	assert.Equal(t, "app", link)
	_, err = os.Lstat(filepath.Join(skip.workspace, "target/debug/syslib"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSaveOnlySymlinkOutsideWorkspaceSkipped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithOutsideRootPolicy(staging.PolicySkip))
	require.NoError(t, os.Symlink("/usr/lib", filepath.Join(env.workspace, "syslib")))

	res := env.client.Save(context.Background(), []string{"syslib"}, "k")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, cacheerr.ErrNoPaths)
	assert.Equal(t, 0, env.backend.Calls("put"))
	assertEmptyDir(t, env.tempDir)
}

// stalledServer accepts requests and never answers them until the test ends.
func stalledServer(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv.URL
}

// within runs fn and fails the test if it does not return in time.
func within(t *testing.T, d time.Duration, fn func() Result) Result {
	t.Helper()
	done := make(chan Result, 1)
	go func() { done <- fn() }()
	select {
	case res := <-done:
		return res
	case <-time.After(d):
		t.Fatalf("still running after %s", d)
		return Result{}
	}
}

func TestRestoreStalledProbe(t *testing.T) {
	t.Parallel()

	backend, err := backends.NewHTTP(stalledServer(t), "secret")
	require.NoError(t, err)
	workspace := t.TempDir()
	client, err := New(backend, nil,
		WithWorkspace(workspace),
		WithTempDir(t.TempDir()),
		WithTransferTimeout(100*time.Millisecond),
	)
	require.NoError(t, err)

	res := within(t, 10*time.Second, func() Result {
		return client.Restore(context.Background(), "v1-linux-abc123", []string{"v1-linux-"})
	})
	assert.Equal(t, OutcomeFullMiss, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
}

func TestSaveStalledUpload(t *testing.T) {
	t.Parallel()

	backend, err := backends.NewHTTP(stalledServer(t), "secret")
	require.NoError(t, err)
	workspace, tempDir := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(workspace, "target/debug/app"), "debug build")
	client, err := New(backend, nil,
		WithWorkspace(workspace),
		WithTempDir(tempDir),
		WithProbeTimeout(50*time.Millisecond),
		WithTransferTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)

	res := within(t, 10*time.Second, func() Result {
		return client.Save(context.Background(), []string{"target"}, "v1-linux-abc123")
	})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StateDone, res.State)
	var transferErr *cacheerr.TransferError
	require.ErrorAs(t, res.Err, &transferErr)
	assert.Equal(t, "put", transferErr.Op)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assertEmptyDir(t, tempDir)
}

// stalledPut accepts uploads but never finishes one before the deadline.
type stalledPut struct {
	*backends.Memory
}

func (s stalledPut) Put(ctx context.Context, key string, _ io.Reader, _ int64) error {
	<-ctx.Done()
	return &cacheerr.TransferError{Op: "put", Key: key, Err: ctx.Err()}
}

func TestSaveTimeoutCleansUp(t *testing.T) {
	t.Parallel()

	backend := stalledPut{backends.NewMemory()}
	workspace, tempDir := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(workspace, "target/debug/app"), "debug build")
	client, err := New(backend, nil,
		WithWorkspace(workspace),
		WithTempDir(tempDir),
		WithStageMode(staging.ModeCopy),
		WithTransferTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)

	res := within(t, 10*time.Second, func() Result {
		return client.Save(context.Background(), []string{"target"}, "k")
	})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.FileExists(t, filepath.Join(workspace, "target/debug/app"))
	assertEmptyDir(t, tempDir)
}
