package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/richardartoul/artifactcache/pkg/archive"
	"github.com/richardartoul/artifactcache/pkg/cacheerr"
	"github.com/richardartoul/artifactcache/pkg/staging"
)

// Save packs paths and uploads the archive under key, unless the key is
// already stored. Failures are reported as OutcomeFailed and never returned.
func (c *Client) Save(ctx context.Context, paths []string, key string) Result {
	return c.run(ctx, "save", key, func(ctx context.Context, logger *slog.Logger, st *opState) (Result, error) {
		var res Result
		err := c.locks.DoWithLock(key, func() error {
			var err error
			res, err = c.save(ctx, logger, st, paths, key)
			return err
		})
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Key = key
		}
		return res, err
	})
}

func (c *Client) save(ctx context.Context, logger *slog.Logger, st *opState, paths []string, key string) (Result, error) {
	if key == "" {
		return Result{}, cacheerr.ErrEmptyKey
	}

	st.to(StateProbing)
	if c.resolver.exists(ctx, key) {
		st.to(StateShortCircuited)
		logger.Info("cache up-to-date, skipping upload")
		return Result{Outcome: OutcomeAlreadyCached, Key: key, Exact: true}, nil
	}

	ps, err := staging.NewPathSet(c.workspace, paths, c.policy, logger)
	if err != nil {
		return Result{}, err
	}
	existing, missing, err := ps.Existing()
	if err != nil {
		return Result{}, err
	}
	for _, m := range missing {
		logger.Info("path does not exist, not caching it", "path", m)
	}
	if len(existing.Rel) == 0 {
		return Result{}, cacheerr.ErrNoPaths
	}
	escaping, err := c.escapingLinks(logger, existing)
	if err != nil {
		return Result{}, err
	}

	area, err := staging.New(c.tempDir, "artifactcache-save-", logger)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		st.to(StateCleanup)
		_ = area.Cleanup()
	}()

	st.to(StatePacking)
	start := time.Now()
	manifest, rel, err := area.StageOut(existing, c.stageMode)
	c.latency.Record("stage_out", time.Since(start))
	if err != nil {
		return Result{}, err
	}
	if len(escaping) > 0 {
		if rel, err = area.Exclude(manifest, rel, escaping); err != nil {
			return Result{}, err
		}
		if len(rel) == 0 {
			return Result{}, cacheerr.ErrNoPaths
		}
	}

	artifact := area.Path(artifactName)
	start = time.Now()
	size, err := c.pack(ctx, manifest, rel, artifact)
	c.latency.Record("pack", time.Since(start))
	if err != nil {
		return Result{}, err
	}
	logger.Debug("packed artifact", "size", size, "paths", rel)

	st.to(StateTransferring)
	if err := c.upload(ctx, key, artifact, size); err != nil {
		return Result{}, err
	}
	logger.Info("saved artifact", "size", size)
	return Result{Outcome: OutcomeSaved, Key: key, Exact: true, BytesTransferred: size, Paths: rel}, nil
}

// escapingLinks finds symlinks under the existing paths that point outside
// the workspace. They fail the save under PolicyReject and are returned for
// exclusion under PolicySkip.
func (c *Client) escapingLinks(logger *slog.Logger, existing staging.PathSet) ([]string, error) {
	links, err := archive.EscapingLinks(existing.Root, existing.Slash())
	if err != nil || len(links) == 0 {
		return nil, err
	}
	if c.policy != staging.PolicySkip {
		return nil, fmt.Errorf("%w: symlink %s points outside the workspace", cacheerr.ErrOutsideRoot, links[0])
	}
	for _, link := range links {
		logger.Warn("skipping symlink pointing outside workspace", "path", link)
	}
	return links, nil
}

func (c *Client) pack(ctx context.Context, manifest string, rel []string, artifact string) (int64, error) {
	f, err := os.Create(artifact)
	if err != nil {
		return 0, &cacheerr.FilesystemError{Op: "create", Path: artifact, Err: err}
	}
	n, err := c.codec.Pack(ctx, manifest, rel, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = &cacheerr.FilesystemError{Op: "close", Path: artifact, Err: cerr}
	}
	return n, err
}

func (c *Client) upload(ctx context.Context, key, artifact string, size int64) error {
	f, err := os.Open(artifact)
	if err != nil {
		return &cacheerr.FilesystemError{Op: "open", Path: artifact, Err: err}
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()

	start := time.Now()
	err = c.backend.Put(ctx, key, f, size)
	c.latency.Record("upload", time.Since(start))
	return err
}

type opFunc func(ctx context.Context, logger *slog.Logger, st *opState) (Result, error)

// run wraps one operation with an op id, a span, metrics and the terminal
// state, and turns any error into the Result.
func (c *Client) run(ctx context.Context, op, key string, fn opFunc) Result {
	start := time.Now()
	logger := c.logger.With("op", op, "op_id", uuid.NewString(), "key", key)
	ctx, span := c.tracer.Start(ctx, "artifactcache."+op, trace.WithAttributes(
		attribute.String("artifactcache.key", key),
	))
	defer span.End()

	st := newOpState(logger)
	res, err := fn(ctx, logger, st)
	res.Duration = time.Since(start)

	if err != nil {
		if isLocalFailure(err) {
			st.to(StateFailed)
		} else {
			st.to(StateDone)
		}
		res.Err = err
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logWarning(logger, op, err)
	} else {
		st.to(StateDone)
	}
	res.State = st.current

	span.SetAttributes(
		attribute.String("artifactcache.outcome", string(res.Outcome)),
		attribute.Int64("artifactcache.bytes", res.BytesTransferred),
	)
	c.outcomes.Observe(op, string(res.Outcome), res.BytesTransferred, res.Duration.Seconds())
	c.latency.Record(op, res.Duration)
	return res
}

// isLocalFailure reports whether err means this machine or its configuration
// cannot run cache operations at all, as opposed to a soft remote or archive
// failure.
func isLocalFailure(err error) bool {
	var (
		fsErr      *cacheerr.FilesystemError
		corruptErr *cacheerr.CorruptArchiveError
	)
	if errors.As(err, &corruptErr) {
		return false
	}
	return errors.As(err, &fsErr) ||
		cacheerr.IsConfiguration(err) ||
		errors.Is(err, cacheerr.ErrEmptyKey) ||
		errors.Is(err, cacheerr.ErrOutsideRoot)
}

func logWarning(logger *slog.Logger, op string, err error) {
	var (
		transferErr *cacheerr.TransferError
		toolErr     *cacheerr.ToolError
		corruptErr  *cacheerr.CorruptArchiveError
	)
	switch {
	case errors.Is(err, cacheerr.ErrNoPaths):
		logger.Warn("no paths to cache", "error", err)
	case errors.As(err, &transferErr):
		logger.Warn(op+" failed talking to the remote cache", "status", transferErr.StatusCode, "error", err)
	case errors.As(err, &toolErr):
		logger.Warn(op+" failed running the archiver", "tool", toolErr.Tool, "timed_out", toolErr.TimedOut, "error", err)
	case errors.As(err, &corruptErr):
		logger.Warn("downloaded archive is corrupt", "entry", corruptErr.Entry, "error", err)
	default:
		logger.Warn(op+" failed", "error", err)
	}
}
