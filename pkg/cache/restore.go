package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
	"github.com/richardartoul/artifactcache/pkg/staging"
)

// Restore resolves primary and fallbacks to the first stored key, downloads
// its archive and swaps the contents into the workspace. Any failure is
// reported as OutcomeFullMiss with Err set; nothing is ever returned as an
// error.
func (c *Client) Restore(ctx context.Context, primary string, fallbacks []string) Result {
	return c.run(ctx, "restore", primary, func(ctx context.Context, logger *slog.Logger, st *opState) (Result, error) {
		res, err := c.restore(ctx, logger, st, primary, fallbacks)
		if err != nil {
			res = Result{Outcome: OutcomeFullMiss}
		}
		return res, err
	})
}

func (c *Client) restore(ctx context.Context, logger *slog.Logger, st *opState, primary string, fallbacks []string) (Result, error) {
	if primary == "" {
		return Result{}, cacheerr.ErrEmptyKey
	}

	st.to(StateProbing)
	match, ok := c.resolver.Resolve(ctx, primary, fallbacks)
	if !ok {
		logger.Info("no cache hit")
		return Result{Outcome: OutcomeFullMiss}, nil
	}
	logger.Info("using restore key", "restore_key", match.Key, "tier", match.Tier)

	var (
		res Result
		err error
	)
	lockErr := c.locks.DoWithLock(match.Key, func() error {
		res, err = c.fetch(ctx, logger, st, match)
		return err
	})
	if err == nil && lockErr != nil {
		err = lockErr
	}
	return res, err
}

func (c *Client) fetch(ctx context.Context, logger *slog.Logger, st *opState, match Match) (Result, error) {
	st.to(StateTransferring)
	tctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()

	start := time.Now()
	body, size, miss, err := c.backend.Get(tctx, match.Key)
	if err != nil {
		return Result{}, err
	}
	if miss {
		// Probed a moment ago but gone now, e.g. evicted.
		logger.Warn("artifact disappeared after probe", "restore_key", match.Key)
		return Result{Outcome: OutcomeFullMiss}, nil
	}

	area, err := staging.New(c.tempDir, "artifactcache-restore-", logger)
	if err != nil {
		body.Close()
		return Result{}, err
	}
	defer func() {
		st.to(StateCleanup)
		_ = area.Cleanup()
	}()

	artifact, n, err := area.Spool(artifactName, body)
	body.Close()
	c.latency.Record("download", time.Since(start))
	if err != nil {
		var fsErr *cacheerr.FilesystemError
		if !errors.As(err, &fsErr) {
			err = &cacheerr.TransferError{Op: "get", Key: match.Key, Err: err}
		}
		return Result{}, err
	}
	if size >= 0 && n != size {
		return Result{}, &cacheerr.TransferError{Op: "get", Key: match.Key, Err: fmt.Errorf("short body: %d of %d bytes", n, size)}
	}
	logger.Debug("downloaded artifact", "size", n)

	st.to(StateUnpacking)
	unpacked := area.Path(unpackedName)
	start = time.Now()
	if _, err := c.unpack(ctx, artifact, unpacked); err != nil {
		return Result{}, err
	}
	c.latency.Record("unpack", time.Since(start))

	start = time.Now()
	replaced, err := area.StageIn(unpacked, c.workspace)
	c.latency.Record("stage_in", time.Since(start))
	if err != nil {
		return Result{}, err
	}

	logger.Info("restored artifact", "restore_key", match.Key, "size", n, "paths", replaced)
	return Result{
		Outcome:          OutcomeHit,
		Key:              match.Key,
		Tier:             match.Tier,
		Exact:            match.Tier == 0,
		BytesTransferred: n,
		Paths:            replaced,
	}, nil
}

func (c *Client) unpack(ctx context.Context, artifact, target string) ([]string, error) {
	f, err := os.Open(artifact)
	if err != nil {
		return nil, &cacheerr.FilesystemError{Op: "open", Path: artifact, Err: err}
	}
	defer f.Close()
	return c.codec.Unpack(ctx, f, target)
}
