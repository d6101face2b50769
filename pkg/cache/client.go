// Package cache saves and restores build outputs against a remote artifact
// store, keyed by caller-supplied content keys with ordered fallbacks.
//
// Neither Save nor Restore ever returns an error: every failure after the
// client is constructed is reported in Result and the caller's build goes on.
// Configuration problems are caught by New and NewFromConfig instead.
package cache

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/richardartoul/artifactcache/backends"
	"github.com/richardartoul/artifactcache/pkg/archive"
	"github.com/richardartoul/artifactcache/pkg/cacheerr"
	"github.com/richardartoul/artifactcache/pkg/config"
	"github.com/richardartoul/artifactcache/pkg/locking"
	"github.com/richardartoul/artifactcache/pkg/metrics"
	"github.com/richardartoul/artifactcache/pkg/staging"
)

const (
	// DefaultTransferTimeout bounds a single upload or download.
	DefaultTransferTimeout = 30 * time.Minute
	// DefaultProbeTimeout bounds a single existence check. It is lowered to
	// the transfer timeout when that is shorter.
	DefaultProbeTimeout = time.Minute

	artifactName = "artifact.tar.zst"
	unpackedName = "unpacked"
	tracerName   = "github.com/richardartoul/artifactcache/pkg/cache"
)

// Client orchestrates Save and Restore.
type Client struct {
	backend  backends.Backend
	codec    archive.Codec
	resolver *KeyResolver
	logger   *slog.Logger

	workspace       string
	tempDir         string
	stageMode       staging.Mode
	policy          staging.OutsideRootPolicy
	transferTimeout time.Duration
	probeTimeout    time.Duration

	debug    bool
	locks    locking.Group
	latency  *metrics.LatencyTracker
	outcomes *metrics.Outcomes
	tracer   trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWorkspace sets the directory relative paths resolve against and that
// restore writes into. Defaults to the working directory.
func WithWorkspace(dir string) Option {
	return func(c *Client) {
		c.workspace = dir
	}
}

// WithStageMode selects whether save moves or copies paths out of the
// workspace.
func WithStageMode(mode staging.Mode) Option {
	return func(c *Client) {
		c.stageMode = mode
	}
}

// WithOutsideRootPolicy selects what save does with paths that resolve
// outside the workspace.
func WithOutsideRootPolicy(policy staging.OutsideRootPolicy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithTempDir sets the parent of per-operation staging directories.
func WithTempDir(dir string) Option {
	return func(c *Client) {
		c.tempDir = dir
	}
}

// WithTransferTimeout bounds each upload and download.
func WithTransferTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.transferTimeout = d
		}
	}
}

// WithProbeTimeout bounds each existence check against the backend.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithKeyLocks serializes operations on the same key within this process.
func WithKeyLocks(group locking.Group) Option {
	return func(c *Client) {
		if group != nil {
			c.locks = group
		}
	}
}

// WithDebugBackend traces every backend call to stderr.
func WithDebugBackend(enabled bool) Option {
	return func(c *Client) {
		c.debug = enabled
	}
}

// WithLatency records per-phase latencies into tracker.
func WithLatency(tracker *metrics.LatencyTracker) Option {
	return func(c *Client) {
		c.latency = tracker
	}
}

// WithOutcomes counts finished operations into outcomes.
func WithOutcomes(outcomes *metrics.Outcomes) Option {
	return func(c *Client) {
		c.outcomes = outcomes
	}
}

// WithTracer sets the tracer used for operation spans. Defaults to the
// global OpenTelemetry provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// New creates a Client over backend. A nil codec selects the in-process
// tar+zstd codec with default settings.
func New(backend backends.Backend, codec archive.Codec, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, &cacheerr.ConfigurationError{Field: "backend", Reason: "required"}
	}

	c := &Client{
		backend:         backend,
		codec:           codec,
		logger:          slog.New(slog.DiscardHandler),
		stageMode:       staging.ModeMove,
		policy:          staging.PolicyReject,
		transferTimeout: DefaultTransferTimeout,
		locks:           locking.NewNoOpGroup(),
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.codec == nil {
		tz, err := archive.NewTarZstd("", archive.DefaultTimeout, c.logger)
		if err != nil {
			return nil, err
		}
		c.codec = tz
	}
	if c.workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &cacheerr.FilesystemError{Op: "getwd", Err: err}
		}
		c.workspace = wd
	}
	if _, err := staging.ParseMode(string(c.stageMode)); err != nil {
		return nil, err
	}
	if _, err := staging.ParsePolicy(string(c.policy)); err != nil {
		return nil, err
	}

	if c.debug {
		c.backend = backends.NewDebug(c.backend)
	}
	if c.latency != nil {
		c.backend = backends.NewTimed(c.backend, c.latency)
	}

	if c.probeTimeout == 0 {
		c.probeTimeout = min(DefaultProbeTimeout, c.transferTimeout)
	}
	c.resolver = NewKeyResolver(c.backend, c.probeTimeout, c.logger)
	return c, nil
}

// NewFromConfig validates cfg, builds the configured backend and codec, and
// returns a Client. Extra options are applied after the ones derived from cfg.
func NewFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	codec, err := archive.New(cfg.Archive.Codec, cfg.Archive.Tool, cfg.Archive.Level, cfg.Archive.Timeout, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	mode, _ := staging.ParseMode(cfg.StageMode)
	policy, _ := staging.ParsePolicy(cfg.OutsideRoot)

	base := []Option{
		WithLogger(logger),
		WithWorkspace(cfg.Workspace),
		WithTempDir(cfg.TempDir),
		WithStageMode(mode),
		WithOutsideRootPolicy(policy),
		WithTransferTimeout(cfg.TransferTimeout),
	}
	c, err := New(backend, codec, append(base, opts...)...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return c, nil
}

func newBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backends.Backend, error) {
	switch cfg.Backend {
	case config.BackendS3:
		return backends.NewS3(ctx, backends.S3Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		}, logger)
	case config.BackendMemory:
		return backends.NewMemory(), nil
	default:
		return backends.NewHTTP(cfg.API, cfg.Token,
			backends.WithTeam(cfg.Team),
			backends.WithLogger(logger),
			backends.WithHTTPClient(&http.Client{}),
		)
	}
}

// Probe resolves primary and fallbacks without downloading anything.
func (c *Client) Probe(ctx context.Context, primary string, fallbacks []string) (Match, bool) {
	return c.resolver.Resolve(ctx, primary, fallbacks)
}

// Workspace returns the directory the client saves from and restores into.
func (c *Client) Workspace() string {
	return c.workspace
}

// Close releases the backend.
func (c *Client) Close() error {
	return c.backend.Close()
}
