package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/richardartoul/artifactcache/pkg/cache"
	"github.com/richardartoul/artifactcache/pkg/cacheerr"
	"github.com/richardartoul/artifactcache/pkg/config"
	"github.com/richardartoul/artifactcache/pkg/locking"
	"github.com/richardartoul/artifactcache/pkg/metrics"
)

const version = "0.3.0"

// Exit codes.
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitUsageError   = 2
)

// restoredKeyEnv holds the key an earlier restore step matched. A save for
// the same key has nothing new to upload.
const restoredKeyEnv = "ARTIFACTCACHE_RESTORED_KEY"

// app holds the global flags and process environment of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	configPath      string
	debug           bool
	metricsTextfile string

	// newClient is replaced in tests.
	newClient func(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...cache.Option) (*cache.Client, error)

	logger   *slog.Logger
	ran      bool
	latency  *metrics.LatencyTracker
	outcomes *metrics.Outcomes
}

func newApp(stdout, stderr io.Writer, getenv func(string) string) *app {
	return &app{
		stdout:    stdout,
		stderr:    stderr,
		getenv:    getenv,
		newClient: cache.NewFromConfig,
		latency:   metrics.NewLatencyTracker(0.01),
		outcomes:  metrics.NewOutcomes("artifactcache"),
	}
}

// run executes args and returns the process exit code.
func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return ExitSuccess
	case cacheerr.IsConfiguration(err):
		fmt.Fprintf(a.stderr, "configuration error: %v\n", err)
		return ExitUsageError
	case !a.ran:
		// Flag, argument and unknown command errors never reach RunE.
		fmt.Fprintf(a.stderr, "error: %v\nRun 'artifactcache --help' for usage.\n", err)
		return ExitUsageError
	default:
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return ExitRuntimeError
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "artifactcache",
		Short:         "Save and restore build outputs in a remote artifact cache",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if a.debug {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	flags.BoolVar(&a.debug, "debug", false, "enable debug logging and backend call tracing")
	flags.StringVar(&a.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(a.saveCmd(), a.restoreCmd(), a.probeCmd(), a.versionCmd())
	return root
}

func (a *app) saveCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "save --key KEY PATH...",
		Short: "Pack PATHs and upload them under KEY unless KEY is already cached",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, paths []string) error {
			a.ran = true
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.SaveIf {
				a.logger.Info("save_if is false, not saving")
				return nil
			}

			var res cache.Result
			if restored := a.getenv(restoredKeyEnv); restored != "" && restored == key {
				a.logger.Info("cache hit occurred on the primary key, not saving cache", "key", key)
				res = cache.Result{Outcome: cache.OutcomeAlreadyCached, Key: key, Exact: true, State: cache.StateDone}
			} else {
				client, err := a.client(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer client.Close()
				res = client.Save(cmd.Context(), paths, key)
			}
			return a.finish("save", res)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "cache key to save under")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func (a *app) restoreCmd() *cobra.Command {
	var (
		key         string
		restoreKeys []string
	)
	cmd := &cobra.Command{
		Use:   "restore --key KEY [--restore-key KEY]...",
		Short: "Restore the artifact for the first of KEY and the restore keys that is cached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ran = true
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			client, err := a.client(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			return a.finish("restore", client.Restore(cmd.Context(), key, restoreKeys))
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "primary cache key")
	cmd.Flags().StringArrayVar(&restoreKeys, "restore-key", nil, "fallback key, most specific first (repeatable)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func (a *app) probeCmd() *cobra.Command {
	var (
		key         string
		restoreKeys []string
	)
	cmd := &cobra.Command{
		Use:   "probe --key KEY [--restore-key KEY]...",
		Short: "Report which key would be restored without downloading it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ran = true
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			client, err := a.client(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			start := time.Now()
			match, ok := client.Probe(cmd.Context(), key, restoreKeys)
			res := cache.Result{Outcome: cache.OutcomeFullMiss, State: cache.StateDone, Duration: time.Since(start)}
			if ok {
				res.Outcome = cache.OutcomeHit
				res.Key = match.Key
				res.Tier = match.Tier
				res.Exact = match.Tier == 0
			}
			return a.finish("probe", res)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "primary cache key")
	cmd.Flags().StringArrayVar(&restoreKeys, "restore-key", nil, "fallback key, most specific first (repeatable)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print artifactcache version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "artifactcache version %s\n", version)
		},
	}
}

func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.LoadWith(a.configPath, a.getenv)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (a *app) client(ctx context.Context, cfg config.Config) (*cache.Client, error) {
	var locks locking.Group = locking.NewMemLock()
	if cfg.LockDir != "" {
		fl, err := locking.NewFileLock(cfg.LockDir)
		if err != nil {
			return nil, err
		}
		locks = fl
	}
	return a.newClient(ctx, cfg, a.logger,
		cache.WithDebugBackend(a.debug),
		cache.WithLatency(a.latency),
		cache.WithOutcomes(a.outcomes),
		cache.WithKeyLocks(locks),
	)
}

// finish reports res on stdout and to GitHub Actions, writes metrics and
// logs the latency summary. Errors inside res are not returned: a cache
// failure never fails the build.
func (a *app) finish(command string, res cache.Result) error {
	report := newReport(command, res)
	if err := NewReporter(a.stdout).Send(report); err != nil {
		return err
	}

	if path := a.getenv("GITHUB_OUTPUT"); path != "" {
		if err := appendGitHubOutput(path, githubOutputs(report)); err != nil {
			a.logger.Warn("failed to write step outputs", "error", err)
		}
	}
	if a.metricsTextfile != "" {
		if err := a.outcomes.WriteTextfile(a.metricsTextfile); err != nil {
			a.logger.Warn("failed to write metrics textfile", "path", a.metricsTextfile, "error", err)
		}
	}
	if a.debug {
		a.latency.LogSummary(a.logger)
	}
	return nil
}
