package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/richardartoul/artifactcache/backends"
	"github.com/richardartoul/artifactcache/pkg/archive"
	"github.com/richardartoul/artifactcache/pkg/cacheerr"
	"github.com/richardartoul/artifactcache/pkg/staging"
)

// Backend names.
const (
	BackendHTTP   = "http"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config is everything the cache client needs from its environment.
type Config struct {
	API     string `yaml:"api"`
	Token   string `yaml:"token"`
	Team    string `yaml:"team"`
	Backend string `yaml:"backend"`

	S3 S3Config `yaml:"s3"`

	Workspace   string        `yaml:"workspace"`
	TempDir     string        `yaml:"temp_dir"`
	StageMode   string        `yaml:"stage_mode"`
	OutsideRoot string        `yaml:"outside_root"`
	Archive     ArchiveConfig `yaml:"archive"`

	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	SaveIf          bool          `yaml:"save_if"`

	// LockDir, when set, serializes saves of one key across processes on
	// this machine with file locks.
	LockDir string `yaml:"lock_dir"`
}

// S3Config selects the bucket for the s3 backend.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// ArchiveConfig selects and bounds the archive codec.
type ArchiveConfig struct {
	Codec   string        `yaml:"codec"`
	Tool    string        `yaml:"tool"`
	Level   string        `yaml:"level"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		API:         backends.DefaultAPI,
		Backend:     BackendHTTP,
		StageMode:   string(staging.ModeMove),
		OutsideRoot: string(staging.PolicyReject),
		Archive: ArchiveConfig{
			Codec:   archive.CodecLibrary,
			Tool:    archive.DefaultTool,
			Timeout: archive.DefaultTimeout,
		},
		TransferTimeout: 30 * time.Minute,
		SaveIf:          true,
	}
}

// Load builds the effective config by merging: defaults <- file <- env.
// An empty path skips the file; a missing file is an error only when the
// path was given explicitly.
func Load(path string) (Config, error) {
	return LoadWith(path, os.Getenv)
}

// LoadWith is Load with an injectable environment lookup.
func LoadWith(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Config{}, &cacheerr.ConfigurationError{Field: "config", Reason: fmt.Sprintf("%s does not exist", path)}
			}
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, &cacheerr.ConfigurationError{Field: "config", Reason: fmt.Sprintf("parsing %s: %v", path, err)}
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(dst *string, names ...string) {
		for _, name := range names {
			if v := getenv(name); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&cfg.API, "ARTIFACTCACHE_API", "TURBO_API")
	str(&cfg.Token, "ARTIFACTCACHE_TOKEN", "TURBO_TOKEN")
	str(&cfg.Team, "ARTIFACTCACHE_TEAM", "TURBO_TEAM")
	str(&cfg.Backend, "ARTIFACTCACHE_BACKEND")
	str(&cfg.S3.Bucket, "ARTIFACTCACHE_S3_BUCKET")
	str(&cfg.S3.Prefix, "ARTIFACTCACHE_S3_PREFIX")
	str(&cfg.S3.Region, "ARTIFACTCACHE_S3_REGION", "AWS_REGION")
	str(&cfg.S3.Endpoint, "ARTIFACTCACHE_S3_ENDPOINT")
	str(&cfg.Workspace, "ARTIFACTCACHE_WORKSPACE")
	str(&cfg.TempDir, "ARTIFACTCACHE_TEMP_DIR")
	str(&cfg.StageMode, "ARTIFACTCACHE_STAGE_MODE")
	str(&cfg.OutsideRoot, "ARTIFACTCACHE_OUTSIDE_ROOT")
	str(&cfg.Archive.Codec, "ARTIFACTCACHE_CODEC")
	str(&cfg.Archive.Tool, "ARTIFACTCACHE_TAR")
	str(&cfg.Archive.Level, "ARTIFACTCACHE_LEVEL")
	str(&cfg.LockDir, "ARTIFACTCACHE_LOCK_DIR")

	durations := map[string]*time.Duration{
		"ARTIFACTCACHE_ARCHIVE_TIMEOUT":  &cfg.Archive.Timeout,
		"ARTIFACTCACHE_TRANSFER_TIMEOUT": &cfg.TransferTimeout,
	}
	for name, dst := range durations {
		v := getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &cacheerr.ConfigurationError{Field: name, Reason: err.Error()}
		}
		*dst = d
	}

	if v := getenv("ARTIFACTCACHE_SAVE_IF"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &cacheerr.ConfigurationError{Field: "ARTIFACTCACHE_SAVE_IF", Reason: err.Error()}
		}
		cfg.SaveIf = b
	}
	return nil
}

// Validate checks the config once, before any cache operation.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.Token == "" {
			return &cacheerr.ConfigurationError{Field: "token", Reason: "TURBO_TOKEN env is missing"}
		}
		if c.API == "" {
			return &cacheerr.ConfigurationError{Field: "api", Reason: "required"}
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return &cacheerr.ConfigurationError{Field: "s3.bucket", Reason: "required"}
		}
	case BackendMemory:
	default:
		return &cacheerr.ConfigurationError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q", c.Backend)}
	}

	if _, err := staging.ParseMode(c.StageMode); err != nil {
		return err
	}
	if _, err := staging.ParsePolicy(c.OutsideRoot); err != nil {
		return err
	}
	switch c.Archive.Codec {
	case "", archive.CodecLibrary, archive.CodecTar:
	default:
		return &cacheerr.ConfigurationError{Field: "archive.codec", Reason: fmt.Sprintf("unknown codec %q", c.Archive.Codec)}
	}
	if c.Archive.Timeout <= 0 {
		return &cacheerr.ConfigurationError{Field: "archive.timeout", Reason: "must be positive"}
	}
	if c.TransferTimeout <= 0 {
		return &cacheerr.ConfigurationError{Field: "transfer_timeout", Reason: "must be positive"}
	}
	return nil
}
