package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/richardartoul/artifactcache/backends"
)

// Match is a key that has a stored artifact.
type Match struct {
	Key string
	// Tier is 0 for the primary key and n for the n-th fallback key.
	Tier int
}

// KeyResolver finds the most specific stored key among a primary key and
// ordered fallback keys by probing Backend.Exists in order.
type KeyResolver struct {
	backend backends.Backend
	timeout time.Duration
	logger  *slog.Logger
}

// NewKeyResolver creates a resolver probing backend. Each probe is bounded by
// timeout; zero means DefaultProbeTimeout.
func NewKeyResolver(backend backends.Backend, timeout time.Duration, logger *slog.Logger) *KeyResolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &KeyResolver{backend: backend, timeout: timeout, logger: logger}
}

// Resolve probes primary, then each fallback in listed order, and returns the
// first key that exists. Empty and repeated keys are not probed. The first
// listed hit always wins, so fallbacks must go from most to least specific.
func (r *KeyResolver) Resolve(ctx context.Context, primary string, fallbacks []string) (Match, bool) {
	keys := append([]string{primary}, fallbacks...)
	r.logger.Debug("checking restore keys", "keys", keys)

	probed := make(map[string]struct{}, len(keys))
	for tier, key := range keys {
		if key == "" {
			continue
		}
		if _, dup := probed[key]; dup {
			continue
		}
		probed[key] = struct{}{}

		if err := ctx.Err(); err != nil {
			r.logger.Debug("key probing cancelled", "error", err)
			return Match{}, false
		}
		if r.exists(ctx, key) {
			return Match{Key: key, Tier: tier}, true
		}
		r.logger.Info("key had cache miss", "key", key)
	}
	return Match{}, false
}

// exists probes one key. A probe that runs out of time counts as a miss.
func (r *KeyResolver) exists(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.backend.Exists(ctx, key)
}
