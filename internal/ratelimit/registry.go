package ratelimit

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// Registry hands out limiters keyed by resource name so that jobs hitting the
// same external API share one quota.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	opts     []Option
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Options apply to every limiter it
// creates.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		limiters: make(map[string]*Limiter),
		opts:     opts,
		logger:   logger,
	}
}

// Get returns the limiter for cfg.Resource, creating it on first use. An
// empty resource name yields a private limiter. The first registration of a
// resource fixes its parameters.
func (r *Registry) Get(cfg types.RateLimit) (*Limiter, error) {
	if cfg.Resource == "" {
		return New(cfg, r.opts...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[cfg.Resource]; ok {
		if l.capacity != cfg.Requests || l.window != cfg.Window {
			r.logger.Warn("rate limit mismatch for shared resource, keeping first registration",
				"resource", cfg.Resource,
				"requests", l.capacity, "window", l.window,
				"ignored_requests", cfg.Requests, "ignored_window", cfg.Window)
		}
		return l, nil
	}
	l, err := New(cfg, r.opts...)
	if err != nil {
		return nil, err
	}
	r.limiters[cfg.Resource] = l
	return l, nil
}
