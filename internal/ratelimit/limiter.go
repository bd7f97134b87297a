// ============================================================================
// Beaver-Backfill Rate Limiter - 外部資源的請求配額
// ============================================================================
//
// Package: internal/ratelimit
// File: limiter.go
// Purpose: Bound the request rate against one external resource.
//
// Two mechanisms are combined under a single mutex:
//
//   1. token bucket (golang.org/x/time/rate), burst = Requests,
//      continuous refill at Requests/Window
//   2. sliding admission log: a request is admitted only if the last Window
//      holds at most Requests-n earlier admissions
//
// The bucket alone admits up to 2x capacity inside one window (a full burst
// right before and the refill right after). The log closes that gap so any
// interval of length Window admits at most Requests tokens.
//
// Tokens are requested in one step: Acquire(ctx, n) either takes all n or
// none, so concurrent callers never deadlock on partial grants.
// ============================================================================

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

const minWait = time.Millisecond

// Limiter is a blocking rate limiter safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	capacity int
	window   time.Duration
	admitted []time.Time // one entry per admitted token, oldest first

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock and the sleep function, mainly for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// New creates a limiter admitting at most cfg.Requests tokens per cfg.Window.
func New(cfg types.RateLimit, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrConfiguration, err)
	}
	every := rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds())
	l := &Limiter{
		bucket:   rate.NewLimiter(every, cfg.Requests),
		capacity: cfg.Requests,
		window:   cfg.Window,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Capacity returns the maximum number of tokens per window.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Acquire blocks until n tokens are available and consumes them atomically.
// It returns ErrConfiguration if n can never be satisfied and ctx.Err() if
// the context ends first.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > l.capacity {
		return fmt.Errorf("%w: requested %d tokens, capacity is %d", types.ErrConfiguration, n, l.capacity)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := l.tryAcquire(n)
		if wait == 0 {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAcquire admits n tokens and returns 0, or returns how long to wait
// before trying again.
func (l *Limiter) tryAcquire(n int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if over := len(l.admitted) + n - l.capacity; over > 0 {
		// wait until enough of the oldest admissions leave the window
		expires := l.admitted[over-1].Add(l.window)
		return max(expires.Sub(now), minWait)
	}
	if !l.bucket.AllowN(now, n) {
		missing := float64(n) - l.bucket.TokensAt(now)
		wait := time.Duration(missing / float64(l.bucket.Limit()) * float64(time.Second))
		return max(wait, minWait)
	}
	for i := 0; i < n; i++ {
		l.admitted = append(l.admitted, now)
	}
	return 0
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.admitted) && !l.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
