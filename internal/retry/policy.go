// Package retry decides whether a failed batch is retried and after how long.
//
// The policy is a pure decision function called explicitly by the
// coordinator; it never sleeps or executes anything itself.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// DefaultJitter is the relative jitter applied around the backoff delay.
const DefaultJitter = 0.2

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy computes retry decisions from a job's retry parameters.
type Policy struct {
	Params types.RetryParams
	Jitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// New returns a policy with the default ±20% jitter.
func New(params types.RetryParams) Policy {
	return Policy{Params: params, Jitter: DefaultJitter}
}

// Backoff returns min(MaxDelay, BaseDelay * Multiplier^(attempt-1)) without
// jitter. It is non-decreasing in attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Params.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Params.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if math.IsInf(d, 0) || d > float64(p.Params.MaxDelay) {
		return p.Params.MaxDelay
	}
	return time.Duration(d)
}

// Decide returns whether a batch that has failed attempt times with the given
// kind should run again, and after which delay.
func (p Policy) Decide(attempt int, kind types.ErrorKind) Decision {
	if !p.Eligible(attempt, kind) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.jittered(p.Backoff(attempt))}
}

// Eligible reports whether a failure may be retried at all, ignoring delay.
func (p Policy) Eligible(attempt int, kind types.ErrorKind) bool {
	return kind.Retryable() && attempt < p.Params.MaxAttempts
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	// uniform in [-Jitter, +Jitter)
	factor := 1 + p.Jitter*(2*r()-1)
	out := time.Duration(float64(d) * factor)
	if out > p.Params.MaxDelay {
		out = p.Params.MaxDelay
	}
	if out < 0 {
		out = 0
	}
	return out
}
