package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

func testParams() types.RetryParams {
	return types.RetryParams{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
	}
}

func TestBackoff(t *testing.T) {
	p := New(testParams())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 60, want: time.Second},
		{attempt: 5000, want: time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	params := testParams()
	params.Multiplier = 1.7
	p := New(params)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, params.MaxDelay)
		prev = d
	}
}

func TestDecide_GivesUpAtMaxAttempts(t *testing.T) {
	p := New(testParams())

	for attempt := 1; attempt < 5; attempt++ {
		assert.True(t, p.Decide(attempt, types.KindTransient).Retry, "attempt %d", attempt)
	}
	assert.False(t, p.Decide(5, types.KindTransient).Retry)
	assert.False(t, p.Decide(6, types.KindTimeout).Retry)
}

func TestDecide_NonRetryableKinds(t *testing.T) {
	p := New(testParams())

	for _, kind := range []types.ErrorKind{types.KindPermanent, types.KindUnauthorized, types.KindMalformed} {
		d := p.Decide(1, kind)
		assert.False(t, d.Retry, "kind %s", kind)
		assert.Zero(t, d.Delay)
	}
	for _, kind := range []types.ErrorKind{types.KindTransient, types.KindTimeout, types.KindRateLimited} {
		assert.True(t, p.Decide(1, kind).Retry, "kind %s", kind)
	}
}

func TestDecide_JitterBounds(t *testing.T) {
	p := New(testParams())

	low, high := p, p
	low.Rand = func() float64 { return 0 }
	high.Rand = func() float64 { return 0.999999 }

	assert.Equal(t, 160*time.Millisecond, low.Decide(2, types.KindTransient).Delay)
	assert.InDelta(t, float64(240*time.Millisecond), float64(high.Decide(2, types.KindTransient).Delay), float64(time.Millisecond))

	// jitter never pushes the delay beyond MaxDelay
	assert.Equal(t, time.Second, high.Decide(4, types.KindTransient).Delay)
}

func TestDecide_RandomJitterWithinTwentyPercent(t *testing.T) {
	p := New(testParams())
	for i := 0; i < 500; i++ {
		d := p.Decide(3, types.KindTransient).Delay
		assert.GreaterOrEqual(t, d, 320*time.Millisecond)
		assert.LessOrEqual(t, d, 480*time.Millisecond)
	}
}
