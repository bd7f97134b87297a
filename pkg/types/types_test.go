package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() JobSpec {
	return JobSpec{
		ID:             "btc-2024",
		Entities:       []string{"BTC", "ETH"},
		Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		BatchSize:      5,
		MaxConcurrency: 2,
		Retry:          RetryParams{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		RateLimit:      RateLimit{Requests: 10, Window: time.Second},
	}
}

func TestJobSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*JobSpec)
		wantErr bool
	}{
		{name: "valid spec", mutate: func(*JobSpec) {}},
		{name: "single day range", mutate: func(s *JobSpec) { s.End = s.Start }},
		{name: "empty entity set is allowed", mutate: func(s *JobSpec) { s.Entities = nil }},
		{name: "missing id", mutate: func(s *JobSpec) { s.ID = " " }, wantErr: true},
		{name: "start after end", mutate: func(s *JobSpec) { s.Start, s.End = s.End, s.Start }, wantErr: true},
		{name: "zero batch size", mutate: func(s *JobSpec) { s.BatchSize = 0 }, wantErr: true},
		{name: "zero concurrency", mutate: func(s *JobSpec) { s.MaxConcurrency = 0 }, wantErr: true},
		{name: "duplicate entity", mutate: func(s *JobSpec) { s.Entities = []string{"BTC", "BTC"} }, wantErr: true},
		{name: "unknown axis", mutate: func(s *JobSpec) { s.Axis = "diagonal" }, wantErr: true},
		{name: "zero max attempts", mutate: func(s *JobSpec) { s.Retry.MaxAttempts = 0 }, wantErr: true},
		{name: "max delay below base", mutate: func(s *JobSpec) { s.Retry.MaxDelay = 0 }, wantErr: true},
		{name: "multiplier below one", mutate: func(s *JobSpec) { s.Retry.Multiplier = 0.5 }, wantErr: true},
		{name: "zero rate limit", mutate: func(s *JobSpec) { s.RateLimit.Requests = 0 }, wantErr: true},
		{name: "zero window", mutate: func(s *JobSpec) { s.RateLimit.Window = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestJobSpecDays(t *testing.T) {
	spec := validSpec()
	assert.Equal(t, 10, spec.Days())

	spec.End = spec.Start
	assert.Equal(t, 1, spec.Days())

	spec.End = spec.Start.AddDate(0, 0, -1)
	assert.Equal(t, 0, spec.Days())
}

func TestAsProcessingError(t *testing.T) {
	assert.Nil(t, AsProcessingError(nil))

	pe := AsProcessingError(fmt.Errorf("load: %w", Permanent("schema violation")))
	assert.Equal(t, KindPermanent, pe.Kind)
	assert.False(t, pe.Kind.Retryable())

	pe = AsProcessingError(fmt.Errorf("fetch: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.True(t, pe.Kind.Retryable())

	pe = AsProcessingError(errors.New("connection reset"))
	assert.Equal(t, KindTransient, pe.Kind)
	assert.Contains(t, pe.Error(), "connection reset")
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(fmt.Errorf("x: %w", ErrInvalidTransition)))
	assert.True(t, Fatal(ErrConfiguration))
	assert.False(t, Fatal(ErrStoreUnavailable))
	assert.False(t, Fatal(Transient("flaky")))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, time.February, d.Month())

	_, err = ParseDate("29/02/2024")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunInitializing.Terminal())
	assert.False(t, RunRunning.Terminal())
	assert.True(t, RunCompleted.Terminal())
	assert.True(t, RunCompletedWithErrors.Terminal())
	assert.True(t, RunAborted.Terminal())
}
