package types

import (
	"errors"
	"fmt"
	"strings"
)

// Validate 檢查 JobSpec 是否符合不變式，違反時回傳包裝 ErrConfiguration 的錯誤
func (s JobSpec) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(s.ID) == "" {
		add("job id is required")
	}
	if s.Start.IsZero() || s.End.IsZero() {
		add("start and end dates are required")
	} else if TruncateDate(s.End).Before(TruncateDate(s.Start)) {
		add("start %s is after end %s", s.Start.Format(DateLayout), s.End.Format(DateLayout))
	}
	if s.BatchSize < 1 {
		add("batch_size must be >= 1, got %d", s.BatchSize)
	}
	if s.MaxConcurrency < 1 {
		add("max_concurrency must be >= 1, got %d", s.MaxConcurrency)
	}

	seen := make(map[string]struct{}, len(s.Entities))
	for _, e := range s.Entities {
		if strings.TrimSpace(e) == "" {
			add("entity keys must not be empty")
			continue
		}
		if _, dup := seen[e]; dup {
			add("duplicate entity %q", e)
		}
		seen[e] = struct{}{}
	}

	switch s.Axis {
	case "", AxisTime, AxisEntity:
	default:
		add("unknown partition axis %q", s.Axis)
	}
	if s.BatchTimeout < 0 {
		add("batch_timeout must not be negative")
	}

	if err := s.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := s.RateLimit.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: job %q: %w", ErrConfiguration, s.ID, errors.Join(errs...))
}

// Validate 檢查重試參數
func (p RetryParams) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", p.MaxAttempts)
	case p.BaseDelay <= 0:
		return fmt.Errorf("retry.base_delay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("retry.max_delay %s is below base_delay %s", p.MaxDelay, p.BaseDelay)
	case p.Multiplier < 1:
		return fmt.Errorf("retry.multiplier must be >= 1, got %g", p.Multiplier)
	}
	return nil
}

// Validate 檢查限流參數
func (r RateLimit) Validate() error {
	switch {
	case r.Requests < 1:
		return fmt.Errorf("rate_limit.requests must be >= 1, got %d", r.Requests)
	case r.Window <= 0:
		return fmt.Errorf("rate_limit.window must be positive")
	}
	return nil
}
