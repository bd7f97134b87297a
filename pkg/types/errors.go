package types

import (
	"context"
	"errors"
	"fmt"
)

// ============================================================================
// Error taxonomy
//
//   ErrConfiguration     invalid JobSpec / limiter parameters, fatal at job start
//   ProcessingError      failure of the processing function, classified by Kind
//   ErrInvalidTransition checkpoint state machine violation, fatal engine error
//   ErrStoreUnavailable  checkpoint backend unreachable, dispatch is suspended
// ============================================================================

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrInvalidTransition = errors.New("invalid batch state transition")
	ErrStoreUnavailable  = errors.New("checkpoint store unavailable")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobRunning        = errors.New("job is already running")
)

// ErrorKind classifies a processing failure.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"
	KindTimeout      ErrorKind = "timeout"
	KindRateLimited  ErrorKind = "rate_limited"
	KindPermanent    ErrorKind = "permanent"
	KindUnauthorized ErrorKind = "unauthorized"
	KindMalformed    ErrorKind = "malformed"
)

// Retryable reports whether failures of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

// ProcessingError is returned by processing functions.
type ProcessingError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ProcessingError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Transient builds a retryable processing error.
func Transient(format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: KindTransient, Message: fmt.Sprintf(format, args...)}
}

// Permanent builds a processing error that is never retried.
func Permanent(format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: KindPermanent, Message: fmt.Sprintf(format, args...)}
}

// AsProcessingError classifies an arbitrary error returned from a processing
// function. Unclassified errors are treated as transient.
func AsProcessingError(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProcessingError{Kind: KindTimeout, Message: "batch timed out", Err: err}
	}
	if errors.Is(err, ErrConfiguration) {
		return &ProcessingError{Kind: KindMalformed, Err: err}
	}
	return &ProcessingError{Kind: KindTransient, Err: err}
}

// Fatal reports whether err must abort the whole run.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrInvalidTransition)
}
