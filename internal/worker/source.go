// ============================================================================
// Beaver-Backfill Task Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for claiming batches and reporting results.
//
// The pool never decides what to run. Each executor pulls from a Source,
// which owns the pending queue, the checkpoint claims and the retry policy.
// This keeps at-most-one-in-flight a property of the Source (backed by the
// checkpoint store's CAS), not of the pool.
//
// ============================================================================

package worker

import "context"

// Source hands out claimed batches and receives their outcomes.
type Source interface {
	// Next blocks until a batch has been claimed for the caller, or until no
	// work remains.
	//
	// Returns:
	//   - Task: the claimed batch (already in_progress in the checkpoint store)
	//   - bool: false when the executor should exit
	//   - error: a fatal error; the pool stops pulling
	Next(ctx context.Context) (Task, bool, error)

	// Report records the outcome of a task returned by Next. Every task
	// returned by Next is reported exactly once. A non-nil error is fatal.
	Report(ctx context.Context, result Result) error
}
