// ============================================================================
// Beaver-Backfill Worker - Batch Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One executor of the pool, running in its own goroutine
//
// Execution loop:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  for {                                   │
//   │    task := source.Next(ctx)   (claimed)  │
//   │    limiter.Acquire(ctx, tokens)          │
//   │    processor.Process(batchCtx, batch)    │
//   │    source.Report(result)                 │
//   │  }                                       │
//   └──────────────────────────────────────────┘
//
// Cancellation:
//   ctx stops pulling and interrupts a limiter wait (the task is then
//   reported as Released). A batch already inside Process keeps running on a
//   context detached from ctx, bounded only by the task timeout, so a
//   cancelled job never leaves a half-written batch behind.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run pulls tasks until the source is exhausted or a fatal error occurs.
func (w *Worker) Run(ctx context.Context, src Source) error {
	for {
		task, ok, err := src.Next(ctx)
		if err != nil {
			return fmt.Errorf("worker %d: next: %w", w.id, err)
		}
		if !ok {
			return nil
		}

		result, fatal := w.execute(ctx, task)
		if err := src.Report(context.WithoutCancel(ctx), result); err != nil {
			return fmt.Errorf("worker %d: report %s: %w", w.id, task.Batch.ID, err)
		}
		if fatal != nil {
			return fatal
		}
	}
}

// execute runs one claimed task. The second return value is a fatal error
// (the limiter can never satisfy the request) that must stop the pool after
// the task has been reported.
func (w *Worker) execute(ctx context.Context, task Task) (Result, error) {
	p := w.pool
	result := Result{Task: task, WorkerID: w.id}

	tokens := max(task.Tokens, 1)
	waitStart := time.Now()
	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx, tokens); err != nil {
			result.Released = true
			result.Waited = time.Since(waitStart)
			if types.Fatal(err) {
				return result, err
			}
			return result, nil
		}
	}
	result.Waited = time.Since(waitStart)

	spanCtx, span := p.tracer.Start(context.WithoutCancel(ctx), "backfill.batch",
		trace.WithAttributes(
			attribute.String("backfill.job_id", task.Batch.JobID),
			attribute.String("backfill.batch_id", task.Batch.ID),
			attribute.Int("backfill.attempt", task.Attempt),
			attribute.Int("backfill.entities", len(task.Batch.Entities)),
		))
	defer span.End()

	runCtx, cancel := spanCtx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(spanCtx, task.Timeout)
	}

	p.active.Add(1)
	start := time.Now()
	err := w.process(runCtx, task.Batch)
	result.Duration = time.Since(start)
	p.active.Add(-1)
	cancel()

	if err != nil {
		result.Err = types.AsProcessingError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result.Err.Kind))
		p.logger.Debug("batch failed",
			"worker", w.id,
			"batch", task.Batch.ID,
			"attempt", task.Attempt,
			"kind", result.Err.Kind,
			"error", err)
	}
	return result, nil
}

// process invokes the processor, converting a panic into a permanent failure.
func (w *Worker) process(ctx context.Context, batch types.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("processor panic", "worker", w.id, "batch", batch.ID, "panic", r)
			err = &types.ProcessingError{Kind: types.KindPermanent, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	err = w.pool.processor.Process(ctx, batch)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// finished after the batch timeout
		err = ctx.Err()
	}
	return err
}
