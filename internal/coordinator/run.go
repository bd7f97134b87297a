package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/beaver-backfill/internal/partition"
	"github.com/ChuLiYu/beaver-backfill/internal/retry"
	"github.com/ChuLiYu/beaver-backfill/internal/worker"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// rateLimitedThreshold is the limiter wait above which an EventRateLimited is
// emitted.
const rateLimitedThreshold = time.Millisecond

// ============================================================================
// jobRun - 單次任務執行，實作 worker.Source
// ============================================================================
//
// 分派順序:
//   1. ready: 重試延遲已到期的批次（計時器放入，不佔用 worker）
//   2. next:  惰性 partition 序列（iter.Pull），跳過已成功或終止失敗的批次
//
// 計數:
//   claimed: 已認領但尚未回報的批次
//   waiting: 重試計時器尚未到期的批次
//   兩者皆為 0 且序列耗盡時，Next 返回 false，worker 退出。
// ============================================================================

type readyTask struct {
	batch   types.Batch
	attempt int
}

type jobRun struct {
	c         *Coordinator
	spec      types.JobSpec
	policy    retry.Policy
	timeout   time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
	processor worker.Processor // resolve 之後設定

	mu       sync.Mutex
	run      types.JobRun
	err      error                       // 致命錯誤
	states   map[string]types.BatchState // initializing 時載入的狀態
	ready    []readyTask
	next     func() (types.Batch, bool)
	stop     func()
	drained  bool
	claimed  int
	waiting  int
	timers   map[string]*time.Timer
	changed  chan struct{} // 狀態變化時關閉並替換
	finished bool
}

func newJobRun(c *Coordinator, spec types.JobSpec, cancel context.CancelFunc) *jobRun {
	policy := retry.New(spec.Retry)
	if c.rand != nil {
		policy.Rand = c.rand
	}
	timeout := spec.BatchTimeout
	if timeout <= 0 {
		timeout = c.cfg.TaskTimeout
	}
	return &jobRun{
		c:       c,
		spec:    spec,
		policy:  policy,
		timeout: timeout,
		cancel:  cancel,
		done:    make(chan struct{}),
		run:     types.JobRun{JobID: spec.ID, Status: types.RunInitializing},
		timers:  make(map[string]*time.Timer),
		changed: make(chan struct{}),
	}
}

// ============================================================================
// 生命週期
// ============================================================================

// execute 驅動任務從 initializing 到終止狀態
func (r *jobRun) execute(ctx context.Context) {
	defer close(r.done)
	log := r.c.logger.With("job", r.spec.ID)

	ctx, span := r.c.tracer.Start(ctx, "backfill.job", trace.WithAttributes(
		attribute.String("backfill.job_id", r.spec.ID),
		attribute.Int("backfill.entities", len(r.spec.Entities)),
		attribute.Int("backfill.days", r.spec.Days()),
	))
	defer span.End()

	processor, limiter, err := r.resolve()
	if err == nil {
		err = r.initialize(ctx)
	}
	if err != nil {
		r.finish(ctx, err)
		r.endSpan(span)
		return
	}

	r.mu.Lock()
	total, resumes := r.run.Total, r.run.Resumes
	r.mu.Unlock()
	log.Info("job started",
		"batches", total,
		"resumes", resumes,
		"workers", r.spec.MaxConcurrency)
	r.c.emit(types.Event{Type: types.EventJobStarted, JobID: r.spec.ID, Status: types.RunRunning})

	if total > 0 {
		pool := worker.NewPool(processor, limiter,
			worker.WithLogger(log),
			worker.WithTracer(r.c.tracer))
		if err = pool.Start(ctx, r.spec.MaxConcurrency, r); err == nil {
			err = pool.Wait()
		}
	}
	r.finish(ctx, err)
	r.endSpan(span)
}

func (r *jobRun) endSpan(span trace.Span) {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	span.SetAttributes(
		attribute.String("backfill.status", string(run.Status)),
		attribute.Int("backfill.succeeded", run.Succeeded),
		attribute.Int("backfill.failed", run.Failed))
	if run.Error != "" {
		span.SetStatus(codes.Error, run.Error)
	}
}

// resolve 取得處理函式與 limiter，失敗皆為設定錯誤
func (r *jobRun) resolve() (worker.Processor, worker.Limiter, error) {
	name := r.spec.Processor
	if name == "" {
		name = r.c.cfg.DefaultProcessor
	}
	processor, err := r.c.processors.Lookup(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: processor %q: %w", types.ErrConfiguration, name, err)
	}
	limiter, err := r.c.limiters.Get(r.spec.RateLimit)
	if err != nil {
		return nil, nil, err
	}
	// 第一個批次是最大的批次
	for b := range partition.Partition(r.spec) {
		if cost := worker.Cost(processor, b); cost > limiter.Capacity() {
			return nil, nil, fmt.Errorf("%w: batch %s needs %d requests but the rate limit allows %d per window",
				types.ErrConfiguration, b.ID, cost, limiter.Capacity())
		}
		break
	}
	r.processor = processor
	return processor, limiter, nil
}

// initialize 載入 checkpoint，重設可再執行的批次，並寫入 running 狀態
func (r *jobRun) initialize(ctx context.Context) error {
	store := r.c.store
	jobID := r.spec.ID

	var prev types.JobRun
	err := r.withStore(ctx, "summarize", "", func(ctx context.Context) error {
		var err error
		prev, err = store.Summarize(ctx, jobID)
		return err
	})
	if err != nil && !errors.Is(err, types.ErrJobNotFound) {
		return err
	}

	var states map[string]types.BatchState
	err = r.withStore(ctx, "load", "", func(ctx context.Context) error {
		var err error
		states, err = store.Load(ctx, jobID)
		return err
	})
	if err != nil {
		return err
	}

	crashed, retried := 0, 0
	for id, st := range states {
		switch {
		case st.Status == types.BatchInProgress:
			crashed++
		case st.Status == types.BatchFailed && r.policy.Eligible(st.Attempts-st.ResetBase, st.LastErrorKind):
			retried++
		default:
			continue
		}
		if err := r.withStore(ctx, "reset", id, func(ctx context.Context) error {
			return store.ResetPending(ctx, jobID, id)
		}); err != nil {
			return err
		}
		st.Status = types.BatchPending
		states[id] = st
	}

	now := r.c.now()
	r.mu.Lock()
	r.states = states
	r.run.Total = partition.Count(r.spec)
	r.run.Status = types.RunRunning
	r.run.StartedAt = now
	if !prev.StartedAt.IsZero() {
		r.run.StartedAt = prev.StartedAt
		r.run.Resumes = prev.Resumes + 1
	}
	r.next, r.stop = iter.Pull(partition.Partition(r.spec))
	run := r.run
	r.mu.Unlock()

	if crashed+retried > 0 {
		r.c.logger.Info("checkpoint recovered",
			"job", jobID,
			"known", len(states),
			"requeued_in_progress", crashed,
			"requeued_failed", retried)
	}
	return r.withStore(ctx, "put run", "", func(ctx context.Context) error {
		return store.PutRun(ctx, run)
	})
}

// finish 計算終止狀態並持久化
func (r *jobRun) finish(ctx context.Context, fatal error) {
	r.mu.Lock()
	r.finished = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	if r.stop != nil {
		r.stop()
	}
	if fatal == nil {
		fatal = r.err
	}
	r.err = fatal
	base := r.run
	r.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	run := base
	if base.Status != types.RunInitializing {
		summary, err := r.summarize(bg)
		if err != nil && fatal == nil {
			fatal = err
		}
		if err == nil {
			run = summary
			run.StartedAt, run.Resumes, run.Total = base.StartedAt, base.Resumes, base.Total
		}
	}

	// 取消造成的 store 等待中斷不算致命錯誤
	if ctx.Err() != nil && errors.Is(fatal, context.Canceled) {
		fatal = nil
	}
	switch {
	case fatal != nil:
		run.Status = types.RunAborted
		run.Error = fatal.Error()
	case base.Status == types.RunInitializing:
		run.Status = types.RunAborted
	case run.Succeeded == run.Total:
		run.Status = types.RunCompleted
	case run.Succeeded+run.Failed == run.Total:
		run.Status = types.RunCompletedWithErrors
	case ctx.Err() != nil:
		run.Status = types.RunAborted
	default:
		run.Status = types.RunAborted
		run.Error = fmt.Sprintf("%d batches left unfinished", run.Total-run.Succeeded-run.Failed)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = r.c.now()
	}
	ended := r.c.now()
	run.EndedAt = &ended

	if base.Status != types.RunInitializing {
		if err := r.withStore(bg, "put run", "", func(ctx context.Context) error {
			return r.c.store.PutRun(ctx, run)
		}); err != nil {
			r.c.logger.Error("failed to persist final run", "job", run.JobID, "error", err)
		}
	}

	r.mu.Lock()
	r.err = fatal
	r.run = run
	r.mu.Unlock()

	attrs := []any{
		"job", run.JobID,
		"status", run.Status,
		"succeeded", run.Succeeded,
		"failed", run.Failed,
		"total", run.Total,
		"duration", ended.Sub(run.StartedAt),
	}
	if fatal != nil {
		r.c.logger.Error("job aborted", append(attrs, "error", fatal)...)
	} else {
		r.c.logger.Info("job finished", attrs...)
	}
	r.c.emit(types.Event{
		Type:     types.EventJobFinished,
		JobID:    run.JobID,
		Status:   run.Status,
		Duration: ended.Sub(run.StartedAt),
	})
}

func (r *jobRun) summarize(ctx context.Context) (types.JobRun, error) {
	var run types.JobRun
	err := r.withStore(ctx, "summarize", "", func(ctx context.Context) error {
		var err error
		run, err = r.c.store.Summarize(ctx, r.spec.ID)
		return err
	})
	return run, err
}

// ============================================================================
// 狀態查詢
// ============================================================================

func (r *jobRun) terminal() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *jobRun) final() (types.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run, r.err
}

func (r *jobRun) snapshot() types.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}

// live 由 store 重新統計執行中任務的批次數
func (r *jobRun) live(ctx context.Context) (types.JobRun, error) {
	base := r.snapshot()
	if base.Status == types.RunInitializing {
		return base, nil
	}
	run, err := r.c.store.Summarize(ctx, r.spec.ID)
	if err != nil {
		return base, err
	}
	run.Status = base.Status
	return run, nil
}

// ============================================================================
// worker.Source 實作
// ============================================================================

// broadcast 喚醒所有在 Next 中等待的 worker，呼叫者須持有 mu
func (r *jobRun) broadcast() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Next 認領下一個批次，沒有剩餘工作時返回 false
func (r *jobRun) Next(ctx context.Context) (worker.Task, bool, error) {
	for {
		r.mu.Lock()
		if ctx.Err() != nil || r.err != nil {
			r.mu.Unlock()
			return worker.Task{}, false, nil
		}

		rt, ok := r.pickLocked()
		if !ok {
			if r.claimed == 0 && r.waiting == 0 {
				r.mu.Unlock()
				return worker.Task{}, false, nil
			}
			// 等待執行中的批次回報（可能產生重試）或重試計時器到期
			ch := r.changed
			r.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
			}
			continue
		}
		r.claimed++
		r.mu.Unlock()

		task, err := r.claim(ctx, rt)
		if err != nil {
			r.mu.Lock()
			r.claimed--
			if errors.Is(err, context.Canceled) {
				// 取消時 store 仍在重試，批次維持 pending
				r.broadcast()
				r.mu.Unlock()
				return worker.Task{}, false, nil
			}
			if r.err == nil {
				r.err = err
			}
			r.broadcast()
			r.mu.Unlock()
			return worker.Task{}, false, err
		}
		return task, true, nil
	}
}

// pickLocked 依序從 ready 隊列與 partition 序列取出下一個可執行批次
func (r *jobRun) pickLocked() (readyTask, bool) {
	if len(r.ready) > 0 {
		rt := r.ready[0]
		r.ready = r.ready[1:]
		return rt, true
	}
	for !r.drained {
		b, ok := r.next()
		if !ok {
			r.drained = true
			break
		}
		st, known := r.states[b.ID]
		if known && st.Status != types.BatchPending {
			continue
		}
		return readyTask{batch: b, attempt: st.Attempts + 1}, true
	}
	return readyTask{}, false
}

func (r *jobRun) claim(ctx context.Context, rt readyTask) (worker.Task, error) {
	b := rt.batch
	err := r.withStore(ctx, "dispatch", b.ID, func(ctx context.Context) error {
		return r.c.store.RecordDispatch(ctx, r.spec.ID, b.ID)
	})
	if err != nil {
		return worker.Task{}, err
	}
	r.c.emit(types.Event{Type: types.EventBatchDispatch, JobID: r.spec.ID, BatchID: b.ID, Attempt: rt.attempt})
	return worker.Task{Batch: b, Attempt: rt.attempt, Timeout: r.timeout, Tokens: worker.Cost(r.processor, b)}, nil
}

// Report 記錄批次結果並依重試策略決定後續
func (r *jobRun) Report(ctx context.Context, res worker.Result) error {
	err := r.report(ctx, res)

	r.mu.Lock()
	r.claimed--
	if err != nil && r.err == nil {
		r.err = err
	}
	r.broadcast()
	r.mu.Unlock()
	return err
}

func (r *jobRun) report(ctx context.Context, res worker.Result) error {
	store := r.c.store
	jobID := r.spec.ID
	b := res.Task.Batch

	if res.Waited >= rateLimitedThreshold {
		r.c.emit(types.Event{Type: types.EventRateLimited, JobID: jobID, BatchID: b.ID, Delay: res.Waited})
	}

	switch {
	case res.Released:
		// 從未執行，回到 pending 且不計入嘗試
		return r.withStore(ctx, "release", b.ID, func(ctx context.Context) error {
			return store.ResetPending(ctx, jobID, b.ID)
		})

	case res.Success():
		if err := r.withStore(ctx, "success", b.ID, func(ctx context.Context) error {
			return store.RecordSuccess(ctx, jobID, b.ID)
		}); err != nil {
			return err
		}
		r.c.emit(types.Event{
			Type:     types.EventBatchSucceeded,
			JobID:    jobID,
			BatchID:  b.ID,
			Attempt:  res.Task.Attempt,
			Duration: res.Duration,
		})
		return nil
	}

	perr := res.Err
	var st types.BatchState
	if err := r.withStore(ctx, "failure", b.ID, func(ctx context.Context) error {
		var err error
		st, err = store.RecordFailure(ctx, jobID, b.ID, perr.Kind, perr.Error())
		return err
	}); err != nil {
		return err
	}
	r.c.emit(types.Event{
		Type:     types.EventBatchFailed,
		JobID:    jobID,
		BatchID:  b.ID,
		Attempt:  st.Attempts,
		Kind:     perr.Kind,
		Duration: res.Duration,
	})

	// ResetFailed 之後重試額度從 ResetBase 起算
	d := r.policy.Decide(st.Attempts-st.ResetBase, perr.Kind)
	if !d.Retry {
		r.c.logger.Warn("batch failed permanently",
			"job", jobID,
			"batch", b.ID,
			"attempts", st.Attempts,
			"kind", perr.Kind,
			"error", perr.Message)
		return nil
	}

	if err := r.withStore(ctx, "reset", b.ID, func(ctx context.Context) error {
		return store.ResetPending(ctx, jobID, b.ID)
	}); err != nil {
		return err
	}
	r.scheduleRetry(readyTask{batch: b, attempt: st.Attempts + 1}, d.Delay)
	r.c.emit(types.Event{
		Type:    types.EventBatchRetry,
		JobID:   jobID,
		BatchID: b.ID,
		Attempt: st.Attempts + 1,
		Kind:    perr.Kind,
		Delay:   d.Delay,
	})
	r.c.logger.Debug("batch retry scheduled",
		"job", jobID,
		"batch", b.ID,
		"attempt", st.Attempts+1,
		"delay", d.Delay)
	return nil
}

// scheduleRetry 在延遲到期後將批次放回 ready 隊列，等待期間不佔用 worker
func (r *jobRun) scheduleRetry(rt readyTask, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.waiting++
	id := rt.batch.ID
	r.timers[id] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.timers[id]; !ok {
			return
		}
		delete(r.timers, id)
		r.waiting--
		r.ready = append(r.ready, rt)
		r.broadcast()
	})
}

// ============================================================================
// Store 重試
// ============================================================================

// withStore 在 store 不可用時以指數退避重試 fn，其他錯誤直接返回
func (r *jobRun) withStore(ctx context.Context, op, batchID string, fn func(ctx context.Context) error) error {
	cfg := r.c.cfg
	delay := cfg.StoreRetryBase
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, types.ErrStoreUnavailable) {
			return err
		}

		elapsed := time.Since(start)
		if cfg.StoreRetryTimeout > 0 && elapsed >= cfg.StoreRetryTimeout {
			return fmt.Errorf("%s: store unavailable for %s: %w", op, elapsed.Round(time.Millisecond), err)
		}
		r.c.logger.Warn("checkpoint store unavailable, retrying",
			"job", r.spec.ID,
			"op", op,
			"batch", batchID,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		r.c.emit(types.Event{Type: types.EventStoreRetry, JobID: r.spec.ID, BatchID: batchID, Attempt: attempt, Delay: delay})

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, cfg.StoreRetryMax)
	}
}
