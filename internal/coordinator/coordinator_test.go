package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-backfill/internal/checkpoint"
	"github.com/ChuLiYu/beaver-backfill/internal/partition"
	"github.com/ChuLiYu/beaver-backfill/internal/ratelimit"
	"github.com/ChuLiYu/beaver-backfill/internal/worker"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type procMap map[string]worker.Processor

func (m procMap) Lookup(name string) (worker.Processor, error) {
	p, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("unknown processor %q", name)
	}
	return p, nil
}

// recorder counts executions per batch and tracks concurrent executions of
// the same batch.
type recorder struct {
	mu       sync.Mutex
	calls    map[string]int
	order    []string
	inFlight map[string]int
	overlap  bool
	fn       func(b types.Batch, call int) error
}

func newRecorder(fn func(b types.Batch, call int) error) *recorder {
	return &recorder{calls: make(map[string]int), inFlight: make(map[string]int), fn: fn}
}

func (r *recorder) Process(ctx context.Context, b types.Batch) error {
	r.mu.Lock()
	r.calls[b.ID]++
	call := r.calls[b.ID]
	r.order = append(r.order, b.ID)
	r.inFlight[b.ID]++
	if r.inFlight[b.ID] > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight[b.ID]--
		r.mu.Unlock()
	}()

	time.Sleep(time.Millisecond)
	if r.fn == nil {
		return nil
	}
	return r.fn(b, call)
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) OnEvent(e types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t types.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func day(s string) time.Time {
	t, err := types.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// testSpec builds a valid spec of len(entities) x days, retrying quickly.
func testSpec(id string, entities []string, days, batchSize int) types.JobSpec {
	start := day("2024-01-01")
	return types.JobSpec{
		ID:             id,
		Entities:       entities,
		Start:          start,
		End:            start.AddDate(0, 0, days-1),
		BatchSize:      batchSize,
		MaxConcurrency: 4,
		Retry: types.RetryParams{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
			Multiplier:  2,
		},
		RateLimit: types.RateLimit{Requests: 1000, Window: time.Second},
		Processor: "test",
	}
}

func newTestCoordinator(t *testing.T, store checkpoint.Store, p worker.Processor, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithRand(func() float64 { return 0.5 })}, opts...)
	c := New(store, procMap{"test": p}, Config{TaskTimeout: 5 * time.Second}, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

// fault makes the next n calls of an operation fail with err.
type fault struct {
	err error
	n   int
}

// faultyStore injects errors in front of a real store.
type faultyStore struct {
	checkpoint.Store
	mu     sync.Mutex
	faults map[string]*fault
}

func newFaultyStore(inner checkpoint.Store) *faultyStore {
	return &faultyStore{Store: inner, faults: make(map[string]*fault)}
}

func (f *faultyStore) inject(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = &fault{err: err, n: n}
}

func (f *faultyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft, ok := f.faults[op]; ok && ft.n > 0 {
		ft.n--
		return ft.err
	}
	return nil
}

func (f *faultyStore) RecordDispatch(ctx context.Context, jobID, batchID string) error {
	if err := f.check("dispatch"); err != nil {
		return err
	}
	return f.Store.RecordDispatch(ctx, jobID, batchID)
}

func (f *faultyStore) RecordSuccess(ctx context.Context, jobID, batchID string) error {
	if err := f.check("success"); err != nil {
		return err
	}
	return f.Store.RecordSuccess(ctx, jobID, batchID)
}

var errUnavailable = fmt.Errorf("%w: connection refused", types.ErrStoreUnavailable)

// ============================================================================
// Scenario Tests
// ============================================================================

func TestAllBatchesSucceed(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	proc := newRecorder(nil)
	events := &eventLog{}
	c := newTestCoordinator(t, store, proc, WithListener(events))

	spec := testSpec("prices", []string{"BTC", "ETH", "SOL", "ADA"}, 10, 5)
	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 8, run.Total)
	assert.Equal(t, 8, run.Succeeded)
	assert.Zero(t, run.Failed)
	assert.Zero(t, run.Pending)
	assert.NotNil(t, run.EndedAt)
	assert.Empty(t, run.Error)

	assert.Equal(t, 8, proc.total())
	assert.Equal(t, 8, events.count(types.EventBatchDispatch))
	assert.Equal(t, 8, events.count(types.EventBatchSucceeded))
	assert.Equal(t, 1, events.count(types.EventJobStarted))
	assert.Equal(t, 1, events.count(types.EventJobFinished))

	states, err := store.Load(context.Background(), "prices")
	require.NoError(t, err)
	require.Len(t, states, 8)
	for _, st := range states {
		assert.Equal(t, types.BatchSucceeded, st.Status)
		assert.Equal(t, 1, st.Attempts)
	}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	target := partition.BatchID("flaky", 1)
	proc := newRecorder(func(b types.Batch, call int) error {
		if b.ID == target && call < 3 {
			return types.Transient("upstream 503")
		}
		return nil
	})
	events := &eventLog{}
	c := newTestCoordinator(t, store, proc, WithListener(events))

	run, err := c.Run(context.Background(), testSpec("flaky", []string{"BTC", "ETH"}, 4, 2))
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 4, run.Succeeded)

	states, err := store.Load(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, types.BatchSucceeded, states[target].Status)
	assert.Equal(t, 3, states[target].Attempts)
	assert.Equal(t, 3, proc.count(target))
	assert.Equal(t, 2, events.count(types.EventBatchRetry))
	assert.Equal(t, 2, events.count(types.EventBatchFailed))
}

func TestRetriesExhausted(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	target := partition.BatchID("exhaust", 0)
	proc := newRecorder(func(b types.Batch, _ int) error {
		if b.ID == target {
			return types.Transient("still down")
		}
		return nil
	})
	c := newTestCoordinator(t, store, proc)

	run, err := c.Run(context.Background(), testSpec("exhaust", []string{"BTC"}, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, types.RunCompletedWithErrors, run.Status)
	assert.Equal(t, 3, proc.count(target))

	states, err := store.Load(context.Background(), "exhaust")
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, states[target].Status)
	assert.Equal(t, 3, states[target].Attempts)
	assert.Equal(t, types.KindTransient, states[target].LastErrorKind)
}

func TestPermanentFailureNotRetriedUntilReset(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	target := partition.BatchID("perm", 2)
	var broken atomic.Bool
	broken.Store(true)
	proc := newRecorder(func(b types.Batch, _ int) error {
		if b.ID == target && broken.Load() {
			return types.Permanent("schema violation")
		}
		return nil
	})
	c := newTestCoordinator(t, store, proc)
	spec := testSpec("perm", []string{"BTC", "ETH"}, 6, 3)

	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompletedWithErrors, run.Status)
	assert.Equal(t, 3, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
	require.Len(t, run.Failures, 1)
	assert.Equal(t, target, run.Failures[0].BatchID)
	assert.Equal(t, 1, run.Failures[0].Attempts)
	assert.Equal(t, types.KindPermanent, run.Failures[0].Kind)
	assert.Contains(t, run.Failures[0].Message, "schema violation")
	assert.Equal(t, 1, proc.count(target))

	// Resubmitting does not touch the terminal batch.
	run, err = c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompletedWithErrors, run.Status)
	assert.Equal(t, 1, run.Resumes)
	assert.Equal(t, 1, proc.count(target))
	assert.Equal(t, 4, proc.total())

	// After an explicit reset the corrective rerun targets exactly the gap.
	broken.Store(false)
	n, err := c.ResetFailed(context.Background(), "perm")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err = c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 4, run.Succeeded)
	assert.Equal(t, 2, run.Resumes)
	assert.Equal(t, 2, proc.count(target))
	assert.Equal(t, 5, proc.total())
}

func TestResetFailedGrantsFreshRetryBudget(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	target := partition.BatchID("budget", 0)
	var phase atomic.Int32
	proc := newRecorder(func(b types.Batch, call int) error {
		switch {
		case phase.Load() == 0:
			return types.Permanent("bad credentials")
		case call < 3:
			return types.Transient("warming up")
		}
		return nil
	})
	c := newTestCoordinator(t, store, proc)
	spec := testSpec("budget", []string{"BTC"}, 1, 1)

	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, types.RunCompletedWithErrors, run.Status)

	phase.Store(1)
	_, err = c.ResetFailed(context.Background(), "budget", target)
	require.NoError(t, err)

	run, err = c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)

	states, err := store.Load(context.Background(), "budget")
	require.NoError(t, err)
	assert.Equal(t, 3, states[target].Attempts)
}

// A crash while a reopened batch is in flight must not lose its fresh budget.
func TestResetBudgetSurvivesCrash(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	target := partition.BatchID("crash", 0)
	var reopened atomic.Bool
	var afterReset atomic.Int32
	proc := worker.ProcessorFunc(func(context.Context, types.Batch) error {
		if !reopened.Load() {
			return types.Transient("upstream 503")
		}
		if afterReset.Add(1) <= 2 {
			return types.Transient("upstream 503")
		}
		return nil
	})
	spec := testSpec("crash", []string{"BTC"}, 1, 1)

	c := newTestCoordinator(t, store, proc)
	run, err := c.Run(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, types.RunCompletedWithErrors, run.Status)

	_, err = c.ResetFailed(ctx, "crash")
	require.NoError(t, err)
	reopened.Store(true)

	// the process dies right after dispatching the reopened batch
	require.NoError(t, store.RecordDispatch(ctx, "crash", target))

	restarted := newTestCoordinator(t, store, proc)
	run, err = restarted.Run(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, int32(3), afterReset.Load())

	states, err := store.Load(ctx, "crash")
	require.NoError(t, err)
	assert.Equal(t, 6, states[target].Attempts)
	assert.Equal(t, 3, states[target].ResetBase)
}

// Cancelling during a retry delay and resuming must not grant a new budget.
func TestResetBudgetNotRenewedByResume(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	var reopened atomic.Bool
	var afterReset atomic.Int32
	proc := worker.ProcessorFunc(func(context.Context, types.Batch) error {
		if reopened.Load() {
			afterReset.Add(1)
		}
		return types.Transient("upstream 503")
	})
	spec := testSpec("resume-budget", []string{"BTC"}, 1, 1)
	spec.Retry = types.RetryParams{MaxAttempts: 2, BaseDelay: 300 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 1}
	c := newTestCoordinator(t, store, proc)

	run, err := c.Run(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, types.RunCompletedWithErrors, run.Status)

	_, err = c.ResetFailed(ctx, "resume-budget")
	require.NoError(t, err)
	reopened.Store(true)

	for i := 0; i < 3; i++ {
		runCtx, cancel := context.WithCancel(ctx)
		stop := time.AfterFunc(100*time.Millisecond, cancel)
		_, err := c.Run(runCtx, spec)
		stop.Stop()
		cancel()
		require.NoError(t, err)
	}
	run, err = c.Run(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompletedWithErrors, run.Status)
	assert.Equal(t, int32(2), afterReset.Load())
}

func TestResetFailedUnknownJob(t *testing.T) {
	c := newTestCoordinator(t, checkpoint.NewMemoryStore(), newRecorder(nil))

	n, err := c.ResetFailed(context.Background(), "never-submitted")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	assert.Zero(t, n)
}

// gatedStore blocks ReopenFailed until release is closed.
type gatedStore struct {
	checkpoint.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ReopenFailed(ctx context.Context, jobID, batchID string) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.ReopenFailed(ctx, jobID, batchID)
}

func TestSubmitBlockedDuringReset(t *testing.T) {
	ctx := context.Background()
	inner := checkpoint.NewMemoryStore()
	store := &gatedStore{Store: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
	var fixed atomic.Bool
	proc := worker.ProcessorFunc(func(context.Context, types.Batch) error {
		if fixed.Load() {
			return nil
		}
		return types.Permanent("bad payload")
	})
	c := newTestCoordinator(t, store, proc)
	spec := testSpec("guarded", []string{"BTC"}, 1, 1)

	run, err := c.Run(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, types.RunCompletedWithErrors, run.Status)

	done := make(chan error, 1)
	go func() {
		_, err := c.ResetFailed(ctx, "guarded")
		done <- err
	}()
	<-store.entered

	_, err = c.Submit(ctx, spec)
	assert.ErrorIs(t, err, types.ErrJobRunning)
	_, err = c.ResetFailed(ctx, "guarded")
	assert.ErrorIs(t, err, types.ErrJobRunning)

	close(store.release)
	require.NoError(t, <-done)

	fixed.Store(true)
	run, err = c.Run(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
}

func TestResetFailedRejectsSucceededBatch(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	c := newTestCoordinator(t, store, newRecorder(nil))
	_, err := c.Run(context.Background(), testSpec("ok", []string{"BTC"}, 2, 1))
	require.NoError(t, err)

	_, err = c.ResetFailed(context.Background(), "ok", partition.BatchID("ok", 0))
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestEmptyJobCompletesImmediately(t *testing.T) {
	proc := newRecorder(nil)
	c := newTestCoordinator(t, checkpoint.NewMemoryStore(), proc)

	run, err := c.Run(context.Background(), testSpec("empty", nil, 10, 5))
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Zero(t, run.Total)
	assert.Zero(t, proc.total())
}

// ============================================================================
// Resumption Tests
// ============================================================================

func TestResumeAfterCrash(t *testing.T) {
	dir := t.TempDir()
	cfg := checkpoint.FileConfig{
		WALPath:      filepath.Join(dir, "checkpoint.wal"),
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
	}
	ctx := context.Background()
	spec := testSpec("resume", []string{"BTC", "ETH"}, 4, 2)
	b0, b1 := partition.BatchID("resume", 0), partition.BatchID("resume", 1)

	// State left behind by a process that died mid-run: b0 was in flight,
	// b1 had finished.
	first, err := checkpoint.OpenFileStore(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, first.PutRun(ctx, types.JobRun{
		JobID:     "resume",
		Status:    types.RunRunning,
		Total:     4,
		StartedAt: day("2024-06-01"),
	}))
	require.NoError(t, first.RecordDispatch(ctx, "resume", b0))
	require.NoError(t, first.RecordDispatch(ctx, "resume", b1))
	require.NoError(t, first.RecordSuccess(ctx, "resume", b1))
	require.NoError(t, first.Close())

	store, err := checkpoint.OpenFileStore(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	proc := newRecorder(nil)
	c := newTestCoordinator(t, store, proc)
	run, err := c.Run(ctx, spec)
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 4, run.Succeeded)
	assert.Equal(t, 1, run.Resumes)
	assert.True(t, run.StartedAt.Equal(day("2024-06-01")))
	assert.Equal(t, 1, proc.count(b0))
	assert.Zero(t, proc.count(b1), "succeeded batch must not run again")
	assert.Equal(t, 3, proc.total())

	states, err := store.Load(ctx, "resume")
	require.NoError(t, err)
	assert.Equal(t, 1, states[b0].Attempts, "crash reset does not count an attempt")
}

func TestResumeAfterCancel(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	release := make(chan struct{})
	started := make(chan struct{}, 16)
	proc := newRecorder(func(b types.Batch, _ int) error {
		started <- struct{}{}
		<-release
		return nil
	})
	c := newTestCoordinator(t, store, proc)
	spec := testSpec("cancel", []string{"BTC", "ETH", "SOL"}, 8, 2)
	spec.MaxConcurrency = 2

	id, err := c.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "cancel", id)
	<-started
	<-started

	require.NoError(t, c.Cancel(id))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := c.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunAborted, run.Status)
	assert.Empty(t, run.Error)
	assert.Equal(t, 2, run.Succeeded, "in-flight batches finish before abort")
	assert.Zero(t, run.InProgress)
	assert.Equal(t, 10, run.Pending)

	// Resume runs only the remainder, each batch exactly once overall.
	run, err = c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 12, run.Succeeded)
	assert.Equal(t, 12, proc.total())
	for i := 0; i < 12; i++ {
		assert.Equal(t, 1, proc.count(partition.BatchID("cancel", i)))
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestAtMostOneInFlight(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	proc := newRecorder(func(b types.Batch, call int) error {
		time.Sleep(2 * time.Millisecond)
		if b.Index%3 == 0 && call == 1 {
			return types.Transient("first attempt flake")
		}
		return nil
	})
	c := newTestCoordinator(t, store, proc)
	spec := testSpec("inflight", []string{"A", "B", "C", "D", "E", "F"}, 20, 2)
	spec.MaxConcurrency = 8

	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 60, run.Succeeded)
	assert.False(t, proc.overlap, "a batch ran on two workers at once")
}

func TestRetryDelayDoesNotHoldWorker(t *testing.T) {
	target := partition.BatchID("delay", 0)
	proc := newRecorder(func(b types.Batch, call int) error {
		if b.ID == target && call == 1 {
			return types.Transient("retry me")
		}
		return nil
	})
	c := newTestCoordinator(t, checkpoint.NewMemoryStore(), proc)
	spec := testSpec("delay", []string{"BTC"}, 2, 1)
	spec.MaxConcurrency = 1
	spec.Retry.BaseDelay = 100 * time.Millisecond
	spec.Retry.MaxDelay = 100 * time.Millisecond

	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, []string{target, partition.BatchID("delay", 1), target}, proc.order)
}

func TestBatchTimeoutIsRetried(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	target := partition.BatchID("slow", 0)
	proc := worker.ProcessorFunc(func(ctx context.Context, b types.Batch) error {
		st, _ := store.Load(ctx, "slow")
		if st[b.ID].Attempts == 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	c := newTestCoordinator(t, store, proc)
	spec := testSpec("slow", []string{"BTC"}, 1, 1)
	spec.BatchTimeout = 30 * time.Millisecond

	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)

	states, err := store.Load(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, 2, states[target].Attempts)
}

func TestSubmitWhileRunning(t *testing.T) {
	release := make(chan struct{})
	proc := worker.ProcessorFunc(func(context.Context, types.Batch) error {
		<-release
		return nil
	})
	c := newTestCoordinator(t, checkpoint.NewMemoryStore(), proc)
	spec := testSpec("busy", []string{"BTC"}, 1, 1)

	_, err := c.Submit(context.Background(), spec)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), spec)
	assert.ErrorIs(t, err, types.ErrJobRunning)

	_, err = c.ResetFailed(context.Background(), "busy")
	assert.ErrorIs(t, err, types.ErrJobRunning)

	close(release)
	run, err := c.Wait(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
}

// ============================================================================
// Error Handling Tests
// ============================================================================

func TestConfigurationErrors(t *testing.T) {
	c := newTestCoordinator(t, checkpoint.NewMemoryStore(), newRecorder(nil))

	t.Run("invalid spec", func(t *testing.T) {
		spec := testSpec("bad", []string{"BTC"}, 3, 1)
		spec.BatchSize = 0
		run, err := c.Run(context.Background(), spec)
		assert.ErrorIs(t, err, types.ErrConfiguration)
		assert.Equal(t, types.RunAborted, run.Status)

		_, err = c.Submit(context.Background(), spec)
		assert.ErrorIs(t, err, types.ErrConfiguration)
	})

	t.Run("unknown processor", func(t *testing.T) {
		spec := testSpec("noproc", []string{"BTC"}, 3, 1)
		spec.Processor = "missing"
		run, err := c.Run(context.Background(), spec)
		assert.ErrorIs(t, err, types.ErrConfiguration)
		assert.Equal(t, types.RunAborted, run.Status)
		assert.Contains(t, run.Error, "missing")
	})

	t.Run("generated id", func(t *testing.T) {
		spec := testSpec("", []string{"BTC"}, 1, 1)
		id, err := c.Submit(context.Background(), spec)
		require.NoError(t, err)
		assert.Regexp(t, `^job-[0-9a-f-]{36}$`, id)
		run, err := c.Wait(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.RunCompleted, run.Status)
	})
}

// costlyProcessor makes perDay requests for every entity-day of a batch.
type costlyProcessor struct {
	*recorder
	perDay int
}

func (p costlyProcessor) Cost(b types.Batch) int {
	return p.perDay * len(b.Entities) * b.Days()
}

// manualClock advances only when the limiter sleeps.
type manualClock struct {
	mu    sync.Mutex
	t     time.Time
	slept time.Duration
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.slept += d
	return nil
}

func (c *manualClock) total() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

func TestBatchCostChargesLimiter(t *testing.T) {
	clock := &manualClock{t: day("2024-01-01")}
	limiters := ratelimit.NewRegistry(nil, ratelimit.WithClock(clock.now, clock.sleep))
	proc := costlyProcessor{recorder: newRecorder(nil), perDay: 1}
	c := newTestCoordinator(t, checkpoint.NewMemoryStore(), proc, WithLimiters(limiters))

	// 3 batches of 2 days each = 6 requests against 4 per hour
	spec := testSpec("costly", []string{"BTC", "ETH", "SOL"}, 2, 2)
	spec.RateLimit = types.RateLimit{Requests: 4, Window: time.Hour}
	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 3, proc.total())
	assert.GreaterOrEqual(t, clock.total(), 30*time.Minute, "the third batch must wait for quota")
}

func TestBatchCostAboveRateLimitIsConfigurationError(t *testing.T) {
	proc := costlyProcessor{recorder: newRecorder(nil), perDay: 1}
	c := newTestCoordinator(t, checkpoint.NewMemoryStore(), proc)

	spec := testSpec("too-costly", []string{"BTC"}, 10, 5)
	spec.RateLimit = types.RateLimit{Requests: 4, Window: time.Hour}
	run, err := c.Run(context.Background(), spec)
	assert.ErrorIs(t, err, types.ErrConfiguration)
	assert.Equal(t, types.RunAborted, run.Status)
	assert.Contains(t, run.Error, "needs 5 requests")
	assert.Zero(t, proc.total())
}

func TestStoreUnavailableSuspendsDispatch(t *testing.T) {
	store := newFaultyStore(checkpoint.NewMemoryStore())
	store.inject("dispatch", errUnavailable, 3)
	store.inject("success", errUnavailable, 2)
	events := &eventLog{}
	proc := newRecorder(nil)
	c := New(store, procMap{"test": proc}, Config{
		StoreRetryBase:    time.Millisecond,
		StoreRetryMax:     5 * time.Millisecond,
		StoreRetryTimeout: 5 * time.Second,
	}, WithListener(events))
	defer c.Close()

	run, err := c.Run(context.Background(), testSpec("outage", []string{"BTC", "ETH"}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Succeeded)
	assert.Equal(t, 2, proc.total(), "store outage must not fail or duplicate batches")
	assert.Equal(t, 5, events.count(types.EventStoreRetry))
}

func TestStoreUnavailableTimeoutAborts(t *testing.T) {
	store := newFaultyStore(checkpoint.NewMemoryStore())
	store.inject("dispatch", errUnavailable, 1<<30)
	c := New(store, procMap{"test": newRecorder(nil)}, Config{
		StoreRetryBase:    time.Millisecond,
		StoreRetryMax:     5 * time.Millisecond,
		StoreRetryTimeout: 50 * time.Millisecond,
	})
	defer c.Close()

	run, err := c.Run(context.Background(), testSpec("down", []string{"BTC"}, 2, 1))
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	assert.Equal(t, types.RunAborted, run.Status)
	assert.NotEmpty(t, run.Error)
	assert.Zero(t, run.Failed, "batches are not failed because of the store")
}

func TestInvalidTransitionAborts(t *testing.T) {
	store := newFaultyStore(checkpoint.NewMemoryStore())
	store.inject("dispatch", fmt.Errorf("%w: dispatch from in_progress", types.ErrInvalidTransition), 1)
	c := newTestCoordinator(t, store, newRecorder(nil))

	run, err := c.Run(context.Background(), testSpec("bug", []string{"BTC"}, 5, 1))
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, types.RunAborted, run.Status)
	assert.Contains(t, run.Error, "invalid batch state transition")
}

// ============================================================================
// Status Interface Tests
// ============================================================================

func TestStatusListPrune(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	c := newTestCoordinator(t, store, newRecorder(nil))
	ctx := context.Background()

	_, err := c.Status(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	assert.ErrorIs(t, c.Cancel("nope"), types.ErrJobNotFound)

	for _, id := range []string{"b-job", "a-job"} {
		_, err := c.Submit(ctx, testSpec(id, []string{"BTC"}, 2, 1))
		require.NoError(t, err)
		_, err = c.Wait(ctx, id)
		require.NoError(t, err)
	}

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a-job", list[0].JobID)
	assert.Equal(t, "b-job", list[1].JobID)

	// Terminal runs are kept until monitoring has read them.
	assert.Zero(t, c.Prune())

	run, err := c.Status(ctx, "a-job")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.True(t, run.Observed)
	assert.Equal(t, 1, c.Prune())
	assert.Len(t, c.List(), 1)

	// Pruned runs are still answered from the checkpoint store.
	run, err = c.Status(ctx, "a-job")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Succeeded)
}

func TestStatusWhileRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	proc := worker.ProcessorFunc(func(_ context.Context, b types.Batch) error {
		if b.Index == 0 {
			return nil
		}
		started <- struct{}{}
		<-release
		return nil
	})
	c := newTestCoordinator(t, checkpoint.NewMemoryStore(), proc)
	spec := testSpec("live", []string{"BTC"}, 3, 1)
	spec.MaxConcurrency = 1

	_, err := c.Submit(context.Background(), spec)
	require.NoError(t, err)
	<-started

	run, err := c.Status(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, run.Status)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 1, run.InProgress)
	assert.Equal(t, 1, run.Pending)
	assert.False(t, run.Observed)

	close(release)
	_, err = c.Wait(context.Background(), "live")
	require.NoError(t, err)
}

func TestCloseAbortsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	proc := worker.ProcessorFunc(func(ctx context.Context, _ types.Batch) error {
		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	c := New(checkpoint.NewMemoryStore(), procMap{"test": proc}, Config{})
	spec := testSpec("closing", []string{"BTC", "ETH"}, 30, 1)
	spec.MaxConcurrency = 2

	_, err := c.Submit(context.Background(), spec)
	require.NoError(t, err)
	<-started
	require.NoError(t, c.Close())

	run, err := c.Wait(context.Background(), "closing")
	require.NoError(t, err)
	assert.Equal(t, types.RunAborted, run.Status)
	assert.Less(t, run.Succeeded, 60)

	_, err = c.Submit(context.Background(), spec)
	assert.True(t, errors.Is(err, ErrClosed))
}
