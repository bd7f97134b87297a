// ============================================================================
// Beaver-Backfill 協調器 - 任務執行引擎核心
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 接收 JobSpec，驅動每個批次恰好完成一次，並對外提供任務狀態介面
//
// 架構設計:
//   Coordinator 是整個引擎的"大腦"，協調以下組件：
//   - Partitioner: 將 JobSpec 切成有序、惰性的批次序列
//   - Checkpoint Store: 每個批次的狀態機（pending/in_progress/succeeded/failed）
//   - Rate Limiter: 同一外部資源共享的 token bucket
//   - Retry Policy: 純函式，決定重試延遲或放棄
//   - Worker Pool: 固定數量的執行者，從 jobRun 拉取已認領的批次
//
// 任務狀態機:
//
//   initializing ──→ running ──→ completed
//        │              │    └──→ completed_with_errors
//        └──────────────┴───────→ aborted (取消 / 設定錯誤 / 狀態機錯誤)
//
// 崩潰恢復流程:
//   對同一個 job ID 再次 Submit 時重新進入 initializing：
//   1. Load() - 讀回所有批次狀態
//   2. 崩潰前 in_progress 的批次重設為 pending（不計入嘗試次數）
//   3. 仍有重試額度的 failed 批次重設為 pending
//   4. 已 succeeded 或終止 failed 的批次在分派時跳過
//
// 並發安全:
//   - Coordinator.mu 保護 runs map
//   - 每個 jobRun 有自己的 mu 保護分派隊列與計數
//   - Store 操作不在鎖內執行，避免 store 不可用時阻塞回報
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/beaver-backfill/internal/checkpoint"
	"github.com/ChuLiYu/beaver-backfill/internal/ratelimit"
	"github.com/ChuLiYu/beaver-backfill/internal/worker"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// TracerName is the instrumentation scope of job spans.
const TracerName = "github.com/ChuLiYu/beaver-backfill/internal/coordinator"

// 預設值
const (
	DefaultTaskTimeout       = 5 * time.Minute
	DefaultStoreRetryBase    = 100 * time.Millisecond
	DefaultStoreRetryMax     = 10 * time.Second
	DefaultStoreRetryTimeout = 5 * time.Minute
)

// ErrClosed 表示 Coordinator 已關閉
var ErrClosed = errors.New("coordinator closed")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 引擎層級配置
type Config struct {
	TaskTimeout       time.Duration // JobSpec 未指定 BatchTimeout 時的單批次超時
	StoreRetryBase    time.Duration // store 不可用時的初始退避
	StoreRetryMax     time.Duration // store 不可用時的最大退避
	StoreRetryTimeout time.Duration // 持續不可用超過此時間則中止任務，0 表示無限重試
	DefaultProcessor  string        // JobSpec 未指定 Processor 時使用
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.StoreRetryBase <= 0 {
		c.StoreRetryBase = DefaultStoreRetryBase
	}
	if c.StoreRetryMax < c.StoreRetryBase {
		c.StoreRetryMax = max(DefaultStoreRetryMax, c.StoreRetryBase)
	}
	return c
}

// Listener 接收協調器發出的狀態事件，必須快速返回
type Listener interface {
	OnEvent(types.Event)
}

// ListenerFunc 讓一般函式實作 Listener
type ListenerFunc func(types.Event)

func (f ListenerFunc) OnEvent(e types.Event) { f(e) }

// Processors 依名稱取得處理函式
type Processors interface {
	Lookup(name string) (worker.Processor, error)
}

// Coordinator 任務協調器
type Coordinator struct {
	store      checkpoint.Store
	processors Processors
	limiters   *ratelimit.Registry
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	rand       func() float64
	now        func() time.Time

	mu        sync.Mutex
	runs      map[string]*jobRun
	resetting map[string]struct{} // ResetFailed 進行中的任務，期間不得啟動
	listeners []Listener
	closed    bool
	wg        sync.WaitGroup // 背景執行中的任務
}

// Option 設定 Coordinator
type Option func(*Coordinator)

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithTracer 設定 tracer，預設使用全域 TracerProvider
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = tracer }
}

// WithLimiters 使用外部的 limiter registry（跨 Coordinator 共享資源配額）
func WithLimiters(reg *ratelimit.Registry) Option {
	return func(c *Coordinator) { c.limiters = reg }
}

// WithListener 註冊事件監聽者
func WithListener(l Listener) Option {
	return func(c *Coordinator) { c.listeners = append(c.listeners, l) }
}

// WithRand 設定重試抖動的亂數來源（測試用）
func WithRand(rand func() float64) Option {
	return func(c *Coordinator) { c.rand = rand }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Coordinator
//
// 參數：
//   - store: checkpoint store，由呼叫者負責關閉
//   - processors: 處理函式註冊表
//   - cfg: 引擎配置，零值欄位使用預設值
func New(store checkpoint.Store, processors Processors, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		processors: processors,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		runs:       make(map[string]*jobRun),
		resetting:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(TracerName)
	}
	if c.limiters == nil {
		c.limiters = ratelimit.NewRegistry(c.logger)
	}
	return c
}

// Subscribe 註冊事件監聽者
func (c *Coordinator) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Coordinator) emit(e types.Event) {
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnEvent(e)
	}
}

// Submit 非同步啟動（或恢復）一個任務
//
// 任務的生命週期與 ctx 的取消無關，只能透過 Cancel 或 Close 中止。
//
// 返回值：
//   - string: 任務 ID，spec.ID 為空時產生 job-<uuid>
//   - error: ErrConfiguration（spec 不合法）、ErrJobRunning、ErrClosed
func (c *Coordinator) Submit(ctx context.Context, spec types.JobSpec) (string, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r, err := c.start(runCtx, cancel, spec)
	if err != nil {
		cancel()
		return "", err
	}
	return r.spec.ID, nil
}

// Run 同步執行一個任務直到終止狀態，取消 ctx 會在執行中批次完成後中止任務
//
// 返回值：
//   - types.JobRun: 最終的任務紀錄
//   - error: 設定錯誤或致命引擎錯誤；批次失敗不會回傳錯誤
func (c *Coordinator) Run(ctx context.Context, spec types.JobSpec) (types.JobRun, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r, err := c.start(runCtx, cancel, spec)
	if err != nil {
		run := types.JobRun{JobID: spec.ID, Status: types.RunAborted, Error: err.Error()}
		return run, err
	}
	<-r.done
	run, err := r.final()
	c.markObserved(ctx, r)
	run.Observed = true
	return run, err
}

func (c *Coordinator) start(ctx context.Context, cancel context.CancelFunc, spec types.JobSpec) (*jobRun, error) {
	if spec.ID == "" {
		spec.ID = "job-" + uuid.NewString()
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if prev, ok := c.runs[spec.ID]; ok && !prev.terminal() {
		return nil, fmt.Errorf("%w: %s", types.ErrJobRunning, spec.ID)
	}
	if _, ok := c.resetting[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %s is being reset", types.ErrJobRunning, spec.ID)
	}

	r := newJobRun(c, spec, cancel)
	c.runs[spec.ID] = r
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		r.execute(ctx)
	}()
	return r, nil
}

// Status 取得任務狀態
//
// 執行中的任務由 store 重新統計；不在記憶體中的任務（例如重啟後）直接讀 store。
// 讀取終止狀態的任務會將其標記為已觀察，之後可被 Prune 清除。
func (c *Coordinator) Status(ctx context.Context, jobID string) (types.JobRun, error) {
	c.mu.Lock()
	r, ok := c.runs[jobID]
	c.mu.Unlock()

	if ok {
		if r.terminal() {
			run, _ := r.final()
			c.markObserved(ctx, r)
			run.Observed = true
			return run, nil
		}
		return r.live(ctx)
	}

	run, err := c.store.Summarize(ctx, jobID)
	if err != nil {
		return types.JobRun{}, err
	}
	if run.StartedAt.IsZero() && run.Status == "" {
		return types.JobRun{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	if run.Status.Terminal() && !run.Observed {
		run.Observed = true
		if err := c.store.PutRun(ctx, run); err != nil {
			c.logger.Warn("failed to persist observed flag", "job", jobID, "error", err)
		}
	}
	return run, nil
}

func (c *Coordinator) markObserved(ctx context.Context, r *jobRun) {
	r.mu.Lock()
	if r.run.Observed {
		r.mu.Unlock()
		return
	}
	r.run.Observed = true
	run := r.run
	r.mu.Unlock()

	if err := c.store.PutRun(context.WithoutCancel(ctx), run); err != nil {
		c.logger.Warn("failed to persist observed flag", "job", run.JobID, "error", err)
	}
}

// Cancel 停止分派新批次，執行中的批次完成後任務進入 aborted
func (c *Coordinator) Cancel(jobID string) error {
	c.mu.Lock()
	r, ok := c.runs[jobID]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	if !r.terminal() {
		c.logger.Info("cancelling job", "job", jobID)
		r.cancel()
	}
	return nil
}

// Wait 等待任務進入終止狀態
func (c *Coordinator) Wait(ctx context.Context, jobID string) (types.JobRun, error) {
	c.mu.Lock()
	r, ok := c.runs[jobID]
	c.mu.Unlock()

	if !ok {
		return types.JobRun{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	select {
	case <-r.done:
		return r.final()
	case <-ctx.Done():
		return types.JobRun{}, ctx.Err()
	}
}

// List 列出記憶體中的所有任務（依 job ID 排序）
func (c *Coordinator) List() []types.JobRun {
	c.mu.Lock()
	runs := make([]*jobRun, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	out := make([]types.JobRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	slices.SortFunc(out, func(a, b types.JobRun) int { return strings.Compare(a.JobID, b.JobID) })
	return out
}

// Prune 移除已終止且已被讀取過的任務，checkpoint 資料保留以供恢復
//
// 返回值：
//   - int: 移除的任務數
func (c *Coordinator) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, r := range c.runs {
		if !r.terminal() {
			continue
		}
		r.mu.Lock()
		observed := r.run.Observed
		r.mu.Unlock()
		if observed {
			delete(c.runs, id)
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("pruned job runs", "count", n)
	}
	return n
}

// ResetFailed 將終止 failed 的批次重設為 pending，供修正性重跑使用
//
// 參數：
//   - batchIDs: 要重設的批次，留空表示所有 failed 批次
//
// 返回值：
//   - int: 實際重設的批次數
//   - error: ErrJobNotFound、ErrJobRunning（任務執行中或正在重設）、
//     ErrInvalidTransition（批次已成功）
//
// 重設期間同一任務的 Submit/Run 會得到 ErrJobRunning。
func (c *Coordinator) ResetFailed(ctx context.Context, jobID string, batchIDs ...string) (int, error) {
	if err := c.reserveReset(jobID); err != nil {
		return 0, err
	}
	defer func() {
		c.mu.Lock()
		delete(c.resetting, jobID)
		c.mu.Unlock()
	}()

	states, err := c.store.Load(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", jobID, err)
	}
	if len(states) == 0 {
		if _, err := c.store.Summarize(ctx, jobID); err != nil {
			return 0, err
		}
	}
	if len(batchIDs) == 0 {
		for id, st := range states {
			if st.Status == types.BatchFailed {
				batchIDs = append(batchIDs, id)
			}
		}
		slices.Sort(batchIDs)
	}

	n := 0
	for _, id := range batchIDs {
		if states[id].Status != types.BatchFailed {
			if states[id].Status == types.BatchSucceeded {
				return n, fmt.Errorf("%w: reset %s/%s from succeeded", types.ErrInvalidTransition, jobID, id)
			}
			continue
		}
		if err := c.store.ReopenFailed(ctx, jobID, id); err != nil {
			return n, fmt.Errorf("reset %s: %w", id, err)
		}
		n++
	}
	c.logger.Info("failed batches reset", "job", jobID, "count", n)
	return n, nil
}

func (c *Coordinator) reserveReset(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if r, ok := c.runs[jobID]; ok && !r.terminal() {
		return fmt.Errorf("%w: %s", types.ErrJobRunning, jobID)
	}
	if _, ok := c.resetting[jobID]; ok {
		return fmt.Errorf("%w: %s is being reset", types.ErrJobRunning, jobID)
	}
	c.resetting[jobID] = struct{}{}
	return nil
}

// Close 取消所有執行中的任務並等待它們排空
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, r := range c.runs {
		r.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}
