// ============================================================================
// Beaver-Backfill Worker Pool - 並發批次執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期
//
// 設計模式:
//   採用 Worker Pool 模式（拉取式）：
//   1. 固定數量的 Worker goroutine 在整個 job run 期間持續運行
//   2. 每個 Worker 從共享的 Source 拉取已認領的批次
//   3. 結果直接回報給 Source，不經過中間 channel
//
// 架構組件:
//   ┌─────────────┐
//   │ Coordinator │  (implements Source)
//   └─────────────┘
//      ↑ Next / Report
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│─┼──→ Limiter ──→ Processor
//   │  │Worker 2│ │
//   │  │Worker n│ │
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 綁定 Processor 與 Limiter
//   2. Start(ctx, n, src) - 啟動 n 個 Worker（errgroup）
//   3. Wait() - 等待所有 Worker 退出（排空），回傳第一個致命錯誤
//
// 優雅關閉:
//   取消 ctx 後 Worker 不再拉取新批次，但正在執行的批次會完成並回報。
//   一個 Worker 的致命錯誤會取消其他 Worker 的拉取，同樣等待它們回報。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// TracerName is the instrumentation scope of batch spans.
const TracerName = "github.com/ChuLiYu/beaver-backfill/internal/worker"

var (
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	processor Processor
	limiter   Limiter
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	workers []*Worker
	group   *errgroup.Group
	started bool
	active  atomic.Int32 // 正在執行 Process 的 Worker 數
}

// Option 設定 Pool
type Option func(*Pool)

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithTracer 設定 tracer，預設使用全域 TracerProvider
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pool) { p.tracer = tracer }
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - processor: 每個批次呼叫的處理函式
//   - limiter: 執行前取得 token 的限流器，nil 表示不限流
func NewPool(processor Processor, limiter Limiter, opts ...Option) *Pool {
	p := &Pool{
		processor: processor,
		limiter:   limiter,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(TracerName)
	}
	return p
}

// Start 啟動 workerCount 個 Worker
//
// 返回值：
//   - error: 如果 Pool 已啟動則返回 ErrPoolStarted
func (p *Pool) Start(ctx context.Context, workerCount int, src Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)
		g.Go(func() error {
			return w.Run(gctx, src)
		})
	}
	p.group = g
	p.started = true
	p.logger.Debug("worker pool started", "workers", workerCount)
	return nil
}

// Wait 等待所有 Worker 排空並退出，回傳第一個致命錯誤
func (p *Pool) Wait() error {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()

	if g == nil {
		return ErrPoolNotStarted
	}
	return g.Wait()
}

// GetWorkerCount 返回 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Active 返回目前正在執行批次的 Worker 數
func (p *Pool) Active() int {
	return int(p.active.Load())
}
