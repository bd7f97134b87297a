package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// Task 代表一個已被認領（in_progress）的批次
type Task struct {
	Batch   types.Batch   // 要處理的批次
	Attempt int           // 本次是第幾次執行（從 1 開始）
	Timeout time.Duration // 單次執行超時時間，0 表示不限制
	Tokens  int           // 執行前向 limiter 取得的 token 數，0 視為 1
}

// Result 代表任務執行結果
type Result struct {
	Task     Task
	Err      *types.ProcessingError // nil 表示成功
	Released bool                   // 尚未執行即被釋放（取消或限流失敗），不計入嘗試次數
	Duration time.Duration          // 實際執行時間（不含限流等待）
	Waited   time.Duration          // 限流等待時間
	WorkerID int
}

// Success 是否執行成功
func (r Result) Success() bool {
	return !r.Released && r.Err == nil
}

// Processor 處理單一批次的外部函式（extract/transform/load pipeline）
type Processor interface {
	Process(ctx context.Context, batch types.Batch) error
}

// ProcessorFunc 讓一般函式實作 Processor
type ProcessorFunc func(ctx context.Context, batch types.Batch) error

func (f ProcessorFunc) Process(ctx context.Context, batch types.Batch) error {
	return f(ctx, batch)
}

// Coster 由一個批次會發出多次外部請求的 Processor 實作，
// 回傳值作為執行前向 limiter 取得的 token 數
type Coster interface {
	Cost(batch types.Batch) int
}

// Cost 批次的 token 成本，未實作 Coster 時為 1
func Cost(p Processor, batch types.Batch) int {
	if c, ok := p.(Coster); ok {
		return max(c.Cost(batch), 1)
	}
	return 1
}

// Limiter 是 ratelimit.Limiter 的最小介面
type Limiter interface {
	Acquire(ctx context.Context, n int) error
}
