// Package types 定義了 beaver-backfill 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// DateLayout 日期格式（日粒度）
const DateLayout = "2006-01-02"

// PartitionAxis 切分批次時優先使用的軸
type PartitionAxis string

const (
	AxisTime   PartitionAxis = "time"   // 每個批次涵蓋單一實體的連續日期區間（預設）
	AxisEntity PartitionAxis = "entity" // 每個批次涵蓋單一日期的一組實體
)

// RetryParams 重試策略參數
type RetryParams struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"` // 最大執行次數（含第一次）
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`     // 第一次重試的基礎延遲
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`       // 延遲上限
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`     // 指數退避倍數
}

// RateLimit 外部資源的限流設定：每個 Window 最多 Requests 次請求
type RateLimit struct {
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
	Resource string        `json:"resource,omitempty" yaml:"resource,omitempty"` // 相同 Resource 的任務共用同一個 limiter
}

// JobSpec 回填任務的完整定義，建立後不可變
type JobSpec struct {
	ID             string        `json:"id" yaml:"id"`
	Entities       []string      `json:"entities" yaml:"entities"`
	Start          time.Time     `json:"start" yaml:"start"`
	End            time.Time     `json:"end" yaml:"end"`
	BatchSize      int           `json:"batch_size" yaml:"batch_size"`
	MaxConcurrency int           `json:"max_concurrency" yaml:"max_concurrency"`
	Retry          RetryParams   `json:"retry" yaml:"retry"`
	RateLimit      RateLimit     `json:"rate_limit" yaml:"rate_limit"`
	BatchTimeout   time.Duration `json:"batch_timeout,omitempty" yaml:"batch_timeout,omitempty"`
	Axis           PartitionAxis `json:"axis,omitempty" yaml:"axis,omitempty"`
	Processor      string        `json:"processor,omitempty" yaml:"processor,omitempty"`
}

// Days 回傳時間範圍內的天數（含首尾），範圍為空時回傳 0
func (s JobSpec) Days() int {
	start, end := TruncateDate(s.Start), TruncateDate(s.End)
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// Batch 工作單元，由 Partitioner 從 JobSpec 決定性地推導
type Batch struct {
	ID       string    `json:"id"`
	JobID    string    `json:"job_id"`
	Index    int       `json:"index"` // 在切分序列中的位置，決定總順序
	Entities []string  `json:"entities"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// Days 批次涵蓋的天數（含首尾）
func (b Batch) Days() int {
	start, end := TruncateDate(b.Start), TruncateDate(b.End)
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

func (b Batch) String() string {
	return fmt.Sprintf("%s[%v %s..%s]", b.ID, b.Entities, b.Start.Format(DateLayout), b.End.Format(DateLayout))
}

// BatchStatus 批次狀態
type BatchStatus string

// 定義批次狀態常數
const (
	BatchPending    BatchStatus = "pending"     // 待處理：尚未分派或等待重試
	BatchInProgress BatchStatus = "in_progress" // 執行中：已被某個 worker 認領
	BatchSucceeded  BatchStatus = "succeeded"   // 成功：終止狀態
	BatchFailed     BatchStatus = "failed"      // 失敗：重試用盡或永久錯誤時為終止狀態
)

// BatchState Checkpoint Store 中單一批次的狀態
type BatchState struct {
	BatchID       string      `json:"batch_id"`
	Status        BatchStatus `json:"status"`
	Attempts      int         `json:"attempts"`             // 已完成的執行次數（失敗與第一次成功都會遞增）
	ResetBase     int         `json:"reset_base,omitempty"` // 最近一次人工重置時的 Attempts，重試預算從這裡重新計算
	LastErrorKind ErrorKind   `json:"last_error_kind,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// RunStatus 任務執行狀態
type RunStatus string

const (
	RunInitializing        RunStatus = "initializing"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunAborted             RunStatus = "aborted"
)

// Terminal 是否為終止狀態
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithErrors, RunAborted:
		return true
	}
	return false
}

// BatchFailure 永久失敗批次的明細，讓修正性重跑可以精準定位缺口
type BatchFailure struct {
	BatchID  string    `json:"batch_id"`
	Attempts int       `json:"attempts"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

// JobRun 一個 JobSpec 的執行紀錄，以 job ID 識別，恢復執行時沿用同一筆
type JobRun struct {
	JobID      string         `json:"job_id"`
	Status     RunStatus      `json:"status"`
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	InProgress int            `json:"in_progress"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Resumes    int            `json:"resumes"`
	Failures   []BatchFailure `json:"failures,omitempty"`
	Error      string         `json:"error,omitempty"`
	Observed   bool           `json:"observed,omitempty"` // 終止後是否已被監控讀取
}

// EventType 協調器發出的狀態事件類型
type EventType string

const (
	EventJobStarted     EventType = "job_started"
	EventBatchDispatch  EventType = "batch_dispatched"
	EventBatchSucceeded EventType = "batch_succeeded"
	EventBatchFailed    EventType = "batch_failed"
	EventBatchRetry     EventType = "batch_retry_scheduled"
	EventStoreRetry     EventType = "store_retry"
	EventRateLimited    EventType = "rate_limit_wait"
	EventJobFinished    EventType = "job_finished"
)

// Event 狀態事件
type Event struct {
	Type     EventType     `json:"type"`
	JobID    string        `json:"job_id"`
	BatchID  string        `json:"batch_id,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Status   RunStatus     `json:"status,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Time     time.Time     `json:"time"`
}

// JobCheckpoint 單一任務的完整 checkpoint 狀態
type JobCheckpoint struct {
	Run     JobRun                 `json:"run"`
	Batches map[string]*BatchState `json:"batches"`
}

// SnapshotData 快照資料，用於 checkpoint 狀態的持久化和恢復
type SnapshotData struct {
	Jobs      map[string]*JobCheckpoint `json:"jobs"`       // 所有任務的 checkpoint
	SchemaVer int                       `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	LastSeq   uint64                    `json:"last_seq"`   // 最後處理的 WAL 序列號
}

// TruncateDate 將時間截斷到 UTC 當日零時
func TruncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate 解析 YYYY-MM-DD 格式的日期
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q (want %s)", ErrConfiguration, s, DateLayout)
	}
	return t, nil
}
