// ============================================================================
// Beaver-Backfill Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 將協調器的狀態事件轉成 Prometheus 指標
//
// 監控理念:
//   基於 RED 方法（Rate, Errors, Duration）
//   Collector 實作 coordinator.Listener，不需要協調器知道指標的存在
//
// 指標分類:
//
//   1. 批次計數器 (Counter)：
//      - backfill_batches_dispatched_total: 已分派批次總數
//      - backfill_batches_succeeded_total: 成功批次總數
//      - backfill_batches_failed_total{kind}: 失敗執行總數（含之後重試成功的）
//      - backfill_batch_retries_total: 已排程的重試次數
//      - backfill_store_retries_total: checkpoint store 不可用時的重試次數
//
//   2. 性能指標 (Histogram)：
//      - backfill_batch_duration_seconds{outcome}: 單次執行時間
//      - backfill_rate_limit_wait_seconds: 限流等待時間
//
//   3. 任務指標：
//      - backfill_jobs_running (Gauge): 執行中的任務數
//      - backfill_jobs_finished_total{status} (Counter): 依終止狀態計數
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成批次數
//   rate(backfill_batches_succeeded_total[1m])
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, rate(backfill_batch_duration_seconds_bucket[5m]))
//
//   # 暫時性錯誤比例
//   rate(backfill_batches_failed_total{kind="transient"}[5m])
//     / rate(backfill_batches_dispatched_total[5m])
//
// HTTP 端點:
//   Handler() 由 internal/server 掛在 /metrics
//
// ============================================================================

package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

const namespace = "backfill"

// Collector Prometheus 指標收集器
type Collector struct {
	// 批次相關指標
	batchesDispatched prometheus.Counter
	batchesSucceeded  prometheus.Counter
	batchesFailed     *prometheus.CounterVec
	batchRetries      prometheus.Counter
	storeRetries      prometheus.Counter

	// 效能指標
	batchDuration *prometheus.HistogramVec
	rateLimitWait prometheus.Histogram

	// 任務指標
	jobsRunning  prometheus.Gauge
	jobsFinished *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewCollector 創建新的指標收集器並註冊到 reg，nil 表示 DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		batchesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dispatched_total",
			Help:      "Total number of batches claimed and handed to a worker",
		}),
		batchesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_succeeded_total",
			Help:      "Total number of batches completed successfully",
		}),
		batchesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Total number of failed batch executions by error kind",
		}, []string{"kind"}),
		batchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries_total",
			Help:      "Total number of batch retries scheduled",
		}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Total number of checkpoint store operations retried while unavailable",
		}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Batch processing time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"outcome"}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time workers spent waiting for rate limiter tokens",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Current number of running jobs",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of job runs by terminal status",
		}, []string{"status"}),
		running: make(map[string]struct{}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.batchesDispatched,
		c.batchesSucceeded,
		c.batchesFailed,
		c.batchRetries,
		c.storeRetries,
		c.batchDuration,
		c.rateLimitWait,
		c.jobsRunning,
		c.jobsFinished,
	)
	return c
}

// OnEvent 依事件類型更新指標
func (c *Collector) OnEvent(e types.Event) {
	switch e.Type {
	case types.EventJobStarted:
		c.setRunning(e.JobID, true)
	case types.EventJobFinished:
		c.setRunning(e.JobID, false)
		c.jobsFinished.WithLabelValues(string(e.Status)).Inc()
	case types.EventBatchDispatch:
		c.batchesDispatched.Inc()
	case types.EventBatchSucceeded:
		c.batchesSucceeded.Inc()
		c.batchDuration.WithLabelValues("success").Observe(e.Duration.Seconds())
	case types.EventBatchFailed:
		c.batchesFailed.WithLabelValues(string(e.Kind)).Inc()
		c.batchDuration.WithLabelValues("failure").Observe(e.Duration.Seconds())
	case types.EventBatchRetry:
		c.batchRetries.Inc()
	case types.EventStoreRetry:
		c.storeRetries.Inc()
	case types.EventRateLimited:
		c.rateLimitWait.Observe(e.Delay.Seconds())
	}
}

// setRunning 以集合追蹤執行中任務，未曾開始就結束的任務不影響 gauge
func (c *Collector) setRunning(jobID string, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if running {
		c.running[jobID] = struct{}{}
	} else {
		delete(c.running, jobID)
	}
	c.jobsRunning.Set(float64(len(c.running)))
}

// Handler 返回 Prometheus 抓取端點，nil 表示 DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
