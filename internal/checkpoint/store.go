// ============================================================================
// Beaver-Backfill Checkpoint Store - 批次狀態的持久化介面
// ============================================================================
//
// Package: internal/checkpoint
// File: store.go
//
// 批次狀態機 (per job, per batch):
//
//   (absent) / pending
//      ↓ RecordDispatch
//   in_progress ──RecordFailure──→ failed ──ResetPending──→ pending
//                                          ──ReopenFailed──→ pending (ResetBase = Attempts)
//      │   ↑                                                   │
//      │   └──────────────── RecordDispatch ───────────────────┘
//      ↓ RecordSuccess
//   succeeded (terminal)
//
// A batch absent from the store is pending. Every transition is atomic per
// (jobID, batchID): two concurrent RecordDispatch calls on the same pending
// batch never both succeed.
//
// Backends:
//   memory   - single process, lost on exit
//   file     - memory + WAL + periodic snapshot
//   postgres - pgx pool, CAS via INSERT ... ON CONFLICT ... WHERE
//   mysql    - database/sql, CAS via ON DUPLICATE KEY UPDATE
//   redis    - per-job hashes, transitions as Lua scripts
// ============================================================================

package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// Store persists batch states and run metadata.
type Store interface {
	// Load returns every known batch state of a job. Batches missing from the
	// map are pending.
	Load(ctx context.Context, jobID string) (map[string]types.BatchState, error)

	// RecordDispatch moves an absent or pending batch to in_progress.
	RecordDispatch(ctx context.Context, jobID, batchID string) error

	// RecordSuccess moves an in_progress batch to succeeded and counts the
	// attempt. Calling it on a succeeded batch is a no-op.
	RecordSuccess(ctx context.Context, jobID, batchID string) error

	// RecordFailure moves an in_progress batch to failed, counts the attempt
	// and returns the new state.
	RecordFailure(ctx context.Context, jobID, batchID string, kind types.ErrorKind, msg string) (types.BatchState, error)

	// ResetPending moves a failed or in_progress batch back to pending
	// without touching its attempt count.
	ResetPending(ctx context.Context, jobID, batchID string) error

	// ReopenFailed moves a failed batch back to pending and records its
	// current attempt count as ResetBase, opening a fresh retry budget that
	// survives restarts. A pending batch is a no-op.
	ReopenFailed(ctx context.Context, jobID, batchID string) error

	// PutRun upserts the run metadata of a job.
	PutRun(ctx context.Context, run types.JobRun) error

	// Summarize returns the stored run with batch counts and failures
	// recomputed from the batch states.
	Summarize(ctx context.Context, jobID string) (types.JobRun, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendRedis    = "redis"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend  string      `mapstructure:"backend" yaml:"backend"`
	File     FileConfig  `mapstructure:"file" yaml:"file"`
	Postgres SQLConfig   `mapstructure:"postgres" yaml:"postgres"`
	MySQL    SQLConfig   `mapstructure:"mysql" yaml:"mysql"`
	Redis    RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// FileConfig configures the WAL + snapshot backend.
type FileConfig struct {
	WALPath          string        `mapstructure:"wal_path" yaml:"wal_path"`
	SnapshotPath     string        `mapstructure:"snapshot_path" yaml:"snapshot_path"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
}

// SQLConfig configures a relational backend.
type SQLConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// Open builds the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return OpenFileStore(cfg.File, logger)
	case BackendPostgres:
		return OpenPostgresStore(ctx, cfg.Postgres.DSN)
	case BackendMySQL:
		return OpenMySQLStore(ctx, cfg.MySQL.DSN)
	case BackendRedis:
		return OpenRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint backend %q", types.ErrConfiguration, cfg.Backend)
	}
}

// ============================================================================
// 共用的狀態轉換規則
// ============================================================================

func invalid(jobID, batchID string, from types.BatchStatus, op string) error {
	if from == "" {
		from = types.BatchPending
	}
	return fmt.Errorf("%w: %s %s/%s from %s", types.ErrInvalidTransition, op, jobID, batchID, from)
}

func statusOf(cur *types.BatchState) types.BatchStatus {
	if cur == nil {
		return types.BatchPending
	}
	return cur.Status
}

func nextDispatch(cur *types.BatchState, jobID, batchID string, now time.Time) (types.BatchState, error) {
	if s := statusOf(cur); s != types.BatchPending {
		return types.BatchState{}, invalid(jobID, batchID, s, "dispatch")
	}
	next := types.BatchState{BatchID: batchID}
	if cur != nil {
		next = *cur
	}
	next.Status = types.BatchInProgress
	next.UpdatedAt = now
	return next, nil
}

// nextSuccess reports changed=false for the idempotent succeeded case.
func nextSuccess(cur *types.BatchState, jobID, batchID string, now time.Time) (next types.BatchState, changed bool, err error) {
	switch s := statusOf(cur); s {
	case types.BatchSucceeded:
		return *cur, false, nil
	case types.BatchInProgress:
		next = *cur
		next.Status = types.BatchSucceeded
		next.Attempts++
		next.LastErrorKind = ""
		next.LastError = ""
		next.UpdatedAt = now
		return next, true, nil
	default:
		return types.BatchState{}, false, invalid(jobID, batchID, s, "success")
	}
}

func nextFailure(cur *types.BatchState, jobID, batchID string, kind types.ErrorKind, msg string, now time.Time) (types.BatchState, error) {
	if s := statusOf(cur); s != types.BatchInProgress {
		return types.BatchState{}, invalid(jobID, batchID, s, "failure")
	}
	next := *cur
	next.Status = types.BatchFailed
	next.Attempts++
	next.LastErrorKind = kind
	next.LastError = msg
	next.UpdatedAt = now
	return next, nil
}

// nextReset reports changed=false when the batch is already pending.
func nextReset(cur *types.BatchState, jobID, batchID string, now time.Time) (next types.BatchState, changed bool, err error) {
	switch s := statusOf(cur); s {
	case types.BatchPending:
		return types.BatchState{}, false, nil
	case types.BatchFailed, types.BatchInProgress:
		next = *cur
		next.Status = types.BatchPending
		next.UpdatedAt = now
		return next, true, nil
	default:
		return types.BatchState{}, false, invalid(jobID, batchID, s, "reset")
	}
}

// nextReopen reports changed=false when the batch is already pending.
func nextReopen(cur *types.BatchState, jobID, batchID string, now time.Time) (next types.BatchState, changed bool, err error) {
	switch s := statusOf(cur); s {
	case types.BatchPending:
		return types.BatchState{}, false, nil
	case types.BatchFailed:
		next = *cur
		next.Status = types.BatchPending
		next.ResetBase = cur.Attempts
		next.UpdatedAt = now
		return next, true, nil
	default:
		return types.BatchState{}, false, invalid(jobID, batchID, s, "reopen")
	}
}

// summarize fills counts and failures of run from the batch states.
func summarize(run types.JobRun, states map[string]types.BatchState) types.JobRun {
	run.InProgress, run.Succeeded, run.Failed = 0, 0, 0
	run.Failures = nil
	for _, st := range states {
		switch st.Status {
		case types.BatchInProgress:
			run.InProgress++
		case types.BatchSucceeded:
			run.Succeeded++
		case types.BatchFailed:
			run.Failed++
			run.Failures = append(run.Failures, types.BatchFailure{
				BatchID:  st.BatchID,
				Attempts: st.Attempts,
				Kind:     st.LastErrorKind,
				Message:  st.LastError,
			})
		}
	}
	sort.Slice(run.Failures, func(i, j int) bool { return run.Failures[i].BatchID < run.Failures[j].BatchID })
	run.Pending = max(run.Total-run.InProgress-run.Succeeded-run.Failed, 0)
	return run
}
