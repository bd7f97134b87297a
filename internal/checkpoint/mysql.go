package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS backfill_runs (
		job_id     VARCHAR(191) NOT NULL PRIMARY KEY,
		run        JSON NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS backfill_batches (
		job_id        VARCHAR(191) NOT NULL,
		batch_id      VARCHAR(191) NOT NULL,
		status        VARCHAR(16)  NOT NULL,
		attempts      INT          NOT NULL DEFAULT 0,
		reset_base    INT          NOT NULL DEFAULT 0,
		error_kind    VARCHAR(32)  NOT NULL DEFAULT '',
		error_message TEXT         NOT NULL,
		updated_at    DATETIME(6)  NOT NULL,
		PRIMARY KEY (job_id, batch_id)
	)`,
}

// mysqlMigrations upgrade tables created before the column existed.
// Error 1060 (duplicate column) means the step already ran.
var mysqlMigrations = []string{
	`ALTER TABLE backfill_batches ADD COLUMN reset_base INT NOT NULL DEFAULT 0`,
}

const mysqlErrDupColumn = 1060

// MySQLStore keeps checkpoints in MySQL through database/sql.
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenMySQLStore connects and ensures the schema exists. parseTime is forced
// on so DATETIME columns scan into time.Time.
func OpenMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: store.mysql.dsn is required", types.ErrConfiguration)
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrConfiguration, err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrConfiguration, err)
	}
	db := sql.OpenDB(connector)
	s := NewMySQLStore(db)
	for _, stmt := range mysqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, s.wrap(err)
		}
	}
	for _, stmt := range mysqlMigrations {
		_, err := db.ExecContext(ctx, stmt)
		var myErr *mysql.MySQLError
		if err != nil && !(errors.As(err, &myErr) && myErr.Number == mysqlErrDupColumn) {
			db.Close()
			return nil, s.wrap(err)
		}
	}
	return s, nil
}

// NewMySQLStore wraps an open database handle. The schema must already exist.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *MySQLStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) || errors.Is(err, context.Canceled) || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: mysql: %w", types.ErrStoreUnavailable, err)
}

func (s *MySQLStore) Load(ctx context.Context, jobID string) (map[string]types.BatchState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, status, attempts, reset_base, error_kind, error_message, updated_at
		 FROM backfill_batches WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	out := make(map[string]types.BatchState)
	for rows.Next() {
		var st types.BatchState
		var status, kind string
		if err := rows.Scan(&st.BatchID, &status, &st.Attempts, &st.ResetBase, &kind, &st.LastError, &st.UpdatedAt); err != nil {
			return nil, s.wrap(err)
		}
		st.Status = types.BatchStatus(status)
		st.LastErrorKind = types.ErrorKind(kind)
		out[st.BatchID] = st
	}
	return out, s.wrap(rows.Err())
}

func (s *MySQLStore) status(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, jobID, batchID string, lock bool) (*types.BatchState, error) {
	query := `SELECT status, attempts, reset_base, error_kind, error_message, updated_at
		FROM backfill_batches WHERE job_id = ? AND batch_id = ?`
	if lock {
		query += ` FOR UPDATE`
	}
	st := types.BatchState{BatchID: batchID}
	var status, kind string
	err := q.QueryRowContext(ctx, query, jobID, batchID).Scan(&status, &st.Attempts, &st.ResetBase, &kind, &st.LastError, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	st.Status = types.BatchStatus(status)
	st.LastErrorKind = types.ErrorKind(kind)
	return &st, nil
}

func (s *MySQLStore) RecordDispatch(ctx context.Context, jobID, batchID string) error {
	// rows affected: 1 insert, 2 update, 0 unchanged (status was not pending)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO backfill_batches (job_id, batch_id, status, error_message, updated_at)
		 VALUES (?, ?, 'in_progress', '', ?)
		 ON DUPLICATE KEY UPDATE
		   updated_at = IF(status = 'pending', VALUES(updated_at), updated_at),
		   status = IF(status = 'pending', 'in_progress', status)`, jobID, batchID, s.now())
	if err != nil {
		return s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 0 {
		cur, err := s.status(ctx, s.db, jobID, batchID, false)
		if err != nil {
			return err
		}
		return invalid(jobID, batchID, statusOf(cur), "dispatch")
	}
	return nil
}

// transition runs fn against the locked current row inside a transaction.
func (s *MySQLStore) transition(ctx context.Context, jobID, batchID string, fn func(cur *types.BatchState) (*types.BatchState, error)) (*types.BatchState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer tx.Rollback()

	cur, err := s.status(ctx, tx, jobID, batchID, true)
	if err != nil {
		return nil, err
	}
	next, err := fn(cur)
	if err != nil || next == nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE backfill_batches
		 SET status = ?, attempts = ?, reset_base = ?, error_kind = ?, error_message = ?, updated_at = ?
		 WHERE job_id = ? AND batch_id = ?`,
		string(next.Status), next.Attempts, next.ResetBase, string(next.LastErrorKind), next.LastError, next.UpdatedAt, jobID, batchID)
	if err != nil {
		return nil, s.wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrap(err)
	}
	return next, nil
}

func (s *MySQLStore) RecordSuccess(ctx context.Context, jobID, batchID string) error {
	_, err := s.transition(ctx, jobID, batchID, func(cur *types.BatchState) (*types.BatchState, error) {
		next, changed, err := nextSuccess(cur, jobID, batchID, s.now())
		if err != nil || !changed {
			return nil, err
		}
		return &next, nil
	})
	return err
}

func (s *MySQLStore) RecordFailure(ctx context.Context, jobID, batchID string, kind types.ErrorKind, msg string) (types.BatchState, error) {
	next, err := s.transition(ctx, jobID, batchID, func(cur *types.BatchState) (*types.BatchState, error) {
		next, err := nextFailure(cur, jobID, batchID, kind, msg, s.now())
		if err != nil {
			return nil, err
		}
		return &next, nil
	})
	if err != nil {
		return types.BatchState{}, err
	}
	return *next, nil
}

func (s *MySQLStore) ResetPending(ctx context.Context, jobID, batchID string) error {
	_, err := s.transition(ctx, jobID, batchID, func(cur *types.BatchState) (*types.BatchState, error) {
		next, changed, err := nextReset(cur, jobID, batchID, s.now())
		if err != nil || !changed {
			return nil, err
		}
		return &next, nil
	})
	return err
}

func (s *MySQLStore) ReopenFailed(ctx context.Context, jobID, batchID string) error {
	_, err := s.transition(ctx, jobID, batchID, func(cur *types.BatchState) (*types.BatchState, error) {
		next, changed, err := nextReopen(cur, jobID, batchID, s.now())
		if err != nil || !changed {
			return nil, err
		}
		return &next, nil
	})
	return err
}

func (s *MySQLStore) PutRun(ctx context.Context, run types.JobRun) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backfill_runs (job_id, run, updated_at) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE run = VALUES(run), updated_at = VALUES(updated_at)`,
		run.JobID, raw, s.now())
	return s.wrap(err)
}

func (s *MySQLStore) Summarize(ctx context.Context, jobID string) (types.JobRun, error) {
	var raw []byte
	run := types.JobRun{JobID: jobID}
	err := s.db.QueryRowContext(ctx, `SELECT run FROM backfill_runs WHERE job_id = ?`, jobID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		raw = nil
	case err != nil:
		return types.JobRun{}, s.wrap(err)
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &run); err != nil {
			return types.JobRun{}, fmt.Errorf("decode run %s: %w", jobID, err)
		}
	}

	states, err := s.Load(ctx, jobID)
	if err != nil {
		return types.JobRun{}, err
	}
	if raw == nil && len(states) == 0 {
		return types.JobRun{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	return summarize(run, states), nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
