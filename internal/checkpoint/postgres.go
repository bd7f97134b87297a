package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// postgresSchema is applied by OpenPostgresStore.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS backfill_runs (
    job_id     TEXT PRIMARY KEY,
    run        JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS backfill_batches (
    job_id        TEXT NOT NULL,
    batch_id      TEXT NOT NULL,
    status        TEXT NOT NULL,
    attempts      INT  NOT NULL DEFAULT 0,
    reset_base    INT  NOT NULL DEFAULT 0,
    error_kind    TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (job_id, batch_id)
);
ALTER TABLE backfill_batches ADD COLUMN IF NOT EXISTS reset_base INT NOT NULL DEFAULT 0;`

// PostgresStore keeps checkpoints in PostgreSQL. Several engine processes may
// share one database; the conditional upserts make every transition a CAS.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: store.postgres.dsn is required", types.ErrConfiguration)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrConfiguration, err)
	}
	s := NewPostgresStore(pool)
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, s.wrap(err)
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool. The schema must already exist.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// wrap marks connectivity failures as ErrStoreUnavailable. Errors reported by
// the server itself are returned unchanged.
func (s *PostgresStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: postgres: %w", types.ErrStoreUnavailable, err)
}

func (s *PostgresStore) Load(ctx context.Context, jobID string) (map[string]types.BatchState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, status, attempts, reset_base, error_kind, error_message, updated_at
		 FROM backfill_batches WHERE job_id = $1`, jobID)
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

func (s *PostgresStore) status(ctx context.Context, jobID, batchID string) (types.BatchStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM backfill_batches WHERE job_id = $1 AND batch_id = $2`, jobID, batchID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.BatchPending, nil
	}
	if err != nil {
		return "", s.wrap(err)
	}
	return types.BatchStatus(status), nil
}

func (s *PostgresStore) RecordDispatch(ctx context.Context, jobID, batchID string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO backfill_batches (job_id, batch_id, status, updated_at)
		 VALUES ($1, $2, 'in_progress', now())
		 ON CONFLICT (job_id, batch_id) DO UPDATE
		   SET status = 'in_progress', updated_at = now()
		   WHERE backfill_batches.status = 'pending'`, jobID, batchID)
	if err != nil {
		return s.wrap(err)
	}
	if tag.RowsAffected() == 0 {
		from, err := s.status(ctx, jobID, batchID)
		if err != nil {
			return err
		}
		return invalid(jobID, batchID, from, "dispatch")
	}
	return nil
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, jobID, batchID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backfill_batches
		 SET status = 'succeeded', attempts = attempts + 1, error_kind = '', error_message = '', updated_at = now()
		 WHERE job_id = $1 AND batch_id = $2 AND status = 'in_progress'`, jobID, batchID)
	if err != nil {
		return s.wrap(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	from, err := s.status(ctx, jobID, batchID)
	if err != nil {
		return err
	}
	if from == types.BatchSucceeded {
		return nil
	}
	return invalid(jobID, batchID, from, "success")
}

func (s *PostgresStore) RecordFailure(ctx context.Context, jobID, batchID string, kind types.ErrorKind, msg string) (types.BatchState, error) {
	st := types.BatchState{BatchID: batchID, Status: types.BatchFailed, LastErrorKind: kind, LastError: msg}
	err := s.pool.QueryRow(ctx,
		`UPDATE backfill_batches
		 SET status = 'failed', attempts = attempts + 1, error_kind = $3, error_message = $4, updated_at = now()
		 WHERE job_id = $1 AND batch_id = $2 AND status = 'in_progress'
		 RETURNING attempts, reset_base, updated_at`, jobID, batchID, string(kind), msg).Scan(&st.Attempts, &st.ResetBase, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		from, err := s.status(ctx, jobID, batchID)
		if err != nil {
			return types.BatchState{}, err
		}
		return types.BatchState{}, invalid(jobID, batchID, from, "failure")
	}
	if err != nil {
		return types.BatchState{}, s.wrap(err)
	}
	return st, nil
}

func (s *PostgresStore) ResetPending(ctx context.Context, jobID, batchID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backfill_batches SET status = 'pending', updated_at = now()
		 WHERE job_id = $1 AND batch_id = $2 AND status IN ('failed', 'in_progress')`, jobID, batchID)
	if err != nil {
		return s.wrap(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	from, err := s.status(ctx, jobID, batchID)
	if err != nil {
		return err
	}
	if from == types.BatchPending {
		return nil
	}
	return invalid(jobID, batchID, from, "reset")
}

func (s *PostgresStore) ReopenFailed(ctx context.Context, jobID, batchID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backfill_batches SET status = 'pending', reset_base = attempts, updated_at = now()
		 WHERE job_id = $1 AND batch_id = $2 AND status = 'failed'`, jobID, batchID)
	if err != nil {
		return s.wrap(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	from, err := s.status(ctx, jobID, batchID)
	if err != nil {
		return err
	}
	if from == types.BatchPending {
		return nil
	}
	return invalid(jobID, batchID, from, "reopen")
}

func (s *PostgresStore) PutRun(ctx context.Context, run types.JobRun) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO backfill_runs (job_id, run, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (job_id) DO UPDATE SET run = EXCLUDED.run, updated_at = now()`, run.JobID, raw)
	return s.wrap(err)
}

func (s *PostgresStore) Summarize(ctx context.Context, jobID string) (types.JobRun, error) {
	var raw []byte
	run := types.JobRun{JobID: jobID}
	err := s.pool.QueryRow(ctx, `SELECT run FROM backfill_runs WHERE job_id = $1`, jobID).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
