package coinapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// Row 對應 bf_historical_market_data 的一列
type Row struct {
	TokenSymbol string
	Date        time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	FetchedAt   time.Time
	SourceAPI   string
	RunID       string // backfill_run_id，等於 job ID
}

// Loader writes rows to the target store. Upsert must be idempotent.
type Loader interface {
	Upsert(ctx context.Context, rows []Row) error
}

// ensureSQL 建表並補上 upsert 需要的唯一索引；舊版建立的表沒有主鍵
var ensureSQL = []string{`
CREATE TABLE IF NOT EXISTS bf_historical_market_data (
  token_symbol      VARCHAR(20)    NOT NULL,
  date              DATE           NOT NULL,
  open_price        DECIMAL(20,8),
  high_price        DECIMAL(20,8),
  low_price         DECIMAL(20,8),
  close_price       DECIMAL(20,8),
  volume            DECIMAL(28,8),
  timestamp_fetched TIMESTAMP,
  source_api        VARCHAR(50)    NOT NULL,
  backfill_run_id   VARCHAR,
  PRIMARY KEY (token_symbol, date, source_api)
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bf_historical_market_data_key
  ON bf_historical_market_data (token_symbol, date, source_api)`,
}

const upsertSQL = `
INSERT INTO bf_historical_market_data (
  token_symbol, date, open_price, high_price, low_price, close_price,
  volume, timestamp_fetched, source_api, backfill_run_id
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (token_symbol, date, source_api) DO UPDATE SET
  open_price = EXCLUDED.open_price,
  high_price = EXCLUDED.high_price,
  low_price = EXCLUDED.low_price,
  close_price = EXCLUDED.close_price,
  volume = EXCLUDED.volume,
  timestamp_fetched = EXCLUDED.timestamp_fetched,
  backfill_run_id = EXCLUDED.backfill_run_id`

// PostgresLoader upserts rows into bf_historical_market_data.
type PostgresLoader struct {
	pool *pgxpool.Pool
}

// OpenPostgresLoader connects to dsn and creates the target table.
func OpenPostgresLoader(ctx context.Context, dsn string) (*PostgresLoader, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: coinapi loader dsn is required", types.ErrConfiguration)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrConfiguration, err)
	}
	l := &PostgresLoader{pool: pool}
	if err := l.Ensure(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// Ensure creates the target table if missing and makes sure the conflict
// target of the upsert is backed by a unique index.
func (l *PostgresLoader) Ensure(ctx context.Context) error {
	for _, stmt := range ensureSQL {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure bf_historical_market_data: %w", err)
		}
	}
	return nil
}

// Upsert writes rows in one round trip.
func (l *PostgresLoader) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertSQL,
			r.TokenSymbol, r.Date, r.Open, r.High, r.Low, r.Close,
			r.Volume, r.FetchedAt, r.SourceAPI, r.RunID)
	}

	br := l.pool.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return loadError(err)
		}
	}
	if err := br.Close(); err != nil {
		return loadError(err)
	}
	return nil
}

// Close releases the pool.
func (l *PostgresLoader) Close() {
	l.pool.Close()
}

// loadError classifies database errors: data exceptions (22) and integrity
// violations (23) are bad rows, syntax or schema errors (42) are permanent.
// Neither can succeed on retry.
func loadError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return &types.ProcessingError{Kind: types.KindMalformed, Message: "load market data", Err: err}
		case strings.HasPrefix(pgErr.Code, "42"):
			return &types.ProcessingError{Kind: types.KindPermanent, Message: "load market data", Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &types.ProcessingError{Kind: types.KindTransient, Message: "load market data", Err: err}
}
