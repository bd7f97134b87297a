package coinapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// Name is the registry name of the CoinAPI processor.
const Name = "coinapi"

// Processor backfills daily OHLCV: for every entity and day of a batch it
// fetches one candle, then upserts all candles of the batch in one write.
// Rows carry the job ID as backfill_run_id.
type Processor struct {
	client *Client
	loader Loader
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor binds a client to a loader.
func NewProcessor(client *Client, loader Loader, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		client: client,
		loader: loader,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Cost implements worker.Coster: one OHLCV request per entity and day.
func (p *Processor) Cost(b types.Batch) int {
	return len(b.Entities) * b.Days()
}

// Process implements worker.Processor.
func (p *Processor) Process(ctx context.Context, b types.Batch) error {
	var rows []Row
	missing := 0
	for _, symbol := range b.Entities {
		for day := types.TruncateDate(b.Start); !day.After(b.End); day = day.AddDate(0, 0, 1) {
			c, err := p.client.FetchDay(ctx, symbol, day)
			if err != nil {
				return err
			}
			if c == nil {
				missing++
				continue
			}
			rows = append(rows, Row{
				TokenSymbol: symbol,
				Date:        day,
				Open:        c.PriceOpen,
				High:        c.PriceHigh,
				Low:         c.PriceLow,
				Close:       c.PriceClose,
				Volume:      c.VolumeTraded,
				FetchedAt:   p.now(),
				SourceAPI:   SourceAPI,
				RunID:       b.JobID,
			})
		}
	}

	if err := p.loader.Upsert(ctx, rows); err != nil {
		return err
	}
	p.logger.Debug("coinapi batch loaded",
		"batch", b.ID,
		"rows", len(rows),
		"missing_days", missing)
	return nil
}
