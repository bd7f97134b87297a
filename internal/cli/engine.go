package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/beaver-backfill/internal/checkpoint"
	"github.com/ChuLiYu/beaver-backfill/internal/config"
	"github.com/ChuLiYu/beaver-backfill/internal/coordinator"
	"github.com/ChuLiYu/beaver-backfill/internal/metrics"
	"github.com/ChuLiYu/beaver-backfill/internal/processor"
	"github.com/ChuLiYu/beaver-backfill/internal/processor/coinapi"
	"github.com/ChuLiYu/beaver-backfill/internal/tracing"
)

// engine wires a coordinator from config.
type engine struct {
	coord    *coordinator.Coordinator
	store    checkpoint.Store
	gatherer prometheus.Gatherer
	closers  []func(context.Context) error
	logger   *slog.Logger
}

// newEngine opens the store, tracing, metrics and processors. On error
// everything opened so far is closed.
func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *engine, err error) {
	e := &engine{logger: logger}
	defer func() {
		if err != nil {
			e.Close(context.WithoutCancel(ctx))
		}
	}()

	shutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, shutdown)

	e.store, err = checkpoint.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s checkpoint store: %w", cfg.Store.Backend, err)
	}
	e.closers = append(e.closers, func(context.Context) error { return e.store.Close() })

	procs, err := e.processors(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []coordinator.Option{coordinator.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, coordinator.WithListener(metrics.NewCollector(reg)))
		e.gatherer = reg
	}
	e.coord = coordinator.New(e.store, procs, cfg.Engine.Coordinator(), opts...)
	return e, nil
}

// processors registers simulate always and coinapi when a loader DSN is set.
func (e *engine) processors(ctx context.Context, cfg *config.Config) (*processor.Registry, error) {
	reg := processor.NewRegistry()
	reg.Register(processor.SimulateName, processor.NewSimulator(cfg.Processors.Simulate, uint64(time.Now().UnixNano())))

	cc := cfg.Processors.CoinAPI
	if cc.LoaderDSN == "" {
		e.logger.Debug("coinapi processor disabled, no loader_dsn configured")
		return reg, nil
	}
	loader, err := coinapi.OpenPostgresLoader(ctx, cc.LoaderDSN)
	if err != nil {
		return nil, fmt.Errorf("open coinapi loader: %w", err)
	}
	e.closers = append(e.closers, func(context.Context) error { loader.Close(); return nil })
	reg.Register(coinapi.Name, coinapi.NewProcessor(coinapi.NewClient(cc), loader, e.logger))
	return reg, nil
}

// Close stops running jobs, then releases resources in reverse order.
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	if e.coord != nil {
		errs = append(errs, e.coord.Close())
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	return errors.Join(errs...)
}
