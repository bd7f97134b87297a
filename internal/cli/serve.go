package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-backfill/internal/server"
)

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine with the gRPC and HTTP status APIs",
		Long: `Start a long running engine. Jobs are submitted with "submit" or
POST /jobs and keep running until they finish, are cancelled or the
process receives SIGINT/SIGTERM. Interrupted jobs resume when they are
submitted again with the same ID.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := server.New(eng.coord, eng.gatherer, server.Config{
		GRPCAddr: cfg.Server.GRPCAddr(),
		HTTPAddr: cfg.Server.HTTPAddr(),
	}, logger)

	logger.Info("engine started", "store", cfg.Store.Backend, "metrics", cfg.Metrics.Enabled)
	serveErr := srv.Serve(ctx)

	logger.Info("received shutdown signal, stopping gracefully")
	if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("engine stopped")
	return serveErr
}
