// ============================================================================
// Beaver-Backfill CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating backfill jobs
//
// Command Structure:
//   beaver-backfill                  # Root command
//   ├── run                          # Run one job in the foreground
//   │   ├── --file, -f              # Job YAML file
//   │   └── --entities/--entities-file/--start/--end/...  # Flag overrides
//   ├── serve                        # Engine + gRPC + HTTP/metrics until signal
//   ├── submit -f job.yaml           # Submit to a running server (gRPC)
//   ├── status [job]                 # Job status (gRPC, or --local from the store)
//   ├── cancel <job>                 # Cancel a running job (gRPC)
//   ├── reset <job> [--batch id]     # Reset failed batches for a corrective rerun
//   └── wal
//       ├── dump                     # Print checkpoint WAL events
//       └── validate                 # Verify checksums and sequence
//
// Configuration:
//   --config, -c (default configs/default.yaml), see internal/config.
//   BEAVER_* environment variables override file values.
//
// Signal Handling:
//   run and serve cancel on SIGINT / SIGTERM. In-flight batches finish and
//   the job is left resumable: running the same job ID again picks up where
//   it stopped.
//
// Exit Status:
//   run exits non-zero unless the job reached "completed".
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-backfill/internal/config"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0"

var (
	configFile string
	serverAddr string
)

// rpcTimeout bounds client commands talking to a server.
const rpcTimeout = 10 * time.Second

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-backfill",
		Short: "Beaver-Backfill: a resumable backfill job engine",
		Long: `Beaver-Backfill splits a historical backfill over entities and dates into
batches and executes each batch exactly once with:
- durable per-batch checkpoints (file WAL, PostgreSQL, MySQL or Redis)
- bounded concurrency and shared rate limits
- per-batch retries with exponential backoff
- crash and cancel resumption`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "gRPC server address (default from server.address)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildResetCommand())
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// loadConfig reads the config and installs the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := config.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
