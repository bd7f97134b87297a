// Crash recovery demo.
//
//	go run ./cmd/demo start     # press Ctrl+C while batches are in flight
//	go run ./cmd/demo recover   # resumes the same job from the checkpoint
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-backfill/internal/checkpoint"
	"github.com/ChuLiYu/beaver-backfill/internal/config"
	"github.com/ChuLiYu/beaver-backfill/internal/coordinator"
	"github.com/ChuLiYu/beaver-backfill/internal/processor"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

const demoJob = "crash-demo"

func demoSpec() types.JobSpec {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	return types.JobSpec{
		ID:             demoJob,
		Entities:       []string{"BTC", "ETH", "SOL", "XRP", "DOGE", "ADA", "DOT", "LINK", "AVAX", "ATOM"},
		Start:          start,
		End:            start.AddDate(0, 0, 99),
		BatchSize:      1,
		MaxConcurrency: 8,
		Retry:          types.RetryParams{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		RateLimit:      types.RateLimit{Requests: 500, Window: time.Second},
		Processor:      processor.SimulateName,
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Store.Backend = checkpoint.BackendFile
	logger, err := config.SetupLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := checkpoint.Open(ctx, cfg.Store, logger)
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}
	defer store.Close()

	procs := processor.NewRegistry()
	procs.Register(processor.SimulateName, processor.NewSimulator(processor.SimulateConfig{
		FailureRate: 0.1,
		MaxLatency:  200 * time.Millisecond,
	}, uint64(time.Now().UnixNano())))

	coord := coordinator.New(store, procs, cfg.Engine.Coordinator(), coordinator.WithLogger(logger))
	defer coord.Close()

	prev, err := store.Summarize(ctx, demoJob)
	switch {
	case mode == "start" && err == nil:
		fmt.Printf("\n⚠️  Found %s from a previous run\n", demoJob)
		printRun(prev)
		fmt.Println("\n💡 Run 'go run ./cmd/demo recover' to resume it")
		return
	case mode == "recover" && errors.Is(err, types.ErrJobNotFound):
		fmt.Println("Nothing to recover, run 'go run ./cmd/demo start' first")
		return
	case mode == "recover" && err == nil:
		fmt.Printf("\n📊 Checkpoint before recovery:\n")
		printRun(prev)
	case err != nil && !errors.Is(err, types.ErrJobNotFound):
		log.Fatalf("Failed to read checkpoint: %v", err)
	}

	spec := demoSpec()
	if mode == "start" {
		fmt.Printf("✓ Running %d batches on %d workers\n", len(spec.Entities)*spec.Days(), spec.MaxConcurrency)
		fmt.Printf("💡 Press Ctrl+C NOW to catch batches in flight!\n\n")
	}

	// 每 200ms 顯示一次進度
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if run, err := coord.Status(ctx, demoJob); err == nil && !run.Status.Terminal() {
					fmt.Printf("📊 Status: Pending=%d, In-Flight=%d, Succeeded=%d, Failed=%d\n",
						run.Pending, run.InProgress, run.Succeeded, run.Failed)
				}
			}
		}
	}()

	run, err := coord.Run(ctx, spec)
	fmt.Println()
	printRun(run)
	if err != nil {
		log.Fatalf("Job aborted: %v", err)
	}
	if run.Status == types.RunAborted {
		fmt.Println("\n✓ Stopped. In-flight batches finished and were checkpointed.")
		fmt.Println("  Run 'go run ./cmd/demo recover' to resume.")
	} else if run.Resumes > 0 {
		fmt.Printf("\n✓ Resumed %d time(s) without re-running a succeeded batch\n", run.Resumes)
	}
}

func printRun(run types.JobRun) {
	fmt.Printf("  Status:    %s\n", run.Status)
	fmt.Printf("  Pending:   %d\n", run.Pending)
	fmt.Printf("  In-Flight: %d\n", run.InProgress)
	fmt.Printf("  Succeeded: %d\n", run.Succeeded)
	fmt.Printf("  Failed:    %d\n", run.Failed)
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:     %d\n", run.Total)
}
