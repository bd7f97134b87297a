package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-backfill/internal/jobfile"
	"github.com/ChuLiYu/beaver-backfill/internal/server"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// ErrIncomplete is returned by run when the job did not reach completed.
var ErrIncomplete = errors.New("job did not complete")

// jobFlags are the job spec overrides shared by run.
type jobFlags struct {
	file         string
	id           string
	entities     string
	entitiesFile string
	start        string
	end          string
	processor    string
	batchSize    int
	concurrency  int
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "job YAML file")
	cmd.Flags().StringVar(&f.id, "id", "", "job ID (reuse an ID to resume)")
	cmd.Flags().StringVar(&f.entities, "entities", "", "comma separated entity keys, e.g. BTC,ETH")
	cmd.Flags().StringVar(&f.entitiesFile, "entities-file", "", "JSON array of entity keys")
	cmd.Flags().StringVar(&f.start, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&f.end, "end", "", "end date YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&f.processor, "processor", "", "processor name (default engine.default_processor)")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "days (or entities) per batch")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "max batches in flight")
}

// spec builds the job from the file (if any) and applies set flags on top.
func (f *jobFlags) spec(cmd *cobra.Command) (types.JobSpec, error) {
	spec := jobfile.Defaults()
	if f.file != "" {
		var err error
		if spec, err = jobfile.Read(f.file); err != nil {
			return types.JobSpec{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("id") {
		spec.ID = f.id
	}
	if flags.Changed("entities") {
		spec.Entities = jobfile.ParseEntities(f.entities)
	}
	if flags.Changed("entities-file") {
		keys, err := jobfile.LoadEntities(f.entitiesFile)
		if err != nil {
			return types.JobSpec{}, err
		}
		if flags.Changed("entities") {
			keys = append(spec.Entities, keys...)
		}
		spec.Entities = keys
	}
	if flags.Changed("start") {
		t, err := types.ParseDate(f.start)
		if err != nil {
			return types.JobSpec{}, err
		}
		spec.Start = t
	}
	if flags.Changed("end") {
		t, err := types.ParseDate(f.end)
		if err != nil {
			return types.JobSpec{}, err
		}
		spec.End = t
	}
	if flags.Changed("processor") {
		spec.Processor = f.processor
	}
	if flags.Changed("batch-size") {
		spec.BatchSize = f.batchSize
	}
	if flags.Changed("concurrency") {
		spec.MaxConcurrency = f.concurrency
	}
	return spec, nil
}

func buildRunCommand() *cobra.Command {
	var jf jobFlags
	var serve bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one backfill job in the foreground",
		Long: `Run a job until every batch is succeeded or permanently failed.
Ctrl+C stops dispatching, lets in-flight batches finish and leaves the
job resumable under the same ID.`,
		Example: `  beaver-backfill run -f jobs/coinapi.yaml
  beaver-backfill run --id demo --entities BTC,ETH --start 2024-01-01 --end 2024-01-31`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := jf.spec(cmd)
			if err != nil {
				return err
			}
			return runJob(cmd.Context(), spec, serve, cmd.OutOrStdout())
		},
	}
	jf.register(cmd)
	cmd.Flags().BoolVar(&serve, "serve", false, "also expose the status API while the job runs")
	return cmd
}

func runJob(parent context.Context, spec types.JobSpec, serve bool, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if spec.ID == "" {
		// 先產生 ID 才能在中斷後以同一個 ID 恢復
		spec.ID = "job-" + uuid.NewString()
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	if serve {
		srvCtx, cancelSrv := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelSrv()
		srv := server.New(eng.coord, eng.gatherer, server.Config{
			GRPCAddr: cfg.Server.GRPCAddr(),
			HTTPAddr: cfg.Server.HTTPAddr(),
		}, logger)
		go func() {
			if err := srv.Serve(srvCtx); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	logger.Info("running job", "job", spec.ID, "entities", len(spec.Entities),
		"start", spec.Start.Format(types.DateLayout), "end", spec.End.Format(types.DateLayout))

	run, err := eng.coord.Run(ctx, spec)
	printRun(out, run)
	if err != nil {
		return err
	}
	if run.Status != types.RunCompleted {
		logger.Warn("job finished without completing", "job", run.JobID, "status", run.Status)
		return fmt.Errorf("%w: %s is %s", ErrIncomplete, run.JobID, run.Status)
	}
	logger.Info("job completed", "job", run.JobID, slog.Int("batches", run.Total))
	return nil
}
