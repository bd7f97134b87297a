package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-backfill/internal/checkpoint"
	"github.com/ChuLiYu/beaver-backfill/internal/config"
	"github.com/ChuLiYu/beaver-backfill/internal/coordinator"
	"github.com/ChuLiYu/beaver-backfill/internal/processor"
	"github.com/ChuLiYu/beaver-backfill/internal/server"
)

// dial connects to --server, or server.address from the config.
func dial() (*server.Client, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Address
	}
	return server.Dial(addr)
}

func withClient(parent context.Context, fn func(context.Context, *server.Client) error) error {
	if parent == nil {
		parent = context.Background()
	}
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(parent, rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

func buildSubmitCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job file to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(jobFile)
			if err != nil {
				return fmt.Errorf("failed to read job file: %w", err)
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				id, err := c.Submit(ctx, doc)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "job YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "status [job]",
		Short: "Show job status",
		Long: `Show one job, or list the jobs a server knows about. With --local the
status is read from the configured checkpoint store instead of a server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if local {
				if len(args) == 0 {
					return fmt.Errorf("--local requires a job ID")
				}
				return withStore(cmd.Context(), func(ctx context.Context, store checkpoint.Store) error {
					run, err := store.Summarize(ctx, args[0])
					if err != nil {
						return err
					}
					printRun(out, run)
					return nil
				})
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				if len(args) == 1 {
					run, err := c.Status(ctx, args[0])
					if err != nil {
						return err
					}
					printRun(out, run)
					return nil
				}
				runs, err := c.List(ctx)
				if err != nil {
					return err
				}
				printRuns(out, runs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "read from the checkpoint store")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				if err := c.Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelling %s\n", args[0])
				return nil
			})
		},
	}
}

func buildResetCommand() *cobra.Command {
	var batches []string
	var remote bool

	cmd := &cobra.Command{
		Use:   "reset <job>",
		Short: "Reset failed batches so the next run retries them",
		Long: `Move permanently failed batches back to pending for a corrective
rerun. Without --batch every failed batch of the job is reset. By default
the configured checkpoint store is changed directly, so the job must not
be running elsewhere; --remote goes through a running server instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report := func(n int) {
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d batches of %s\n", n, args[0])
			}
			if remote {
				return withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
					n, err := c.ResetFailed(ctx, args[0], batches...)
					if err != nil {
						return err
					}
					report(n)
					return nil
				})
			}
			return withStore(cmd.Context(), func(ctx context.Context, store checkpoint.Store) error {
				n, err := resetFailed(ctx, store, args[0], batches)
				if err != nil {
					return err
				}
				report(n)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&batches, "batch", nil, "batch ID to reset (repeatable)")
	cmd.Flags().BoolVar(&remote, "remote", false, "reset through the server at --server")
	return cmd
}

// withStore opens the configured checkpoint store for offline commands.
func withStore(parent context.Context, fn func(context.Context, checkpoint.Store) error) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := checkpoint.Open(parent, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(parent, store)
}

// resetFailed runs the reset through a coordinator with no jobs attached,
// so the same state checks apply as on a server.
func resetFailed(ctx context.Context, store checkpoint.Store, jobID string, batchIDs []string) (int, error) {
	c := coordinator.New(store, processor.NewRegistry(), coordinator.Config{}, coordinator.WithLogger(slog.Default()))
	defer c.Close()
	return c.ResetFailed(ctx, jobID, batchIDs...)
}
