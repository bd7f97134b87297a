package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-backfill/internal/config"
	"github.com/ChuLiYu/beaver-backfill/internal/storage/wal"
)

// walPath returns the explicit path or the file store WAL from config.
func walPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", err
	}
	return cfg.Store.File.WALPath, nil
}

func buildWALCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the checkpoint write-ahead log of the file store",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "WAL file (default store.file.wal_path)")

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print every WAL event",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := walPath(path)
			if err != nil {
				return err
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Verify WAL checksums and sequence numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := walPath(path)
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(p); err != nil {
				return fmt.Errorf("wal %s is invalid: %w", p, err)
			}
			stats, err := wal.GetWALStats(p)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Fprintf(cmd.OutOrStdout(), "wal %s is valid\n%s\n", p, out)
			return nil
		},
	}

	cmd.AddCommand(dump, validate)
	return cmd
}
