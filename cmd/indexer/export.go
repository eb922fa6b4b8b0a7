package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"silenceScope/internal/export"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the leaderboard as CSV",
		RunE:  runExport,
	}

	cmd.Flags().String("rpc", "", "RPC URL for token decimals lookup")
	addStoreFlags(cmd.Flags())
	addStatsFlags(cmd.Flags())
	cmd.Flags().String("sort", "silence", "sort key (silence, usdt, count)")
	cmd.Flags().Int("limit", 0, "rows to export (0 = all)")
	cmd.Flags().String("out", "-", "output CSV path, - for stdout")
	cmd.Flags().String("log-level", "warn", "log level (debug, info, warn, error)")
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	session, err := openBoardSession(cmd)
	if err != nil {
		return err
	}
	defer session.close()

	_, rows, err := session.rows()
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	path := session.cfg.Out
	if path != "" && path != "-" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
		}
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer file.Close()
		w = file
	}

	if err := export.WriteCSV(w, rows, session.decimals()); err != nil {
		return err
	}
	session.logger.Info("export complete", zap.Int("rows", len(rows)), zap.String("out", path))
	return nil
}
