package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"silenceScope/internal/aggregate"
	"silenceScope/internal/export"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the purchase leaderboard and daily totals",
		RunE:  runStats,
	}

	cmd.Flags().String("rpc", "", "RPC URL for token decimals lookup")
	addStoreFlags(cmd.Flags())
	addStatsFlags(cmd.Flags())
	cmd.Flags().String("sort", "silence", "sort key (silence, usdt, count)")
	cmd.Flags().Int("limit", 20, "rows to print (0 = all)")
	cmd.Flags().Bool("daily", false, "print per-day silence totals")
	cmd.Flags().String("log-level", "warn", "log level (debug, info, warn, error)")
	return cmd
}

func runStats(cmd *cobra.Command, _ []string) error {
	session, err := openBoardSession(cmd)
	if err != nil {
		return err
	}
	defer session.close()

	summary, rows, err := session.rows()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "view: %s  events: %d  wallets: %d  active wallets (>= %g): %d\n",
		summary.View, summary.EventCount, summary.WalletCount, session.cfg.StatThreshold, summary.ActiveWallets)
	decimals := session.decimals()
	fmt.Fprintf(out, "total silence: %s  total usdt: %s\n\n",
		aggregate.FormatAmount(summary.TotalSilenceRaw, decimals.Silence),
		aggregate.FormatAmount(summary.TotalUSDTRaw, decimals.USDT),
	)

	if err := export.WriteTable(out, rows, decimals); err != nil {
		return err
	}

	if daily, _ := cmd.Flags().GetBool("daily"); daily {
		fmt.Fprintln(out)
		for _, day := range summary.Daily {
			fmt.Fprintf(out, "%s  %.4f\n", day.Date, day.Amount)
		}
	}
	return nil
}
