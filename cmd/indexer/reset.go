package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"silenceScope/internal/indexer"
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every stored event and the sync checkpoint",
		RunE:  runReset,
	}

	addStoreFlags(cmd.Flags())
	cmd.Flags().Bool("yes", false, "confirm the irreversible reset")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func runReset(cmd *cobra.Command, _ []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return fmt.Errorf("reset deletes all stored events; pass --yes to confirm")
	}

	session, err := openBoardSession(cmd)
	if err != nil {
		return err
	}
	defer session.close()

	// reset never talks to the chain
	offline := func(context.Context, string) (indexer.ChainReader, error) {
		return nil, indexer.ErrNoEndpoint
	}
	engine, err := indexer.NewEngine(indexer.Config{}, indexer.Dependencies{
		Dialer:     offline,
		Store:      session.store,
		Recomputer: session.board,
	}, session.logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	before := session.board.Summary().EventCount
	if err := engine.Reset(session.ctx); err != nil {
		return err
	}

	session.logger.Info("store reset", zap.Int("events_removed", before))
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d events; checkpoint cleared\n", before)
	return nil
}
