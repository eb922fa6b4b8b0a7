package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"silenceScope/internal/blocktime"
	"silenceScope/internal/chain"
	"silenceScope/internal/config"
	"silenceScope/internal/decoder"
	"silenceScope/internal/indexer"
	"silenceScope/internal/metrics"
)

func main() {
	root := &cobra.Command{
		Use:          "indexer",
		Short:        "Purchase event indexer and leaderboard",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync purchase events from the chain into the local store",
		RunE:  runSync,
	}

	syncCmd.Flags().String("rpc", "", "RPC URL")
	syncCmd.Flags().String("contract", "", "sale contract address")
	syncCmd.Flags().String("topic0", "", "event signature hash override")
	syncCmd.Flags().String("start-time", "", "first sync start time (RFC3339, local datetime or unix seconds)")
	syncCmd.Flags().String("end-time", "", "optional sync end time")
	syncCmd.Flags().Uint64("batch-size", indexer.DefaultBatchSize, "blocks per batch")
	syncCmd.Flags().Duration("block-interval", blocktime.DefaultInterval, "assumed block interval")
	syncCmd.Flags().Duration("pacing-delay", indexer.DefaultPacingDelay, "delay between batches")
	syncCmd.Flags().Duration("retry-delay", indexer.DefaultRetryDelay, "delay before retrying a failed sync")
	syncCmd.Flags().Duration("settle-delay", indexer.DefaultSettleDelay, "delay before restarting after an endpoint change")
	syncCmd.Flags().Int("max-retries", 0, "consecutive automatic retries before giving up (0 = unlimited)")
	syncCmd.Flags().Duration("anchor-refresh", time.Minute, "chain head refresh interval in follow mode")
	syncCmd.Flags().Bool("follow", false, "keep running and resume when the head advances")
	syncCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	addStoreFlags(syncCmd.Flags())
	addStatsFlags(syncCmd.Flags())
	syncCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(syncCmd)

	headCmd := &cobra.Command{
		Use:   "head",
		Short: "Show the chain head and the block estimated for a time",
		RunE:  runHead,
	}

	headCmd.Flags().String("rpc", "", "RPC URL")
	headCmd.Flags().String("start-time", "", "time to translate into a block number")
	headCmd.Flags().Duration("block-interval", 2*time.Second, "assumed block interval")
	headCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(headCmd)
	root.AddCommand(newStatsCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newResetCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addStoreFlags(flags *pflag.FlagSet) {
	flags.String("store", "sqlite", "event store (sqlite, postgres, jsonl)")
	flags.String("store-path", "./data/events.db", "sqlite or jsonl store path")
	flags.String("pg-dsn", "", "Postgres DSN")
}

func addStatsFlags(flags *pflag.FlagSet) {
	flags.Float64("stat-threshold", 0, "minimum silence total for an active wallet")
	flags.Float64("display-threshold", 0, "minimum silence total for a leaderboard row")
	flags.String("view", "all", "aggregation view (all, today)")
	flags.Int32("silence-decimals", 18, "silence token decimals")
	flags.Int32("usdt-decimals", 18, "usdt token decimals")
	flags.String("silence-token", "", "silence token address for on-chain decimals lookup")
	flags.String("usdt-token", "", "usdt token address for on-chain decimals lookup")
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	contract, err := indexer.ParseAddress(cfg.Contract)
	if err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	defaultTopic, err := decoder.EventTopic()
	if err != nil {
		return err
	}
	topic0, err := indexer.ParseTopic0(cfg.Topic0, defaultTopic)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	checkpoint, err := store.LatestScannedBlock(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if checkpoint == 0 && cfg.StartTime.IsZero() {
		return fmt.Errorf("start-time is required for the first sync")
	}

	dial := func(ctx context.Context, url string) (indexer.ChainReader, error) {
		return chain.NewClient(ctx, url, contract, topic0)
	}
	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, contract, topic0)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}

	board, err := newBoard(ctx, store, chainClient, cfg.Stats, logger)
	if err != nil {
		chainClient.Close()
		return err
	}

	estimator := blocktime.NewEstimator(cfg.BlockInterval)
	dec, err := decoder.New(estimator)
	if err != nil {
		chainClient.Close()
		return err
	}

	engine, err := indexer.NewEngine(indexer.Config{
		StartTime:     cfg.StartTime,
		EndTime:       cfg.EndTime,
		BatchSize:     cfg.BatchSize,
		BlockInterval: cfg.BlockInterval,
		PacingDelay:   cfg.PacingDelay,
		RetryDelay:    cfg.RetryDelay,
		SettleDelay:   cfg.SettleDelay,
		MaxRetries:    cfg.MaxRetries,
	}, indexer.Dependencies{
		Chain:      chainClient,
		Endpoint:   cfg.RPCURL,
		Dialer:     dial,
		Store:      store,
		Estimator:  estimator,
		Decoder:    dec,
		Recomputer: board,
	}, logger)
	if err != nil {
		chainClient.Close()
		return err
	}
	defer engine.Close()

	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, logger)
		defer shutdown()
	}

	logger.Info("sync start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", contract.Hex()),
		zap.String("topic0", topic0.Hex()),
		zap.Uint64("checkpoint", checkpoint),
		zap.Time("start_time", cfg.StartTime),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("follow", cfg.Follow),
	)

	if err := engine.Start(); err != nil {
		return err
	}

	if cfg.Follow {
		go watchReload(ctx, cmd, cfgFile, engine, logger)
		if err := engine.Follow(ctx, cfg.AnchorRefresh); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return pauseEngine(engine, logger)
	}

	for {
		changed := engine.Changed()
		st := engine.Status()
		switch {
		case st.State == indexer.StateCompleted:
			summary := board.Summary()
			logger.Info("sync finished",
				zap.Uint64("checkpoint", st.Checkpoint),
				zap.Uint64("head", st.HeadBlock),
				zap.Int("inserted", st.Inserted),
				zap.Int("events", summary.EventCount),
				zap.Int("wallets", summary.WalletCount),
				zap.Int("active_wallets", summary.ActiveWallets),
			)
			return nil
		case st.State == indexer.StateError && !st.RetryPending:
			return fmt.Errorf("sync failed: %s", st.LastError)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return pauseEngine(engine, logger)
		}
	}
}

// pauseEngine stops the loop and waits briefly for it to park.
func pauseEngine(engine *indexer.Engine, logger *zap.Logger) error {
	engine.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := engine.WaitFor(waitCtx, indexer.StatePaused, indexer.StateCompleted, indexer.StateIdle, indexer.StateError)
	if err != nil {
		return fmt.Errorf("wait for sync to stop: %w", err)
	}
	logger.Info("sync stopped", zap.String("state", string(st.State)), zap.Uint64("checkpoint", st.Checkpoint))
	return nil
}

// watchReload re-reads the configuration on SIGHUP and switches the RPC
// endpoint when it changed.
func watchReload(ctx context.Context, cmd *cobra.Command, cfgFile string, engine *indexer.Engine, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			logger.Warn("reload config failed", zap.Error(err))
			continue
		}
		if cfg.RPCURL == "" || cfg.RPCURL == engine.Status().Endpoint {
			continue
		}
		if err := engine.SetEndpoint(ctx, cfg.RPCURL); err != nil {
			logger.Warn("switch rpc endpoint failed", zap.String("rpc", cfg.RPCURL), zap.Error(err))
		}
	}
}

func serveMetrics(addr string, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func runHead(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, common.Address{}, common.Hash{})
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	head, err := chainClient.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	headTs, err := chainClient.BlockTimestampMs(ctx, nil)
	if err != nil {
		return fmt.Errorf("block timestamp: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "head block: %d\n", head)
	fmt.Fprintf(out, "head time:  %s\n", time.UnixMilli(headTs).Local().Format(time.RFC3339))
	if !cfg.StartTime.IsZero() {
		block := blocktime.BlockAt(head, headTs, cfg.StartTime, cfg.BlockInterval)
		fmt.Fprintf(out, "block at %s: %d\n", cfg.StartTime.Format(time.RFC3339), block)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
