package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"silenceScope/internal/aggregate"
	"silenceScope/internal/chain"
	"silenceScope/internal/config"
	"silenceScope/internal/export"
	"silenceScope/internal/model"
	"silenceScope/internal/storage"
	"silenceScope/internal/token"
)

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.EventStore, error) {
	store, err := storage.Open(ctx, storage.Options{
		Driver: cfg.Driver,
		Path:   cfg.Path,
		DSN:    cfg.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

// newBoard builds and primes the leaderboard. caller may be nil; token
// decimals then come from configuration.
func newBoard(ctx context.Context, store storage.EventStore, caller token.Caller, cfg config.StatsConfig, logger *zap.Logger) (*aggregate.Board, error) {
	view, err := aggregate.ParseView(cfg.View)
	if err != nil {
		return nil, err
	}

	silenceDecimals, usdtDecimals := cfg.SilenceDecimals, cfg.USDTDecimals
	if caller != nil {
		cache := token.NewMetaCache()
		silenceDecimals = token.Decimals(ctx, caller, cache, cfg.SilenceToken, cfg.SilenceDecimals, logger)
		usdtDecimals = token.Decimals(ctx, caller, cache, cfg.USDTToken, cfg.USDTDecimals, logger)
	}

	board := aggregate.NewBoard(store, aggregate.Options{
		StatThreshold:    cfg.StatThreshold,
		DisplayThreshold: cfg.DisplayThreshold,
		View:             view,
		SilenceDecimals:  silenceDecimals,
		USDTDecimals:     usdtDecimals,
	}, logger)
	if err := board.Recompute(ctx); err != nil {
		return nil, fmt.Errorf("compute aggregates: %w", err)
	}
	return board, nil
}

// boardSession is the shared setup of the read-only commands.
type boardSession struct {
	ctx    context.Context
	cfg    config.StatsConfig
	logger *zap.Logger
	store  storage.EventStore
	board  *aggregate.Board
	close  func()
}

func openBoardSession(cmd *cobra.Command) (*boardSession, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadStats(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		stop()
		return nil, err
	}

	var caller token.Caller
	var chainClient *chain.Client
	if cfg.RPCURL != "" && (cfg.SilenceToken != "" || cfg.USDTToken != "") {
		chainClient, err = chain.NewClient(ctx, cfg.RPCURL, common.Address{}, common.Hash{})
		if err != nil {
			logger.Warn("connect rpc for token decimals failed", zap.Error(err))
		} else {
			caller = chainClient
		}
	}

	board, err := newBoard(ctx, store, caller, cfg, logger)
	if chainClient != nil {
		chainClient.Close()
	}
	if err != nil {
		store.Close()
		stop()
		return nil, err
	}

	return &boardSession{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
		store:  store,
		board:  board,
		close: func() {
			store.Close()
			logger.Sync()
			stop()
		},
	}, nil
}

// rows returns the leaderboard sorted by the configured key and limited.
func (s *boardSession) rows() (aggregate.Summary, []model.AggregatedData, error) {
	key, err := aggregate.ParseSortKey(s.cfg.Sort)
	if err != nil {
		return aggregate.Summary{}, nil, err
	}
	summary := s.board.Summary()
	rows := summary.Recipients
	aggregate.SortRecipients(rows, key)
	if s.cfg.Limit > 0 && len(rows) > s.cfg.Limit {
		rows = rows[:s.cfg.Limit]
	}
	return summary, rows, nil
}

func (s *boardSession) decimals() export.Decimals {
	opts := s.board.Options()
	return export.Decimals{Silence: opts.SilenceDecimals, USDT: opts.USDTDecimals}
}
