package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"silenceScope/internal/metrics"
	"silenceScope/internal/model"
)

// EventSource yields the full event set.
type EventSource interface {
	ScanAll(ctx context.Context) ([]model.LogEvent, error)
}

// Board keeps the latest Summary of an event source and recomputes it on demand.
type Board struct {
	source EventSource
	logger *zap.Logger
	now    func() time.Time

	// recomputeMu orders recomputes so the last options change wins.
	recomputeMu sync.Mutex

	mu      sync.RWMutex
	opts    Options
	summary Summary
}

func NewBoard(source EventSource, opts Options, logger *zap.Logger) *Board {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.View == "" {
		opts.View = ViewAll
	}
	return &Board{
		source:  source,
		logger:  logger,
		now:     time.Now,
		opts:    opts,
		summary: Summary{View: opts.View},
	}
}

// Recompute scans the source and replaces the current summary.
func (b *Board) Recompute(ctx context.Context) error {
	if b.source == nil {
		return fmt.Errorf("event source is nil")
	}
	b.recomputeMu.Lock()
	defer b.recomputeMu.Unlock()
	started := time.Now()

	events, err := b.source.ScanAll(ctx)
	if err != nil {
		return fmt.Errorf("scan events: %w", err)
	}

	b.mu.RLock()
	opts := b.opts
	b.mu.RUnlock()
	if opts.Now.IsZero() {
		opts.Now = b.now()
	}

	summary, err := Compute(events, opts)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.summary = summary
	b.mu.Unlock()

	metrics.AggregationDuration.Observe(time.Since(started).Seconds())
	b.logger.Debug("aggregates recomputed",
		zap.Int("events", summary.EventCount),
		zap.Int("wallets", summary.WalletCount),
		zap.Int("active_wallets", summary.ActiveWallets),
	)
	return nil
}

// SetThresholds updates both thresholds and recomputes.
func (b *Board) SetThresholds(ctx context.Context, stat, display float64) error {
	b.mu.Lock()
	b.opts.StatThreshold = stat
	b.opts.DisplayThreshold = display
	b.mu.Unlock()
	return b.Recompute(ctx)
}

// SetView switches between the all-time and today rollups and recomputes.
func (b *Board) SetView(ctx context.Context, view View) error {
	b.mu.Lock()
	b.opts.View = view
	b.mu.Unlock()
	return b.Recompute(ctx)
}

func (b *Board) Options() Options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts
}

// Summary returns the last computed snapshot. The slices are copies.
func (b *Board) Summary() Summary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.summary
	out.Recipients = append([]model.AggregatedData(nil), b.summary.Recipients...)
	out.Daily = append([]model.DailyData(nil), b.summary.Daily...)
	return out
}
