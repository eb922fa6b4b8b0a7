package blocktime

import (
	"sync"
	"time"
)

// DefaultInterval is the assumed block interval of the indexed chain.
const DefaultInterval = 2 * time.Second

// Estimator linearly estimates block timestamps from a single anchor block.
type Estimator struct {
	mu          sync.RWMutex
	anchorBlock uint64
	anchorTs    int64
	intervalMs  int64
}

// NewEstimator builds an Estimator. Intervals under one millisecond fall back
// to DefaultInterval.
func NewEstimator(interval time.Duration) *Estimator {
	return &Estimator{intervalMs: intervalMs(interval)}
}

func intervalMs(interval time.Duration) int64 {
	if interval.Milliseconds() <= 0 {
		return DefaultInterval.Milliseconds()
	}
	return interval.Milliseconds()
}

// UpdateAnchor replaces the anchor block and its timestamp in milliseconds.
func (e *Estimator) UpdateAnchor(block uint64, timestampMs int64) {
	e.mu.Lock()
	e.anchorBlock = block
	e.anchorTs = timestampMs
	e.mu.Unlock()
}

// Anchor returns the current anchor pair.
func (e *Estimator) Anchor() (uint64, int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.anchorBlock, e.anchorTs
}

// Estimate returns the estimated timestamp in milliseconds of blockNumber.
// Blocks far from the anchor may produce negative or future values.
func (e *Estimator) Estimate(blockNumber uint64) int64 {
	e.mu.RLock()
	block, ts := e.anchorBlock, e.anchorTs
	e.mu.RUnlock()

	delta := int64(blockNumber) - int64(block)
	return ts + delta*e.intervalMs
}

// Interval returns the assumed block interval.
func (e *Estimator) Interval() time.Duration {
	return time.Duration(e.intervalMs) * time.Millisecond
}

// BlockAt estimates the block produced at t, counting back from the head.
// Times at or after the head timestamp clamp to the head block. Intervals
// under one millisecond fall back to DefaultInterval.
func BlockAt(headBlock uint64, headTsMs int64, t time.Time, interval time.Duration) uint64 {
	target := t.UnixMilli()
	if target >= headTsMs {
		return headBlock
	}

	blocksAgo := uint64((headTsMs - target) / intervalMs(interval))
	if blocksAgo >= headBlock {
		return 0
	}
	return headBlock - blocksAgo
}
