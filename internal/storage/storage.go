package storage

import (
	"context"

	"silenceScope/internal/model"
)

// EventStore is a durable, deduplicating collection of LogEvents.
type EventStore interface {
	// InsertDeduplicated stores the events whose UniqueID is not yet present
	// and returns exactly the inserted subset. The existence check and the
	// insert happen atomically.
	InsertDeduplicated(ctx context.Context, events []model.LogEvent) ([]model.LogEvent, error)
	ScanAll(ctx context.Context) ([]model.LogEvent, error)
	// LatestScannedBlock returns the highest stored block number, or 0.
	LatestScannedBlock(ctx context.Context) (uint64, error)
	// Clear removes every event and the tracked checkpoint.
	Clear(ctx context.Context) error
	Close() error
}
