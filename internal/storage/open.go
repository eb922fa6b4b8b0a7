package storage

import (
	"context"
	"fmt"
	"strings"

	"silenceScope/internal/storage/postgres"
	"silenceScope/internal/storage/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverJSONL    = "jsonl"
	DriverMemory   = "memory"
)

// Options selects and locates the event store backend.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open returns the EventStore for opts.Driver.
func Open(ctx context.Context, opts Options) (EventStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		return sqlite.Open(ctx, opts.Path)
	case DriverPostgres:
		return postgres.NewStore(ctx, opts.DSN)
	case DriverJSONL:
		if opts.Path == "" {
			return nil, fmt.Errorf("jsonl store requires a path")
		}
		return OpenJsonlStore(opts.Path)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
