package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"silenceScope/internal/model"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const stateName = "log_events"

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// Store persists events in a local SQLite database.
type Store struct {
	db       *sqlx.DB
	writerMu sync.Mutex
}

type eventRow struct {
	UniqueID      string `db:"unique_id"`
	BlockNumber   int64  `db:"block_number"`
	TxHash        string `db:"tx_hash"`
	LogIndex      int64  `db:"log_index"`
	Recipient     string `db:"recipient"`
	SilenceAmount string `db:"silence_amount"`
	USDTAmount    string `db:"usdt_amount"`
	TimestampMs   int64  `db:"timestamp_ms"`
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != MemoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: sqlite has a single writer and :memory: is per connection
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if path != MemoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sqlx.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) InsertDeduplicated(ctx context.Context, events []model.LogEvent) ([]model.LogEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted := make([]model.LogEvent, 0, len(events))
	var maxBlock uint64
	for _, event := range events {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO log_events (
				unique_id, block_number, tx_hash, log_index, recipient, silence_amount, usdt_amount, timestamp_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (unique_id) DO NOTHING`,
			event.UniqueID,
			int64(event.BlockNumber),
			event.TxHash,
			int64(event.LogIndex),
			event.Recipient,
			event.SilenceAmount,
			event.USDTAmount,
			event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("insert event %s: %w", event.UniqueID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			continue
		}
		inserted = append(inserted, event)
		if event.BlockNumber > maxBlock {
			maxBlock = event.BlockNumber
		}
	}

	if len(inserted) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (name, scanned_block, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			scanned_block = MAX(sync_state.scanned_block, excluded.scanned_block),
			updated_at = excluded.updated_at`,
		stateName, int64(maxBlock), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("update sync state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *Store) ScanAll(ctx context.Context) ([]model.LogEvent, error) {
	rows := []eventRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT unique_id, block_number, tx_hash, log_index, recipient, silence_amount, usdt_amount, timestamp_ms
		FROM log_events
		ORDER BY block_number ASC, log_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}

	events := make([]model.LogEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, model.LogEvent{
			UniqueID:      row.UniqueID,
			BlockNumber:   uint64(row.BlockNumber),
			TxHash:        row.TxHash,
			LogIndex:      uint64(row.LogIndex),
			Recipient:     row.Recipient,
			SilenceAmount: row.SilenceAmount,
			USDTAmount:    row.USDTAmount,
			Timestamp:     row.TimestampMs,
		})
	}
	return events, nil
}

func (s *Store) LatestScannedBlock(ctx context.Context) (uint64, error) {
	var scanned int64
	err := s.db.GetContext(ctx, &scanned, `SELECT scanned_block FROM sync_state WHERE name = ?`, stateName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("select sync state: %w", err)
	}
	return uint64(scanned), nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM log_events`); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state`); err != nil {
		return fmt.Errorf("delete sync state: %w", err)
	}
	return tx.Commit()
}
