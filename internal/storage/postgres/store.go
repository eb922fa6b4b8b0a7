package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"silenceScope/internal/model"
)

const stateName = "log_events"

const schema = `
CREATE TABLE IF NOT EXISTS log_events (
	unique_id TEXT PRIMARY KEY,
	block_number BIGINT NOT NULL,
	tx_hash TEXT NOT NULL,
	log_index BIGINT NOT NULL,
	recipient TEXT NOT NULL,
	silence_amount NUMERIC(78, 0) NOT NULL,
	usdt_amount NUMERIC(78, 0) NOT NULL,
	timestamp_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_events_block ON log_events (block_number, log_index);
CREATE INDEX IF NOT EXISTS idx_log_events_recipient ON log_events (recipient);
CREATE TABLE IF NOT EXISTS indexer_state (
	name TEXT PRIMARY KEY,
	scanned_block BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store provides Postgres persistence for decoded purchase events.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	store := &Store{pool: pool}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// InsertDeduplicated inserts events in one transaction. Rows that already
// exist produce no RETURNING row and are left out of the result.
func (s *Store) InsertDeduplicated(ctx context.Context, events []model.LogEvent) ([]model.LogEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(`
			INSERT INTO log_events (
				unique_id, block_number, tx_hash, log_index, recipient, silence_amount, usdt_amount, timestamp_ms
			) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8)
			ON CONFLICT (unique_id) DO NOTHING
			RETURNING unique_id
		`,
			event.UniqueID,
			int64(event.BlockNumber),
			event.TxHash,
			int64(event.LogIndex),
			event.Recipient,
			event.SilenceAmount,
			event.USDTAmount,
			event.Timestamp,
		)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := make([]model.LogEvent, 0, len(events))
	var maxBlock uint64
	for _, event := range events {
		var id string
		if err := br.QueryRow().Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			br.Close()
			return nil, fmt.Errorf("insert event %s: %w", event.UniqueID, err)
		}
		inserted = append(inserted, event)
		if event.BlockNumber > maxBlock {
			maxBlock = event.BlockNumber
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}

	if len(inserted) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO indexer_state (name, scanned_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET scanned_block = GREATEST(indexer_state.scanned_block, EXCLUDED.scanned_block), updated_at = now()
	`, stateName, int64(maxBlock)); err != nil {
		return nil, fmt.Errorf("update indexer state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *Store) ScanAll(ctx context.Context) ([]model.LogEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT unique_id, block_number, tx_hash, log_index, recipient,
			silence_amount::text, usdt_amount::text, timestamp_ms
		FROM log_events
		ORDER BY block_number ASC, log_index ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.LogEvent
	for rows.Next() {
		var (
			event    model.LogEvent
			block    int64
			logIndex int64
		)
		if err := rows.Scan(
			&event.UniqueID,
			&block,
			&event.TxHash,
			&logIndex,
			&event.Recipient,
			&event.SilenceAmount,
			&event.USDTAmount,
			&event.Timestamp,
		); err != nil {
			return nil, err
		}
		event.BlockNumber = uint64(block)
		event.LogIndex = uint64(logIndex)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) LatestScannedBlock(ctx context.Context) (uint64, error) {
	var scanned int64
	row := s.pool.QueryRow(ctx, `SELECT scanned_block FROM indexer_state WHERE name=$1`, stateName)
	if err := row.Scan(&scanned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(scanned), nil
}

func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM log_events`); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM indexer_state WHERE name=$1`, stateName); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
