package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silenceScope/internal/model"
)

func newEvent(tx string, block, logIndex uint64, silence string) model.LogEvent {
	return model.LogEvent{
		UniqueID:      model.EventID(tx, logIndex),
		BlockNumber:   block,
		TxHash:        tx,
		LogIndex:      logIndex,
		Recipient:     "0x2222222222222222222222222222222222222222",
		SilenceAmount: silence,
		USDTAmount:    "1000000",
		Timestamp:     1700000000000 + int64(block),
	}
}

func openMemory(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInsertDeduplicatedReturnsOnlyNewRows(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	inserted, err := store.InsertDeduplicated(ctx, []model.LogEvent{
		newEvent("0xaa", 100, 0, "5"),
		newEvent("0xaa", 100, 1, "6"),
	})
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	inserted, err = store.InsertDeduplicated(ctx, []model.LogEvent{
		newEvent("0xaa", 100, 1, "6"),
		newEvent("0xbb", 105, 0, "7"),
		newEvent("0xbb", 105, 0, "7"),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "0xbb-0", inserted[0].UniqueID)

	all, err := store.ScanAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestInsertEmptyBatchLeavesCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	inserted, err := store.InsertDeduplicated(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, inserted)

	latest, err := store.LatestScannedBlock(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestLatestScannedBlockNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	_, err := store.InsertDeduplicated(ctx, []model.LogEvent{newEvent("0x01", 500, 0, "1")})
	require.NoError(t, err)
	_, err = store.InsertDeduplicated(ctx, []model.LogEvent{newEvent("0x02", 300, 0, "1")})
	require.NoError(t, err)

	latest, err := store.LatestScannedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), latest)
}

func TestScanAllPreservesLargeAmountsAndOrder(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	huge := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	_, err := store.InsertDeduplicated(ctx, []model.LogEvent{
		newEvent("0x03", 20, 3, "1"),
		newEvent("0x01", 10, 0, huge),
		newEvent("0x03", 20, 1, "2"),
	})
	require.NoError(t, err)

	all, err := store.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, huge, all[0].SilenceAmount)
	assert.Equal(t, uint64(1), all[1].LogIndex)
	assert.Equal(t, uint64(3), all[2].LogIndex)
}

func TestClearResetsEventsAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	_, err := store.InsertDeduplicated(ctx, []model.LogEvent{newEvent("0x01", 10, 0, "1")})
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))

	all, err := store.ScanAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	latest, err := store.LatestScannedBlock(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	inserted, err := store.InsertDeduplicated(ctx, []model.LogEvent{newEvent("0x01", 10, 0, "1")})
	require.NoError(t, err)
	assert.Len(t, inserted, 1)
}

func TestReopenFileKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "events.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = store.InsertDeduplicated(ctx, []model.LogEvent{newEvent("0x01", 42, 0, "1")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	latest, err := reopened.LatestScannedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), latest)
}

func TestConcurrentInsertsStoreEachEventOnce(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	batch := make([]model.LogEvent, 0, 50)
	for i := 0; i < 50; i++ {
		batch = append(batch, newEvent(fmt.Sprintf("0x%02x", i), uint64(200+i), uint64(i), "1"))
	}

	const workers = 8
	counts := make([]int, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			inserted, err := store.InsertDeduplicated(ctx, batch)
			counts[w], errs[w] = len(inserted), err
		}(w)
	}
	wg.Wait()

	total := 0
	for w := 0; w < workers; w++ {
		require.NoError(t, errs[w])
		total += counts[w]
	}
	assert.Equal(t, len(batch), total)

	all, err := store.ScanAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(batch))

	latest, err := store.LatestScannedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(249), latest)
}
