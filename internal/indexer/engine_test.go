package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silenceScope/internal/decoder"
	"silenceScope/internal/model"
	"silenceScope/internal/storage"
)

const (
	testHead   = uint64(1050)
	testHeadTs = int64(1_700_000_000_000)
)

type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	headTs    int64
	logs      []types.Log
	fetchErr  error
	failFirst int
	calls     []BlockRange
	closed    bool

	entered chan BlockRange
	release chan struct{}
}

func newFakeChain(logs ...types.Log) *fakeChain {
	return &fakeChain{head: testHead, headTs: testHeadTs, logs: logs}
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) BlockTimestampMs(_ context.Context, number *big.Int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number == nil {
		return f.headTs, nil
	}
	return f.headTs - int64(f.head-number.Uint64())*2000, nil
}

func (f *fakeChain) FetchLogs(_ context.Context, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	f.calls = append(f.calls, BlockRange{From: from, To: to})
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case entered <- BlockRange{From: from, To: to}:
		default:
		}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("upstream unavailable")
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeChain) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChain) gate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = make(chan BlockRange, 16)
	f.release = make(chan struct{})
}

func (f *fakeChain) open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.release)
}

func (f *fakeChain) fetches() []BlockRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BlockRange, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeChain) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChain) advance(blocks uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head += blocks
	f.headTs += int64(blocks) * 2000
}

type countingRecomputer struct {
	calls atomic.Int32
}

func (c *countingRecomputer) Recompute(context.Context) error {
	c.calls.Add(1)
	return nil
}

func purchaseLog(t *testing.T, block uint64, index uint, full bool) types.Log {
	t.Helper()
	topic0, err := decoder.EventTopic()
	require.NoError(t, err)

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	topics := []common.Hash{
		topic0,
		common.BytesToHash(common.LeftPadBytes(recipient.Bytes(), 32)),
		common.BigToHash(big.NewInt(int64(block) * 1000)),
	}
	if full {
		topics = append(topics, common.BigToHash(big.NewInt(5)))
	}
	return types.Log{
		Topics:      topics,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*100 + uint64(index))),
		Index:       index,
	}
}

// startTimeForBlock returns the time BlockAt maps to block for the fake head.
func startTimeForBlock(block uint64) time.Time {
	return time.UnixMilli(testHeadTs - int64(testHead-block)*2000)
}

func testConfig() Config {
	return Config{
		StartTime:     startTimeForBlock(1000),
		BatchSize:     20,
		BlockInterval: 2 * time.Second,
		PacingDelay:   0,
		RetryDelay:    time.Hour,
		SettleDelay:   10 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, cfg Config, chain *fakeChain, store storage.EventStore, recomputer Recomputer) *Engine {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	engine, err := NewEngine(cfg, Dependencies{
		Chain:      chain,
		Endpoint:   "fake://primary",
		Store:      store,
		Recomputer: recomputer,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func waitFor(t *testing.T, engine *Engine, states ...State) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := engine.WaitFor(ctx, states...)
	require.NoError(t, err, "state %s never reached, last status %+v", states, st)
	return st
}

func TestEngineColdStart(t *testing.T) {
	chain := newFakeChain(
		purchaseLog(t, 1005, 0, true),
		purchaseLog(t, 1030, 1, true),
		purchaseLog(t, 1050, 0, true),
	)
	store := storage.NewMemoryStore()
	recomputer := &countingRecomputer{}
	engine := newTestEngine(t, testConfig(), chain, store, recomputer)

	require.NoError(t, engine.Start())
	st := waitFor(t, engine, StateCompleted)

	want, err := SplitRange(1001, 1050, 20)
	require.NoError(t, err)
	assert.Equal(t, want, chain.fetches())
	assert.Equal(t, []BlockRange{{1001, 1020}, {1021, 1040}, {1041, 1050}}, chain.fetches())

	assert.Equal(t, uint64(1050), st.Checkpoint)
	assert.Equal(t, uint64(1000), st.FromBlock)
	assert.Equal(t, uint64(1050), st.TargetBlock)
	assert.Equal(t, 3, st.Batches)
	assert.Equal(t, 3, st.Inserted)
	assert.InDelta(t, 1.0, st.Progress(), 1e-9)
	assert.Equal(t, int32(3), recomputer.calls.Load())

	latest, err := store.LatestScannedBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1050), latest)

	events, err := store.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, testHeadTs-45*2000, events[0].Timestamp)
}

func TestEngineResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.InsertDeduplicated(ctx, []model.LogEvent{{
		UniqueID:      "0xseed-0",
		BlockNumber:   1040,
		TxHash:        "0xseed",
		Recipient:     "0x00000000000000000000000000000000000000B0",
		SilenceAmount: "1",
		USDTAmount:    "1",
	}})
	require.NoError(t, err)

	chain := newFakeChain(purchaseLog(t, 1045, 0, true))
	engine := newTestEngine(t, testConfig(), chain, store, nil)

	require.NoError(t, engine.Start())
	st := waitFor(t, engine, StateCompleted)

	calls := chain.fetches()
	require.NotEmpty(t, calls)
	assert.Equal(t, uint64(1041), calls[0].From)
	assert.Equal(t, []BlockRange{{1041, 1050}}, calls)
	assert.Equal(t, 1, st.Inserted)
}

func TestEngineDecodeFailureSchedulesRetry(t *testing.T) {
	chain := newFakeChain(
		purchaseLog(t, 1005, 0, true),
		purchaseLog(t, 1030, 0, false),
	)
	store := storage.NewMemoryStore()
	engine := newTestEngine(t, testConfig(), chain, store, nil)

	require.NoError(t, engine.Start())
	st := waitFor(t, engine, StateError)

	assert.True(t, st.RetryPending)
	assert.Contains(t, st.LastError, "decode log")
	assert.Equal(t, uint64(1020), st.Checkpoint)
	assert.Len(t, chain.fetches(), 2)

	latest, err := store.LatestScannedBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1005), latest)

	engine.Stop()
	st = waitFor(t, engine, StatePaused)
	assert.False(t, st.RetryPending)
}

func TestEngineRetryRecovers(t *testing.T) {
	chain := newFakeChain(purchaseLog(t, 1010, 0, true))
	chain.failFirst = 1

	cfg := testConfig()
	cfg.RetryDelay = 20 * time.Millisecond
	engine := newTestEngine(t, cfg, chain, nil, nil)

	require.NoError(t, engine.Start())
	st := waitFor(t, engine, StateCompleted)
	assert.Empty(t, st.LastError)
	assert.Equal(t, uint64(1050), st.Checkpoint)
}

func TestEngineRetryCeiling(t *testing.T) {
	chain := newFakeChain()
	chain.fetchErr = errors.New("rate limited")

	cfg := testConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.MaxRetries = 2
	engine := newTestEngine(t, cfg, chain, nil, nil)

	require.NoError(t, engine.Start())
	require.Eventually(t, func() bool {
		st := engine.Status()
		return st.State == StateError && !st.RetryPending && len(chain.fetches()) == 3
	}, 5*time.Second, 5*time.Millisecond)

	st := engine.Status()
	assert.Contains(t, st.LastError, "rpc fetch logs 1001-1020")
	assert.Contains(t, st.LastError, "rate limited")
}

func TestEngineFutureStartCompletesWithoutFetching(t *testing.T) {
	chain := newFakeChain()
	cfg := testConfig()
	cfg.StartTime = time.UnixMilli(testHeadTs).Add(24 * time.Hour)
	engine := newTestEngine(t, cfg, chain, nil, nil)

	require.NoError(t, engine.Start())
	st := waitFor(t, engine, StateCompleted)
	assert.Empty(t, chain.fetches())
	assert.Equal(t, testHead, st.FromBlock)
	assert.Equal(t, 0, st.Batches)
}

func TestEngineEndTimeBoundsTarget(t *testing.T) {
	chain := newFakeChain()
	cfg := testConfig()
	cfg.EndTime = startTimeForBlock(1030)
	engine := newTestEngine(t, cfg, chain, nil, nil)

	require.NoError(t, engine.Start())
	st := waitFor(t, engine, StateCompleted)
	assert.Equal(t, uint64(1030), st.TargetBlock)
	assert.Equal(t, []BlockRange{{1001, 1020}, {1021, 1030}}, chain.fetches())
}

func TestEngineStopPausesAtBatchBoundary(t *testing.T) {
	chain := newFakeChain(purchaseLog(t, 1010, 0, true), purchaseLog(t, 1045, 0, true))
	chain.gate()
	engine := newTestEngine(t, testConfig(), chain, nil, nil)

	require.NoError(t, engine.Start())
	<-chain.entered

	engine.Stop()
	st := engine.Status()
	assert.Equal(t, StateSyncing, st.State)
	assert.True(t, st.StopRequested)

	chain.open()
	st = waitFor(t, engine, StatePaused)
	assert.False(t, st.StopRequested)
	assert.Equal(t, uint64(1020), st.Checkpoint)
	assert.Len(t, chain.fetches(), 1)

	require.NoError(t, engine.Start())
	st = waitFor(t, engine, StateCompleted)
	assert.Equal(t, uint64(1050), st.Checkpoint)
	assert.Equal(t, uint64(1010), st.FromBlock)
}

func TestEngineBatchSize(t *testing.T) {
	chain := newFakeChain()
	chain.gate()
	engine := newTestEngine(t, testConfig(), chain, nil, nil)

	require.NoError(t, engine.SetBatchSize(0))
	assert.Equal(t, uint64(1), engine.BatchSize())
	require.NoError(t, engine.SetBatchSize(25))

	require.NoError(t, engine.Start())
	<-chain.entered
	assert.ErrorIs(t, engine.SetBatchSize(10), ErrBatchSizeLocked)
	assert.Equal(t, uint64(25), engine.BatchSize())

	engine.Stop()
	chain.open()
	waitFor(t, engine, StatePaused)
	require.NoError(t, engine.SetBatchSize(10))
}

func TestEngineSetStartTimeLockedAfterEvents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := newTestEngine(t, testConfig(), newFakeChain(), store, nil)

	require.NoError(t, engine.SetStartTime(ctx, startTimeForBlock(1010)))

	_, err := store.InsertDeduplicated(ctx, []model.LogEvent{{UniqueID: "0xa-0", BlockNumber: 1011}})
	require.NoError(t, err)
	assert.ErrorIs(t, engine.SetStartTime(ctx, startTimeForBlock(1020)), ErrStartTimeLocked)
}

func TestEngineSetEndpointWhileSyncing(t *testing.T) {
	primary := newFakeChain(purchaseLog(t, 1005, 0, true))
	primary.gate()
	secondary := newFakeChain(purchaseLog(t, 1005, 0, true), purchaseLog(t, 1049, 0, true))

	var dialed atomic.Int32
	engine, err := NewEngine(testConfig(), Dependencies{
		Chain:    primary,
		Endpoint: "fake://primary",
		Dialer: func(_ context.Context, url string) (ChainReader, error) {
			dialed.Add(1)
			return secondary, nil
		},
		Store: storage.NewMemoryStore(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	require.NoError(t, engine.Start())
	<-primary.entered

	require.NoError(t, engine.SetEndpoint(context.Background(), "fake://secondary"))
	assert.Equal(t, "fake://secondary", engine.Status().Endpoint)
	assert.True(t, engine.Status().StopRequested)
	primary.open()

	require.Eventually(t, func() bool {
		return engine.Status().State == StateCompleted && len(secondary.fetches()) > 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, primary.isClosed, 5*time.Second, 5*time.Millisecond)

	assert.Len(t, primary.fetches(), 1)
	assert.Equal(t, int32(1), dialed.Load())
	assert.Equal(t, uint64(1050), engine.Status().Checkpoint)
}

func TestEngineSetEndpointWhileIdleOnlySwaps(t *testing.T) {
	primary := newFakeChain()
	secondary := newFakeChain()
	engine, err := NewEngine(testConfig(), Dependencies{
		Chain: primary,
		Dialer: func(context.Context, string) (ChainReader, error) {
			return secondary, nil
		},
		Store: storage.NewMemoryStore(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	require.NoError(t, engine.SetEndpoint(context.Background(), "fake://secondary"))
	time.Sleep(50 * time.Millisecond)

	st := engine.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, primary.fetches())
	assert.Empty(t, secondary.fetches())
	require.Eventually(t, primary.isClosed, time.Second, 5*time.Millisecond)
}

func TestEngineResetClearsStore(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(purchaseLog(t, 1005, 0, true))
	store := storage.NewMemoryStore()
	recomputer := &countingRecomputer{}
	engine := newTestEngine(t, testConfig(), chain, store, recomputer)

	require.NoError(t, engine.Start())
	waitFor(t, engine, StateCompleted)
	before := recomputer.calls.Load()

	require.NoError(t, engine.Reset(ctx))
	st := engine.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.Checkpoint)
	assert.Zero(t, st.Inserted)

	latest, err := store.LatestScannedBlock(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)
	assert.Equal(t, before+1, recomputer.calls.Load())
}

func TestEngineFollowRestartsWhenHeadAdvances(t *testing.T) {
	chain := newFakeChain(purchaseLog(t, 1050, 0, true), purchaseLog(t, 1058, 0, true))
	engine := newTestEngine(t, testConfig(), chain, nil, nil)

	require.NoError(t, engine.Start())
	waitFor(t, engine, StateCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Follow(ctx, 10*time.Millisecond) }()

	chain.advance(10)
	require.Eventually(t, func() bool {
		st := engine.Status()
		return st.State == StateCompleted && st.TargetBlock == 1060
	}, 5*time.Second, 5*time.Millisecond)

	calls := chain.fetches()
	assert.Equal(t, BlockRange{From: 1051, To: 1060}, calls[len(calls)-1])
}

func TestStatusProgress(t *testing.T) {
	assert.Zero(t, Status{}.Progress())
	assert.Equal(t, 1.0, Status{State: StateCompleted, FromBlock: 10, TargetBlock: 10}.Progress())
	assert.InDelta(t, 0.5, Status{FromBlock: 100, TargetBlock: 200, Checkpoint: 150}.Progress(), 1e-9)
}
