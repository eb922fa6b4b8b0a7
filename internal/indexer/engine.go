package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"silenceScope/internal/blocktime"
	"silenceScope/internal/decoder"
	"silenceScope/internal/metrics"
	"silenceScope/internal/model"
	"silenceScope/internal/storage"
)

// State is the sync engine lifecycle state.
type State string

const (
	StateIdle      State = "IDLE"
	StateSyncing   State = "SYNCING"
	StatePaused    State = "PAUSED"
	StateError     State = "ERROR"
	StateCompleted State = "COMPLETED"
)

var allStates = []string{
	string(StateIdle),
	string(StateSyncing),
	string(StatePaused),
	string(StateError),
	string(StateCompleted),
}

const (
	DefaultBatchSize   = 2000
	DefaultPacingDelay = 200 * time.Millisecond
	DefaultSettleDelay = time.Second
)

var (
	ErrStartTimeLocked = errors.New("start time is locked once events are stored")
	ErrBatchSizeLocked = errors.New("batch size cannot change while a sync loop is running")
	ErrNoEndpoint      = errors.New("no rpc endpoint configured")
	ErrNoDialer        = errors.New("no rpc dialer configured")
	ErrClosed          = errors.New("engine closed")
)

// ChainReader is the RPC surface the engine needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	// BlockTimestampMs returns the block time in ms; nil means latest.
	BlockTimestampMs(ctx context.Context, number *big.Int) (int64, error)
	// FetchLogs returns the tracked event logs in [from, to].
	FetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
}

// Dialer opens a ChainReader for an RPC url.
type Dialer func(ctx context.Context, url string) (ChainReader, error)

// LogDecoder turns a fetched batch into events.
type LogDecoder interface {
	DecodeBatch(logs []types.Log) ([]model.LogEvent, error)
}

// Recomputer is notified after a batch stored new events.
type Recomputer interface {
	Recompute(ctx context.Context) error
}

// Config holds the sync parameters.
type Config struct {
	StartTime     time.Time
	EndTime       time.Time
	BatchSize     uint64
	BlockInterval time.Duration
	PacingDelay   time.Duration
	RetryDelay    time.Duration
	SettleDelay   time.Duration
	MaxRetries    int
}

// Dependencies are the collaborators of an Engine. Chain may be nil when
// Dialer is set; SetEndpoint then provides it.
type Dependencies struct {
	Chain      ChainReader
	Endpoint   string
	Dialer     Dialer
	Store      storage.EventStore
	Estimator  *blocktime.Estimator
	Decoder    LogDecoder
	Recomputer Recomputer
}

// Status is a snapshot of the engine.
type Status struct {
	State State
	// Checkpoint is the last block whose batch was fully processed.
	Checkpoint    uint64
	FromBlock     uint64
	TargetBlock   uint64
	HeadBlock     uint64
	Batches       int
	Inserted      int
	LastError     string
	RetryPending  bool
	StopRequested bool
	Endpoint      string
}

// Progress reports how much of [FromBlock, TargetBlock] is done, in [0, 1].
func (s Status) Progress() float64 {
	if s.TargetBlock <= s.FromBlock {
		if s.State == StateCompleted {
			return 1
		}
		return 0
	}
	if s.Checkpoint <= s.FromBlock {
		return 0
	}
	p := float64(s.Checkpoint-s.FromBlock) / float64(s.TargetBlock-s.FromBlock)
	if p > 1 {
		return 1
	}
	return p
}

// session is the cancellation token of one sync loop.
type session struct {
	chain ChainReader
	stop  atomic.Bool
	done  chan struct{}
}

// Engine drives the resumable sync loop. At most one loop is alive at a time.
type Engine struct {
	store      storage.EventStore
	decoder    LogDecoder
	estimator  *blocktime.Estimator
	recomputer Recomputer
	dial       Dialer
	logger     *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	cfg      Config
	chain    ChainReader
	status   Status
	sess     *session
	timer    *time.Timer
	timerGen uint64
	retry    backoff.BackOff
	changed  chan struct{}
	closed   bool
}

// NewEngine builds an idle Engine.
func NewEngine(cfg Config, deps Dependencies, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("event store is nil")
	}
	if deps.Chain == nil && deps.Dialer == nil {
		return nil, fmt.Errorf("chain reader or dialer is required")
	}

	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BlockInterval < time.Millisecond {
		cfg.BlockInterval = blocktime.DefaultInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.PacingDelay < 0 {
		cfg.PacingDelay = 0
	}

	estimator := deps.Estimator
	if estimator == nil {
		estimator = blocktime.NewEstimator(cfg.BlockInterval)
	}
	dec := deps.Decoder
	if dec == nil {
		d, err := decoder.New(estimator)
		if err != nil {
			return nil, err
		}
		dec = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      deps.Store,
		decoder:    dec,
		estimator:  estimator,
		recomputer: deps.Recomputer,
		dial:       deps.Dialer,
		logger:     logger,
		baseCtx:    ctx,
		cancel:     cancel,
		cfg:        cfg,
		chain:      deps.Chain,
		retry:      newRetryPolicy(cfg.RetryDelay, cfg.MaxRetries),
		changed:    make(chan struct{}),
		status:     Status{State: StateIdle, Endpoint: deps.Endpoint},
	}
	metrics.SetState(string(StateIdle), allStates...)
	return e, nil
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Changed returns a channel closed on the next state transition.
func (e *Engine) Changed() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

// WaitFor blocks until the engine is in one of states.
func (e *Engine) WaitFor(ctx context.Context, states ...State) (Status, error) {
	for {
		e.mu.Lock()
		st := e.status
		ch := e.changed
		e.mu.Unlock()

		for _, state := range states {
			if st.State == state {
				return st, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Start begins syncing. It is a no-op while a loop is alive.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	e.cancelTimerLocked()
	e.retry.Reset()
	return e.startLocked("manual")
}

// Stop asks the running loop to pause at the next batch boundary and cancels
// any pending retry.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelTimerLocked()
	if e.sess != nil {
		e.sess.stop.Store(true)
		e.status.StopRequested = true
		return
	}
	if e.status.State == StateError {
		e.setStateLocked(StatePaused)
	}
}

// SetStartTime changes the cold start time. It fails once events are stored.
func (e *Engine) SetStartTime(ctx context.Context, t time.Time) error {
	checkpoint, err := e.store.LatestScannedBlock(ctx)
	if err != nil {
		return &model.StorageError{Op: "latest scanned block", Err: err}
	}
	if checkpoint > 0 {
		return ErrStartTimeLocked
	}

	e.mu.Lock()
	e.cfg.StartTime = t
	e.mu.Unlock()
	return nil
}

// SetEndTime bounds future sessions. A zero time syncs up to the head.
func (e *Engine) SetEndTime(t time.Time) {
	e.mu.Lock()
	e.cfg.EndTime = t
	e.mu.Unlock()
}

// SetBatchSize changes the batch size. Values below 1 are clamped to 1.
func (e *Engine) SetBatchSize(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess != nil {
		return ErrBatchSizeLocked
	}
	if n < 1 {
		n = 1
	}
	e.cfg.BatchSize = n
	return nil
}

// BatchSize returns the configured batch size.
func (e *Engine) BatchSize() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.BatchSize
}

// SetEndpoint dials url and swaps the chain reader. A running, failed or
// completed sync restarts on the new endpoint after the settle delay, once the
// old loop has exited. The old reader is closed after its loop exits.
func (e *Engine) SetEndpoint(ctx context.Context, url string) error {
	if e.dial == nil {
		return ErrNoDialer
	}
	client, err := e.dial(ctx, url)
	if err != nil {
		return &model.RPCError{Op: "dial " + url, Err: err}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		closeReader(client, e.logger)
		return ErrClosed
	}

	old := e.chain
	e.chain = client
	e.status.Endpoint = url
	state := e.status.State
	e.cancelTimerLocked()

	var oldDone <-chan struct{}
	if e.sess != nil {
		e.sess.stop.Store(true)
		e.status.StopRequested = true
		oldDone = e.sess.done
	}

	switch state {
	case StateSyncing, StateError, StateCompleted:
		e.scheduleLocked(e.cfg.SettleDelay, oldDone, func() {
			e.retry.Reset()
			if err := e.startLocked("endpoint change"); err != nil {
				e.logger.Warn("restart after endpoint change failed", zap.Error(err))
			}
		})
	}
	e.mu.Unlock()

	e.logger.Info("rpc endpoint changed", zap.String("endpoint", url), zap.String("state", string(state)))

	if old != nil && old != client {
		go func() {
			if oldDone != nil {
				<-oldDone
			}
			closeReader(old, e.logger)
		}()
	}
	return nil
}

// RefreshChainInfo reads the head block and its timestamp and re-anchors the
// estimator. It never changes the sync state.
func (e *Engine) RefreshChainInfo(ctx context.Context) (uint64, int64, error) {
	e.mu.Lock()
	chain := e.chain
	e.mu.Unlock()
	if chain == nil {
		return 0, 0, ErrNoEndpoint
	}

	head, headTs, err := readHead(ctx, chain)
	if err != nil {
		return 0, 0, err
	}
	e.estimator.UpdateAnchor(head, headTs)

	e.mu.Lock()
	e.status.HeadBlock = head
	e.mu.Unlock()
	metrics.HeadBlock.Set(float64(head))
	return head, headTs, nil
}

// Follow refreshes chain info every interval until ctx is done. A completed
// sync restarts when the head moved past its target.
func (e *Engine) Follow(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		head, _, err := e.RefreshChainInfo(ctx)
		if err != nil {
			e.logger.Warn("refresh chain info failed", zap.Error(err))
			continue
		}
		st := e.Status()
		if st.State == StateCompleted && head > st.TargetBlock {
			e.logger.Info("head advanced, resuming sync", zap.Uint64("head", head), zap.Uint64("target", st.TargetBlock))
			if err := e.Start(); err != nil {
				return err
			}
		}
	}
}

// Reset stops the loop, waits for it to exit, clears the store and returns
// the engine to IDLE.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.cancelTimerLocked()
	sess := e.sess
	if sess != nil {
		sess.stop.Store(true)
		e.status.StopRequested = true
	}
	e.mu.Unlock()

	if sess != nil {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		return fmt.Errorf("sync restarted during reset")
	}
	if err := e.store.Clear(ctx); err != nil {
		e.mu.Unlock()
		return &model.StorageError{Op: "clear", Err: err}
	}
	e.retry.Reset()
	e.status = Status{State: e.status.State, Endpoint: e.status.Endpoint, HeadBlock: e.status.HeadBlock}
	e.setStateLocked(StateIdle)
	e.mu.Unlock()

	metrics.CheckpointBlock.Set(0)
	e.logger.Info("sync state reset")

	if e.recomputer != nil {
		if err := e.recomputer.Recompute(ctx); err != nil {
			return fmt.Errorf("recompute after reset: %w", err)
		}
	}
	return nil
}

// Close stops the loop and pending timers and closes the chain reader.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cancel()
	e.cancelTimerLocked()
	sess := e.sess
	if sess != nil {
		sess.stop.Store(true)
		e.status.StopRequested = true
	}
	chain := e.chain
	e.mu.Unlock()

	if sess != nil {
		<-sess.done
	}
	closeReader(chain, e.logger)
	return nil
}

func (e *Engine) startLocked(reason string) error {
	if e.sess != nil {
		return nil
	}
	if e.chain == nil {
		return ErrNoEndpoint
	}

	sess := &session{chain: e.chain, done: make(chan struct{})}
	e.sess = sess
	e.status.StopRequested = false
	e.status.LastError = ""
	e.status.Batches = 0
	e.status.Inserted = 0
	e.setStateLocked(StateSyncing)
	e.logger.Info("sync started", zap.String("reason", reason))

	go e.run(sess)
	return nil
}

func (e *Engine) run(sess *session) {
	defer close(sess.done)

	err := e.syncSession(sess)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess == sess {
		e.sess = nil
	}
	e.status.StopRequested = false

	switch {
	case sess.stop.Load():
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("sync stopped with error", zap.Error(err))
		}
		e.setStateLocked(StatePaused)
		e.logger.Info("sync paused", zap.Uint64("checkpoint", e.status.Checkpoint))
	case err != nil:
		e.status.LastError = err.Error()
		e.setStateLocked(StateError)
		e.logger.Error("sync failed", zap.Error(err), zap.Uint64("checkpoint", e.status.Checkpoint))
		e.scheduleRetryLocked()
	default:
		e.retry.Reset()
		e.setStateLocked(StateCompleted)
		e.logger.Info("sync completed",
			zap.Uint64("checkpoint", e.status.Checkpoint),
			zap.Int("batches", e.status.Batches),
			zap.Int("inserted", e.status.Inserted),
		)
	}
}

func (e *Engine) syncSession(sess *session) error {
	ctx := e.baseCtx
	chain := sess.chain

	head, headTs, err := readHead(ctx, chain)
	if err != nil {
		return err
	}
	e.estimator.UpdateAnchor(head, headTs)

	checkpoint, err := e.store.LatestScannedBlock(ctx)
	if err != nil {
		return &model.StorageError{Op: "latest scanned block", Err: err}
	}

	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	pointer := checkpoint
	if pointer == 0 {
		pointer = blocktime.BlockAt(head, headTs, cfg.StartTime, cfg.BlockInterval)
	}
	upper := head
	if !cfg.EndTime.IsZero() {
		if end := blocktime.BlockAt(head, headTs, cfg.EndTime, cfg.BlockInterval); end < upper {
			upper = end
		}
	}

	e.mu.Lock()
	e.status.HeadBlock = head
	e.status.FromBlock = pointer
	e.status.Checkpoint = pointer
	e.status.TargetBlock = upper
	e.mu.Unlock()
	metrics.HeadBlock.Set(float64(head))
	metrics.CheckpointBlock.Set(float64(pointer))

	if pointer >= upper {
		e.logger.Info("nothing to sync", zap.Uint64("from", pointer), zap.Uint64("to", upper))
		return nil
	}
	e.logger.Info("sync range", zap.Uint64("from", pointer+1), zap.Uint64("to", upper), zap.Uint64("batch_size", cfg.BatchSize))

	for pointer < upper {
		if sess.stop.Load() {
			return nil
		}

		from := pointer + 1
		to := NextBatch(pointer, upper, cfg.BatchSize)

		logs, err := chain.FetchLogs(ctx, from, to)
		if err != nil {
			metrics.BatchesTotal.WithLabelValues("rpc_error").Inc()
			return &model.RPCError{Op: fmt.Sprintf("fetch logs %d-%d", from, to), Err: err}
		}

		events, err := e.decoder.DecodeBatch(logs)
		if err != nil {
			metrics.BatchesTotal.WithLabelValues("decode_error").Inc()
			return err
		}

		inserted, err := e.store.InsertDeduplicated(ctx, events)
		if err != nil {
			metrics.BatchesTotal.WithLabelValues("storage_error").Inc()
			return &model.StorageError{Op: fmt.Sprintf("insert batch %d-%d", from, to), Err: err}
		}

		if len(inserted) > 0 && e.recomputer != nil {
			if err := e.recomputer.Recompute(ctx); err != nil {
				e.logger.Warn("aggregation recompute failed", zap.Error(err))
			}
		}

		pointer = to
		e.mu.Lock()
		e.status.Checkpoint = pointer
		e.status.Batches++
		e.status.Inserted += len(inserted)
		e.mu.Unlock()

		metrics.BatchesTotal.WithLabelValues("ok").Inc()
		metrics.EventsInserted.Add(float64(len(inserted)))
		metrics.CheckpointBlock.Set(float64(pointer))
		e.logger.Info("batch complete",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("logs", len(logs)),
			zap.Int("inserted", len(inserted)),
		)

		if pointer < upper && cfg.PacingDelay > 0 {
			timer := time.NewTimer(cfg.PacingDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil
}

func (e *Engine) scheduleRetryLocked() {
	delay := e.retry.NextBackOff()
	if delay == backoff.Stop {
		e.logger.Warn("retry limit reached, sync stays in error")
		return
	}
	e.scheduleLocked(delay, nil, func() {
		if err := e.startLocked("retry"); err != nil {
			e.logger.Warn("retry start failed", zap.Error(err))
		}
	})
	e.status.RetryPending = true
	metrics.RetriesScheduled.Inc()
	e.logger.Info("retry scheduled", zap.Duration("delay", delay))
}

// scheduleLocked replaces the pending timer. fn runs with e.mu held, after
// wait (if any) is closed, unless the timer was cancelled meanwhile.
func (e *Engine) scheduleLocked(delay time.Duration, wait <-chan struct{}, fn func()) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(delay, func() {
		if wait != nil {
			<-wait
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.timerGen != gen || e.closed {
			return
		}
		e.timer = nil
		e.status.RetryPending = false
		fn()
	})
}

func (e *Engine) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
	e.status.RetryPending = false
}

func (e *Engine) setStateLocked(state State) {
	e.status.State = state
	metrics.SetState(string(state), allStates...)
	close(e.changed)
	e.changed = make(chan struct{})
}

func readHead(ctx context.Context, chain ChainReader) (uint64, int64, error) {
	head, err := chain.BlockNumber(ctx)
	if err != nil {
		return 0, 0, &model.RPCError{Op: "block number", Err: err}
	}
	headTs, err := chain.BlockTimestampMs(ctx, new(big.Int).SetUint64(head))
	if err != nil {
		return 0, 0, &model.RPCError{Op: "block timestamp", Err: err}
	}
	return head, headTs, nil
}

func closeReader(chain ChainReader, logger *zap.Logger) {
	closer, ok := chain.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("close rpc client failed", zap.Error(err))
	}
}
