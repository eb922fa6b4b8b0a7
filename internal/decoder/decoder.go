package decoder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"silenceScope/internal/model"
)

// TimestampEstimator estimates the timestamp in milliseconds of a block.
type TimestampEstimator interface {
	Estimate(blockNumber uint64) int64
}

// Decoder converts raw purchase logs into LogEvents.
type Decoder struct {
	event     abi.Event
	indexed   abi.Arguments
	estimator TimestampEstimator
}

// New builds a Decoder that stamps events using estimator.
func New(estimator TimestampEstimator) (*Decoder, error) {
	if estimator == nil {
		return nil, fmt.Errorf("timestamp estimator is nil")
	}
	parsed, err := PurchaseABI()
	if err != nil {
		return nil, fmt.Errorf("parse purchase abi: %w", err)
	}
	event, ok := parsed.Events[purchaseEventName]
	if !ok {
		return nil, fmt.Errorf("event %s missing from abi", purchaseEventName)
	}

	return &Decoder{
		event:     event,
		indexed:   indexedArguments(event.Inputs),
		estimator: estimator,
	}, nil
}

// Decode converts a single log. Failures are returned as *model.DecodeError.
func (d *Decoder) Decode(log types.Log) (model.LogEvent, error) {
	want := len(d.indexed) + 1
	if len(log.Topics) < want {
		return model.LogEvent{}, decodeError(log, fmt.Sprintf("expected %d topics, got %d", want, len(log.Topics)))
	}

	recipientTopic := log.Topics[1]
	if !isZeroPadded(recipientTopic) {
		return model.LogEvent{}, decodeError(log, fmt.Sprintf("malformed recipient topic %s", recipientTopic.Hex()))
	}

	var indexed struct {
		Recipient     common.Address
		SilenceAmount *big.Int
		UsdtAmount    *big.Int
	}
	if err := abi.ParseTopics(&indexed, d.indexed, log.Topics[1:want]); err != nil {
		return model.LogEvent{}, decodeError(log, fmt.Sprintf("parse topics: %v", err))
	}
	if indexed.SilenceAmount == nil || indexed.UsdtAmount == nil {
		return model.LogEvent{}, decodeError(log, "missing amount topics")
	}

	txHash := log.TxHash.Hex()
	logIndex := uint64(log.Index)
	return model.LogEvent{
		UniqueID:      model.EventID(txHash, logIndex),
		BlockNumber:   log.BlockNumber,
		TxHash:        txHash,
		LogIndex:      logIndex,
		Recipient:     indexed.Recipient.Hex(),
		SilenceAmount: indexed.SilenceAmount.String(),
		USDTAmount:    indexed.UsdtAmount.String(),
		Timestamp:     d.estimator.Estimate(log.BlockNumber),
	}, nil
}

// DecodeBatch decodes every log of a fetched range. The first failure aborts the batch.
func (d *Decoder) DecodeBatch(logs []types.Log) ([]model.LogEvent, error) {
	events := make([]model.LogEvent, 0, len(logs))
	for _, log := range logs {
		// reorged logs only show up on subscriptions, never in a range filter
		if log.Removed {
			continue
		}
		event, err := d.Decode(log)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func decodeError(log types.Log, reason string) *model.DecodeError {
	return &model.DecodeError{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Reason:      reason,
	}
}

func isZeroPadded(topic common.Hash) bool {
	for _, b := range topic[:common.HashLength-common.AddressLength] {
		if b != 0 {
			return false
		}
	}
	return true
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
