package model

import "strconv"

// LogEvent is one decoded purchase log, as persisted by the event store.
type LogEvent struct {
	UniqueID      string `json:"unique_id"`
	BlockNumber   uint64 `json:"block_number"`
	TxHash        string `json:"tx_hash"`
	LogIndex      uint64 `json:"log_index"`
	Recipient     string `json:"recipient"`
	SilenceAmount string `json:"silence_amount"`
	USDTAmount    string `json:"usdt_amount"`
	Timestamp     int64  `json:"timestamp"`
}

// EventID builds the deduplication key for a log.
func EventID(txHash string, logIndex uint64) string {
	return txHash + "-" + strconv.FormatUint(logIndex, 10)
}

