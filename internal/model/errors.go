package model

import "fmt"

// DecodeError records a decode failure for a raw log.
type DecodeError struct {
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Reason      string `json:"error"`
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %s-%d (block %d): %s", e.TxHash, e.LogIndex, e.BlockNumber, e.Reason)
}

// RPCError wraps a failure talking to the node.
type RPCError struct {
	Op  string
	Err error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Op, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// StorageError wraps a failure of the event store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
