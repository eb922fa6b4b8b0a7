package indexer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseAddress converts a hex string into common.Address.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %q", input)
	}
	return common.HexToAddress(input), nil
}

// ParseTopic0 converts a 32-byte hex string into common.Hash. An empty input
// returns fallback.
func ParseTopic0(input string, fallback common.Hash) (common.Hash, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return fallback, nil
	}
	data, err := hexutil.Decode(input)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid topic0: %s", input)
	}
	if len(data) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid topic0 length: %s", input)
	}
	return common.BytesToHash(data), nil
}
