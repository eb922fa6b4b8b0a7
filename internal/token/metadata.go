package token

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Caller performs read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Meta captures the ERC20 fields used for display.
type Meta struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
}

// MetaCache caches token metadata by address.
type MetaCache struct {
	mu   sync.RWMutex
	data map[common.Address]Meta
}

func NewMetaCache() *MetaCache {
	return &MetaCache{data: make(map[common.Address]Meta)}
}

func (c *MetaCache) Get(address common.Address) (Meta, bool) {
	c.mu.RLock()
	meta, ok := c.data[address]
	c.mu.RUnlock()
	return meta, ok
}

func (c *MetaCache) Set(address common.Address, meta Meta) {
	c.mu.Lock()
	c.data[address] = meta
	c.mu.Unlock()
}

// FetchMeta loads token metadata via ERC20 calls. Only decimals is required;
// a missing symbol is logged and left empty.
func FetchMeta(ctx context.Context, caller Caller, token common.Address, logger *zap.Logger) (Meta, error) {
	meta := Meta{Address: token.Hex()}
	if caller == nil {
		return meta, fmt.Errorf("chain client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stringABI, err := erc20ABIStringInstance()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20ABIBytes32Instance()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	call := func(method string, parsed abi.ABI) ([]interface{}, error) {
		data, err := parsed.Pack(method)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", method, err)
		}
		msg := ethereum.CallMsg{To: &token, Data: data}
		resp, err := caller.CallContract(ctx, msg, nil)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", method, err)
		}
		values, err := parsed.Unpack(method, resp)
		if err != nil {
			return nil, fmt.Errorf("unpack %s: %w", method, err)
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("unpack %s: empty result", method)
		}
		return values, nil
	}

	values, err := call("decimals", stringABI)
	if err != nil {
		return meta, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return meta, fmt.Errorf("unsupported decimals type %T", values[0])
	}
	meta.Decimals = decimals

	if values, err := call("symbol", stringABI); err == nil {
		if symbol, ok := values[0].(string); ok {
			meta.Symbol = symbol
		}
	} else if values, err := call("symbol", bytes32ABI); err == nil {
		if symbol, ok := bytes32ToString(values[0]); ok {
			meta.Symbol = symbol
		}
	} else {
		logger.Debug("symbol call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	return meta, nil
}

// Decimals resolves the display decimals of token, falling back to fallback
// when the address is empty or the lookup fails.
func Decimals(ctx context.Context, caller Caller, cache *MetaCache, address string, fallback int32, logger *zap.Logger) int32 {
	if logger == nil {
		logger = zap.NewNop()
	}
	if address == "" || !common.IsHexAddress(address) {
		return fallback
	}
	addr := common.HexToAddress(address)
	if cache != nil {
		if meta, ok := cache.Get(addr); ok {
			return int32(meta.Decimals)
		}
	}

	meta, err := FetchMeta(ctx, caller, addr, logger)
	if err != nil {
		logger.Warn("token decimals lookup failed", zap.String("token", addr.Hex()), zap.Int32("fallback", fallback), zap.Error(err))
		return fallback
	}
	if cache != nil {
		cache.Set(addr, meta)
	}
	return int32(meta.Decimals)
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}
