package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps go-ethereum RPC for a single contract and event signature.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	contract  common.Address
	topic0    common.Hash

	mu      sync.RWMutex
	tsCache map[uint64]int64
}

// NewClient dials rpcURL and scopes log queries to contract and topic0.
func NewClient(ctx context.Context, rpcURL string, contract common.Address, topic0 common.Hash) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		contract:  contract,
		topic0:    topic0,
		tsCache:   make(map[uint64]int64),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() error {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	return nil
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// BlockTimestampMs returns the block timestamp in milliseconds. A nil number
// means the latest block, which is never cached.
func (c *Client) BlockTimestampMs(ctx context.Context, number *big.Int) (int64, error) {
	if number != nil && number.IsUint64() {
		c.mu.RLock()
		ts, ok := c.tsCache[number.Uint64()]
		c.mu.RUnlock()
		if ok {
			return ts, nil
		}
	}

	header, err := c.ethClient.HeaderByNumber(ctx, number)
	if err != nil {
		return 0, err
	}

	ts := int64(header.Time) * 1000
	if number != nil && number.IsUint64() {
		c.mu.Lock()
		c.tsCache[number.Uint64()] = ts
		c.mu.Unlock()
	}
	return ts, nil
}

// FetchLogs returns the contract's topic0 logs in [fromBlock, toBlock].
func (c *Client) FetchLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.topic0}},
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}
