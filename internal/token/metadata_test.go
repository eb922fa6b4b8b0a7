package token

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type fakeCaller struct {
	decimals uint8
	symbol   string
	fail     bool
	calls    int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("execution reverted")
	}
	parsed, err := erc20ABIStringInstance()
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.Equal(msg.Data[:4], parsed.Methods["decimals"].ID):
		return parsed.Methods["decimals"].Outputs.Pack(f.decimals)
	case bytes.Equal(msg.Data[:4], parsed.Methods["symbol"].ID):
		return parsed.Methods["symbol"].Outputs.Pack(f.symbol)
	default:
		return nil, errors.New("unknown selector")
	}
}

func TestFetchMeta(t *testing.T) {
	caller := &fakeCaller{decimals: 6, symbol: "USDT"}
	token := common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")

	meta, err := FetchMeta(context.Background(), caller, token, nil)
	if err != nil {
		t.Fatalf("fetch meta: %v", err)
	}
	if meta.Decimals != 6 || meta.Symbol != "USDT" {
		t.Fatalf("meta mismatch: %+v", meta)
	}
	if meta.Address != token.Hex() {
		t.Fatalf("address mismatch: %s", meta.Address)
	}
}

func TestDecimalsCachesAndFallsBack(t *testing.T) {
	caller := &fakeCaller{decimals: 9, symbol: "SLC"}
	cache := NewMetaCache()
	addr := "0x1111111111111111111111111111111111111111"

	if got := Decimals(context.Background(), caller, cache, addr, 18, nil); got != 9 {
		t.Fatalf("decimals mismatch: %d", got)
	}
	calls := caller.calls
	if got := Decimals(context.Background(), caller, cache, addr, 18, nil); got != 9 {
		t.Fatalf("cached decimals mismatch: %d", got)
	}
	if caller.calls != calls {
		t.Fatalf("expected cached lookup, got %d extra calls", caller.calls-calls)
	}

	if got := Decimals(context.Background(), caller, cache, "", 18, nil); got != 18 {
		t.Fatalf("empty address should fall back: %d", got)
	}

	failing := &fakeCaller{fail: true}
	if got := Decimals(context.Background(), failing, nil, addr, 18, nil); got != 18 {
		t.Fatalf("failed lookup should fall back: %d", got)
	}
}
