package decoder

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const purchaseEventName = "TokensPurchased"

const purchaseABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "recipient", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "silenceAmount", "type": "uint256"},
      {"indexed": true, "internalType": "uint256", "name": "usdtAmount", "type": "uint256"}
    ],
    "name": "TokensPurchased",
    "type": "event"
  }
]`

var (
	purchaseABI     abi.ABI
	purchaseABIOnce sync.Once
	purchaseABIErr  error
)

// PurchaseABI returns the parsed purchase event ABI.
func PurchaseABI() (abi.ABI, error) {
	purchaseABIOnce.Do(func() {
		purchaseABI, purchaseABIErr = abi.JSON(strings.NewReader(purchaseABIJSON))
	})
	return purchaseABI, purchaseABIErr
}

// EventTopic returns the default topic0 of the indexed event.
func EventTopic() (common.Hash, error) {
	parsed, err := PurchaseABI()
	if err != nil {
		return common.Hash{}, err
	}
	return parsed.Events[purchaseEventName].ID, nil
}
