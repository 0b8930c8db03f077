package ledger

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const allocatorABIJSON = `[
  {
    "inputs": [
      {"internalType": "address", "name": "_address", "type": "address"},
      {"internalType": "uint256", "name": "_amount", "type": "uint256"}
    ],
    "name": "updateAllocation",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

var (
	allocatorABI     abi.ABI
	allocatorABIOnce sync.Once
	allocatorABIErr  error
)

// AllocatorABI returns the parsed ledger contract ABI.
func AllocatorABI() (abi.ABI, error) {
	allocatorABIOnce.Do(func() {
		allocatorABI, allocatorABIErr = abi.JSON(strings.NewReader(allocatorABIJSON))
	})
	return allocatorABI, allocatorABIErr
}
