package watcher

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"contribwatch/internal/model"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}

// decodeTransfer extracts the parties and amount from an ERC-20 Transfer log.
func decodeTransfer(log types.Log) (from, to common.Address, amount *big.Int, err error) {
	if len(log.Topics) != 3 || log.Topics[0] != TransferTopic {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("not a standard transfer log")
	}
	from = common.BytesToAddress(log.Topics[1].Bytes())
	to = common.BytesToAddress(log.Topics[2].Bytes())
	amount = new(big.Int).SetBytes(log.Data)
	return from, to, amount, nil
}

// buildEvent normalizes a treasury-bound transfer log into a ContributionEvent.
func buildEvent(chainName string, log types.Log, from common.Address, amount *big.Int, decimals uint8, observedAt time.Time) model.ContributionEvent {
	return model.ContributionEvent{
		Chain:        chainName,
		TokenAddress: model.NormalizeAddress(log.Address.Hex()),
		From:         model.NormalizeAddress(from.Hex()),
		To:           model.NormalizeAddress(common.BytesToAddress(log.Topics[2].Bytes()).Hex()),
		RawAmount:    amount.String(),
		Decimals:     decimals,
		TxHash:       log.TxHash.Hex(),
		LogIndex:     uint64(log.Index),
		BlockNumber:  log.BlockNumber,
		ObservedAt:   observedAt.UTC(),
	}
}
