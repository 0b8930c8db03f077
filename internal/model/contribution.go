package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventKey is the natural key of an on-chain contribution occurrence.
// It is unique across all time and drives deduplication.
type EventKey struct {
	Chain    string `json:"chain"`
	TxHash   string `json:"tx_hash"`
	LogIndex uint64 `json:"log_index"`
}

// String renders the key in the form used for log fields and in-memory maps.
func (k EventKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Chain, k.TxHash, k.LogIndex)
}

// ContributionEvent is the normalized representation of a stablecoin
// transfer into the treasury, as observed by a chain watcher.
type ContributionEvent struct {
	Chain        string    `json:"chain"`
	TokenAddress string    `json:"token_address"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	RawAmount    string    `json:"raw_amount"`
	Decimals     uint8     `json:"decimals"`
	TxHash       string    `json:"tx_hash"`
	LogIndex     uint64    `json:"log_index"`
	BlockNumber  uint64    `json:"block_number"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Key returns the event's natural key.
func (e ContributionEvent) Key() EventKey {
	return EventKey{Chain: e.Chain, TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// Amount parses the raw transfer amount in the token's smallest unit.
func (e ContributionEvent) Amount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(e.RawAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid raw amount: %s", e.RawAmount)
	}
	return amount, nil
}

// USDValue converts the raw amount into a USD decimal using the token's
// configured precision. No floating point is involved.
func (e ContributionEvent) USDValue() (decimal.Decimal, error) {
	amount, err := e.Amount()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(amount, -int32(e.Decimals)), nil
}

// NormalizeAddress lower-cases a hex address so comparisons and storage
// keys are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
