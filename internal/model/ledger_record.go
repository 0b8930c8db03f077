package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the dispatch lifecycle state of a ledger record.
type Status string

const (
	// StatusPending marks a freshly recorded contribution awaiting dispatch.
	StatusPending Status = "pending"
	// StatusDispatched marks a record whose allocation call was submitted
	// but not yet confirmed on the ledger chain.
	StatusDispatched Status = "dispatched"
	// StatusConfirmed marks a record whose allocation call has a successful
	// receipt. Terminal: a record never leaves this state.
	StatusConfirmed Status = "confirmed"
	// StatusDispatchFailed marks a retryable dispatch failure.
	StatusDispatchFailed Status = "dispatch_failed"
	// StatusAbandoned marks a record that exhausted its retry budget.
	// Terminal, kept for operator intervention, never deleted.
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusAbandoned
}

// LedgerRecord is one accepted contribution plus its dispatch state.
// Records form an append-only audit trail: they are created once per
// natural key and are never deleted.
type LedgerRecord struct {
	Chain          string          `json:"chain"`
	TxHash         string          `json:"tx_hash"`
	LogIndex       uint64          `json:"log_index"`
	TokenAddress   string          `json:"token_address"`
	Contributor    string          `json:"contributor"`
	RawAmount      string          `json:"raw_amount"`
	Decimals       uint8           `json:"decimals"`
	BlockNumber    uint64          `json:"block_number"`
	USDValue       decimal.Decimal `json:"usd_value"`
	TokensOwed     decimal.Decimal `json:"tokens_owed"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	DispatchTxHash string          `json:"dispatch_tx_hash,omitempty"`
	ObservedAt     time.Time       `json:"observed_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Key returns the record's natural key.
func (r LedgerRecord) Key() EventKey {
	return EventKey{Chain: r.Chain, TxHash: r.TxHash, LogIndex: r.LogIndex}
}

// Validate rejects records that must never be persisted.
func (r LedgerRecord) Validate() error {
	if r.Chain == "" || r.TxHash == "" {
		return fmt.Errorf("ledger record missing natural key")
	}
	if r.Contributor == "" {
		return fmt.Errorf("ledger record missing contributor")
	}
	if !r.USDValue.IsPositive() {
		return fmt.Errorf("usd value must be positive, got %s", r.USDValue)
	}
	if !r.TokensOwed.IsPositive() {
		return fmt.Errorf("tokens owed must be positive, got %s", r.TokensOwed)
	}
	return nil
}
