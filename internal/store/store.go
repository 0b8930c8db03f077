// Package store defines the durable ledger of accepted contributions.
// The store is the single source of truth between the chain watchers and
// the allocation dispatcher: all state hand-off goes through it.
package store

import (
	"context"
	"time"

	"contribwatch/internal/model"
)

// Store persists ledger records and per-chain watch cursors.
type Store interface {
	// RecordIfNew inserts the record unless its natural key already
	// exists. The insert is atomic with respect to the key: replays and
	// concurrent calls yield exactly one stored record, with isNew=false
	// on every call after the first.
	RecordIfNew(ctx context.Context, rec model.LedgerRecord) (model.LedgerRecord, bool, error)

	// ListPending returns records awaiting dispatch: status pending, or
	// dispatch_failed with next_attempt_at due. Oldest first; a
	// non-positive limit returns all due records.
	ListPending(ctx context.Context, limit int) ([]model.LedgerRecord, error)

	// ListDispatched returns records with a submitted but unconfirmed
	// dispatch transaction. Used on every drain (and after restart) to
	// re-check confirmations instead of re-submitting.
	ListDispatched(ctx context.Context) ([]model.LedgerRecord, error)

	// ListAbandoned returns records that exhausted their retry budget.
	ListAbandoned(ctx context.Context) ([]model.LedgerRecord, error)

	// UpdateStatus transitions a record. An empty dispatchTxHash leaves
	// the stored hash untouched. Confirmed records are never modified.
	UpdateStatus(ctx context.Context, key model.EventKey, status model.Status, dispatchTxHash string) error

	// MarkAttempt records a failed dispatch attempt and schedules the
	// next one.
	MarkAttempt(ctx context.Context, key model.EventKey, attempts int, nextAttempt time.Time) error

	// Counts returns the number of records per status.
	Counts(ctx context.Context) (map[model.Status]int, error)

	// LoadCursor returns the last processed block for a chain.
	LoadCursor(ctx context.Context, chain string) (uint64, bool, error)

	// SaveCursor advances the last processed block for a chain.
	SaveCursor(ctx context.Context, chain string, block uint64) error
}
