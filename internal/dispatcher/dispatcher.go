// Package dispatcher drains pending ledger records and drives them through
// the dispatch state machine: pending → dispatched → confirmed, with
// bounded retries into dispatch_failed and finally abandoned.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"contribwatch/internal/ledger"
	"contribwatch/internal/model"
	"contribwatch/internal/store"

	"github.com/shopspring/decimal"
)

// Caller submits allocation calls to the remote ledger contract.
type Caller interface {
	Submit(ctx context.Context, contributor string, tokensOwed decimal.Decimal) (string, error)
	ConfirmationStatus(ctx context.Context, txHash string) (ledger.Confirmation, error)
}

// Notifier is told about confirmed allocations. Implementations must be
// best-effort: they can never affect ledger state.
type Notifier interface {
	NotifyConfirmed(ctx context.Context, rec model.LedgerRecord)
}

// Config holds dispatch policy.
type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Concurrency  int
	PollInterval time.Duration
	BatchLimit   int
}

// Dispatcher owns all status transitions after a record is accepted.
type Dispatcher struct {
	cfg    Config
	store  store.Store
	caller Caller
	relay  Notifier
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New builds a Dispatcher. relay may be nil.
func New(cfg Config, st store.Store, caller Caller, relay Notifier, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		caller:   caller,
		relay:    relay,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Run drains the store until ctx is cancelled. In-flight submissions
// complete before each drain returns, so shutdown never leaves a record
// in an ambiguous state.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.Drain(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain performs one dispatch cycle: re-check unconfirmed submissions
// first, then submit due records through a bounded worker pool with at
// most one in-flight dispatch per contributor.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.checkDispatched(ctx)

	records, err := d.store.ListPending(ctx, d.cfg.BatchLimit)
	if err != nil {
		d.logger.Warn("list pending failed", zap.Error(err))
		return
	}

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if !d.acquire(rec.Contributor) {
			// another dispatch for this contributor is in flight;
			// the record is picked up on a later drain
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(rec model.LedgerRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			defer d.release(rec.Contributor)
			d.dispatch(ctx, rec)
		}(rec)
	}

	wg.Wait()
}

// checkDispatched re-checks receipts for submitted transactions. After a
// crash this is the recovery path: dispatched records are re-checked,
// never re-submitted.
func (d *Dispatcher) checkDispatched(ctx context.Context) {
	records, err := d.store.ListDispatched(ctx)
	if err != nil {
		d.logger.Warn("list dispatched failed", zap.Error(err))
		return
	}

	for _, rec := range records {
		confirmation, err := d.caller.ConfirmationStatus(ctx, rec.DispatchTxHash)
		if err != nil {
			d.logger.Warn("receipt lookup failed",
				zap.String("key", rec.Key().String()),
				zap.String("tx_hash", rec.DispatchTxHash),
				zap.Error(err),
			)
			continue
		}

		switch confirmation {
		case ledger.ConfirmationPending:
			continue
		case ledger.ConfirmationConfirmed:
			d.confirm(ctx, rec)
		case ledger.ConfirmationReverted:
			d.logger.Warn("dispatch reverted",
				zap.String("key", rec.Key().String()),
				zap.String("tx_hash", rec.DispatchTxHash),
			)
			d.recordRevert(ctx, rec)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, rec model.LedgerRecord) {
	if rec.Attempts >= d.cfg.MaxAttempts {
		d.abandon(ctx, rec)
		return
	}

	// consume the retry budget before the transaction leaves the
	// process: even if the dispatched status can never be persisted,
	// total submissions stay bounded by the attempt cap
	attempt := rec.Attempts + 1
	if err := d.store.MarkAttempt(ctx, rec.Key(), attempt, time.Now().Add(d.backoff(attempt))); err != nil {
		d.logger.Warn("persist attempt failed, submit skipped",
			zap.String("key", rec.Key().String()),
			zap.Error(err),
		)
		return
	}
	rec.Attempts = attempt

	txHash, err := d.caller.Submit(ctx, rec.Contributor, rec.TokensOwed)
	if err != nil {
		d.logger.Warn("dispatch failed",
			zap.String("key", rec.Key().String()),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		if attempt >= d.cfg.MaxAttempts {
			d.abandon(ctx, rec)
		}
		return
	}

	if err := d.store.UpdateStatus(ctx, rec.Key(), model.StatusDispatched, txHash); err != nil {
		// the submission went out; the next drain re-checks the receipt
		d.logger.Error("persist dispatched status failed",
			zap.String("key", rec.Key().String()),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) confirm(ctx context.Context, rec model.LedgerRecord) {
	if err := d.store.UpdateStatus(ctx, rec.Key(), model.StatusConfirmed, ""); err != nil {
		d.logger.Error("persist confirmed status failed",
			zap.String("key", rec.Key().String()),
			zap.Error(err),
		)
		return
	}

	d.logger.Info("allocation confirmed",
		zap.String("key", rec.Key().String()),
		zap.String("contributor", rec.Contributor),
		zap.String("tokens_owed", rec.TokensOwed.String()),
		zap.String("tx_hash", rec.DispatchTxHash),
	)

	if d.relay != nil {
		rec.Status = model.StatusConfirmed
		go d.relay.NotifyConfirmed(context.WithoutCancel(ctx), rec)
	}
}

// recordRevert handles a submission that made it on chain and reverted.
// The attempt was already counted when it was submitted.
func (d *Dispatcher) recordRevert(ctx context.Context, rec model.LedgerRecord) {
	if rec.Attempts >= d.cfg.MaxAttempts {
		d.abandon(ctx, rec)
		return
	}

	nextAttempt := time.Now().Add(d.backoff(rec.Attempts + 1))
	if err := d.store.MarkAttempt(ctx, rec.Key(), rec.Attempts, nextAttempt); err != nil {
		d.logger.Error("persist attempt failed", zap.String("key", rec.Key().String()), zap.Error(err))
	}
}

func (d *Dispatcher) abandon(ctx context.Context, rec model.LedgerRecord) {
	if err := d.store.UpdateStatus(ctx, rec.Key(), model.StatusAbandoned, ""); err != nil {
		d.logger.Error("persist abandoned status failed", zap.String("key", rec.Key().String()), zap.Error(err))
		return
	}
	d.logger.Error("dispatch abandoned, operator attention required",
		zap.String("key", rec.Key().String()),
		zap.String("contributor", rec.Contributor),
		zap.String("tokens_owed", rec.TokensOwed.String()),
		zap.Int("attempts", rec.Attempts),
	)
}

// backoff doubles per attempt, capped.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	if delay > d.cfg.BackoffCap {
		return d.cfg.BackoffCap
	}
	return delay
}

func (d *Dispatcher) acquire(contributor string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[contributor]; busy {
		return false
	}
	d.inflight[contributor] = struct{}{}
	return true
}

func (d *Dispatcher) release(contributor string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, contributor)
}
