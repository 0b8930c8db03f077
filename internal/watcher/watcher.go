// Package watcher streams stablecoin transfers into the treasury from one
// chain and records them as pending ledger records. Watchers never mutate
// dispatch state; the durable store is the only hand-off to the dispatcher.
package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"contribwatch/internal/allocation"
	"contribwatch/internal/model"
	"contribwatch/internal/store"
)

// ChainReader is the chain RPC surface a watcher needs.
type ChainReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Config holds runtime settings for one chain watcher.
type Config struct {
	ChainName     string
	Treasury      common.Address
	Tokens        []common.Address
	TokenDecimals uint8
	TokenPrice    decimal.Decimal
	StartBlock    uint64
	Confirmations uint64
	BatchSize     uint64
	PollInterval  time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Watcher polls one chain for treasury contributions.
type Watcher struct {
	cfg    Config
	chain  ChainReader
	store  store.Store
	audit  *store.AuditLog
	logger *zap.Logger
}

// New builds a Watcher with its dependencies. audit may be nil.
func New(cfg Config, chain ChainReader, st store.Store, audit *store.AuditLog, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		cfg:    cfg,
		chain:  chain,
		store:  st,
		audit:  audit,
		logger: logger.With(zap.String("chain", cfg.ChainName)),
	}
}

// Run verifies the monitored tokens and then polls until ctx is cancelled.
// A failed scan is logged and retried on the next tick from the same
// cursor; at-least-once delivery is fine because the store deduplicates.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	if w.cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", w.cfg.PollInterval)
	}
	if len(w.cfg.Tokens) == 0 {
		return fmt.Errorf("at least one token is required")
	}

	if err := w.verifyTokens(ctx); err != nil {
		return err
	}

	w.logger.Info("watcher start",
		zap.Int("tokens", len(w.cfg.Tokens)),
		zap.Uint64("confirmations", w.cfg.Confirmations),
		zap.Uint64("batch_size", w.cfg.BatchSize),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.ScanOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("scan failed, will retry from cursor", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// verifyTokens refuses tokens whose on-chain decimals disagree with the
// configured precision, so amounts can never be misvalued.
func (w *Watcher) verifyTokens(ctx context.Context) error {
	for _, token := range w.cfg.Tokens {
		var decimals uint8
		err := withRetry(ctx, w.cfg.MaxRetries, w.cfg.RetryBackoff, func(ctx context.Context) error {
			var err error
			decimals, err = w.chain.TokenDecimals(ctx, token)
			return err
		})
		if err != nil {
			return fmt.Errorf("read decimals for %s: %w", token.Hex(), err)
		}
		if decimals != w.cfg.TokenDecimals {
			return fmt.Errorf("token %s has %d decimals, expected %d", token.Hex(), decimals, w.cfg.TokenDecimals)
		}
	}
	return nil
}

// ScanOnce processes all confirmed blocks past the cursor. The cursor only
// advances after every contribution in a batch has been durably recorded.
func (w *Watcher) ScanOnce(ctx context.Context) error {
	latest, err := w.latestBlockWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}
	if latest < w.cfg.Confirmations {
		return nil
	}
	head := latest - w.cfg.Confirmations

	cursor, ok, err := w.store.LoadCursor(ctx, w.cfg.ChainName)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	from := w.cfg.StartBlock
	if ok && cursor >= from {
		from = cursor + 1
	}
	if from > head {
		return nil
	}

	ranges, err := SplitRange(from, head, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		logs, err := w.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}

		accepted := 0
		for _, log := range logs {
			isNew, err := w.processLog(ctx, log)
			if err != nil {
				return err
			}
			if isNew {
				accepted++
			}
		}

		if err := w.store.SaveCursor(ctx, w.cfg.ChainName, blockRange.To); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}

		if accepted > 0 {
			w.logger.Info("contributions recorded",
				zap.Int("count", accepted),
				zap.Uint64("from", blockRange.From),
				zap.Uint64("to", blockRange.To),
			)
		}
	}

	return nil
}

// processLog records one treasury-bound transfer. Returns whether a new
// ledger record was created. A persistence error aborts the scan so the
// cursor cannot advance past an unrecorded contribution.
func (w *Watcher) processLog(ctx context.Context, log types.Log) (bool, error) {
	if log.Removed {
		return false, nil
	}

	from, to, amount, err := decodeTransfer(log)
	if err != nil {
		return false, nil
	}
	if to != w.cfg.Treasury {
		return false, nil
	}

	// ObservedAt is the block time, not wall-clock time, so replayed
	// scans produce identical records
	ts, err := w.blockTimestampWithRetry(ctx, log.BlockNumber)
	if err != nil {
		return false, fmt.Errorf("block timestamp for %d: %w", log.BlockNumber, err)
	}

	event := buildEvent(w.cfg.ChainName, log, from, amount, w.cfg.TokenDecimals, time.Unix(int64(ts), 0))

	usdValue, err := event.USDValue()
	if err != nil {
		w.logger.Warn("rejecting malformed transfer", zap.String("key", event.Key().String()), zap.Error(err))
		return false, nil
	}
	if !usdValue.IsPositive() {
		w.logger.Warn("rejecting non-positive contribution",
			zap.String("key", event.Key().String()),
			zap.String("usd_value", usdValue.String()),
		)
		return false, nil
	}

	tokensOwed, err := allocation.Convert(usdValue, w.cfg.TokenPrice)
	if err != nil {
		return false, err
	}

	rec := model.LedgerRecord{
		Chain:         event.Chain,
		TxHash:        event.TxHash,
		LogIndex:      event.LogIndex,
		TokenAddress:  event.TokenAddress,
		Contributor:   event.From,
		RawAmount:     event.RawAmount,
		Decimals:      event.Decimals,
		BlockNumber:   event.BlockNumber,
		USDValue:      usdValue,
		TokensOwed:    tokensOwed,
		Status:        model.StatusPending,
		NextAttemptAt: event.ObservedAt,
		ObservedAt:    event.ObservedAt,
	}

	stored, isNew, err := w.store.RecordIfNew(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("record contribution %s: %w", event.Key(), err)
	}
	if !isNew {
		return false, nil
	}

	w.logger.Info("contribution accepted",
		zap.String("key", stored.Key().String()),
		zap.String("contributor", stored.Contributor),
		zap.String("token", stored.TokenAddress),
		zap.String("usd_value", stored.USDValue.String()),
		zap.String("tokens_owed", stored.TokensOwed.String()),
	)

	if w.audit != nil {
		if err := w.audit.Append(stored); err != nil {
			w.logger.Warn("audit append failed", zap.Error(err))
		}
	}

	return true, nil
}

func (w *Watcher) latestBlockWithRetry(ctx context.Context) (uint64, error) {
	var latest uint64
	err := withRetry(ctx, w.cfg.MaxRetries, w.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		latest, err = w.chain.LatestBlockNumber(ctx)
		return err
	})
	return latest, err
}

func (w *Watcher) blockTimestampWithRetry(ctx context.Context, number uint64) (uint64, error) {
	var ts uint64
	err := withRetry(ctx, w.cfg.MaxRetries, w.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = w.chain.BlockTimestamp(ctx, number)
		return err
	})
	return ts, err
}

func (w *Watcher) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, w.cfg.MaxRetries, w.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = w.chain.FilterLogs(ctx, fromBlock, toBlock, w.cfg.Tokens, []common.Hash{TransferTopic})
		if err != nil {
			w.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}
