package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"contribwatch/internal/model"
)

// Store provides Postgres persistence for ledger records and watch cursors.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the schema if it does not exist. Records are never
// deleted; the table is an append-only audit trail plus status columns.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_records (
			chain            text        NOT NULL,
			tx_hash          text        NOT NULL,
			log_index        bigint      NOT NULL,
			token_address    text        NOT NULL,
			contributor      text        NOT NULL,
			raw_amount       numeric(78,0) NOT NULL,
			decimals         smallint    NOT NULL,
			block_number     bigint      NOT NULL,
			usd_value        numeric(38,18) NOT NULL CHECK (usd_value > 0),
			tokens_owed      numeric(56,18) NOT NULL CHECK (tokens_owed > 0),
			status           text        NOT NULL,
			attempts         int         NOT NULL DEFAULT 0,
			next_attempt_at  timestamptz NOT NULL DEFAULT now(),
			dispatch_tx_hash text        NOT NULL DEFAULT '',
			observed_at      timestamptz NOT NULL,
			updated_at       timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (chain, tx_hash, log_index)
		);
		CREATE INDEX IF NOT EXISTS ledger_records_status_idx
			ON ledger_records (status, next_attempt_at);
		CREATE TABLE IF NOT EXISTS watch_cursors (
			chain                text PRIMARY KEY,
			last_processed_block bigint NOT NULL,
			updated_at           timestamptz NOT NULL DEFAULT now()
		);
	`)
	return err
}

// RecordIfNew inserts the record unless the natural key exists already.
func (s *Store) RecordIfNew(ctx context.Context, rec model.LedgerRecord) (model.LedgerRecord, bool, error) {
	if err := rec.Validate(); err != nil {
		return model.LedgerRecord{}, false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_records (
			chain, tx_hash, log_index, token_address, contributor,
			raw_amount, decimals, block_number, usd_value, tokens_owed,
			status, attempts, next_attempt_at, dispatch_tx_hash, observed_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
		ON CONFLICT (chain, tx_hash, log_index) DO NOTHING
	`,
		rec.Chain,
		rec.TxHash,
		int64(rec.LogIndex),
		rec.TokenAddress,
		rec.Contributor,
		rec.RawAmount,
		int16(rec.Decimals),
		int64(rec.BlockNumber),
		rec.USDValue.String(),
		rec.TokensOwed.String(),
		string(rec.Status),
		rec.Attempts,
		rec.NextAttemptAt,
		rec.DispatchTxHash,
		rec.ObservedAt,
	)
	if err != nil {
		return model.LedgerRecord{}, false, fmt.Errorf("insert ledger record: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}

	existing, err := s.get(ctx, rec.Key())
	if err != nil {
		return model.LedgerRecord{}, false, err
	}
	return existing, false, nil
}

// numeric columns are selected as text and parsed with shopspring/decimal
const recordColumns = `
	chain, tx_hash, log_index, token_address, contributor,
	raw_amount::text, decimals, block_number, usd_value::text, tokens_owed::text,
	status, attempts, next_attempt_at, dispatch_tx_hash, observed_at, updated_at
`

func (s *Store) get(ctx context.Context, key model.EventKey) (model.LedgerRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM ledger_records
		WHERE chain=$1 AND tx_hash=$2 AND log_index=$3
	`, key.Chain, key.TxHash, int64(key.LogIndex))

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerRecord{}, fmt.Errorf("record not found: %s", key)
		}
		return model.LedgerRecord{}, err
	}
	return rec, nil
}

// ListPending returns records due for dispatch, oldest first. A
// non-positive limit returns all due records.
func (s *Store) ListPending(ctx context.Context, limit int) ([]model.LedgerRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM ledger_records
		WHERE status=$1 OR (status=$2 AND next_attempt_at <= now())
		ORDER BY observed_at`
	args := []any{string(model.StatusPending), string(model.StatusDispatchFailed)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRecords(rows)
}

func (s *Store) ListDispatched(ctx context.Context) ([]model.LedgerRecord, error) {
	return s.listByStatus(ctx, model.StatusDispatched)
}

func (s *Store) ListAbandoned(ctx context.Context) ([]model.LedgerRecord, error) {
	return s.listByStatus(ctx, model.StatusAbandoned)
}

func (s *Store) listByStatus(ctx context.Context, status model.Status) ([]model.LedgerRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM ledger_records
		WHERE status=$1
		ORDER BY observed_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRecords(rows)
}

// UpdateStatus transitions a record. Confirmed records never change.
func (s *Store) UpdateStatus(ctx context.Context, key model.EventKey, status model.Status, dispatchTxHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_records
		SET status=$4,
		    dispatch_tx_hash = CASE WHEN $5 = '' THEN dispatch_tx_hash ELSE $5 END,
		    updated_at = now()
		WHERE chain=$1 AND tx_hash=$2 AND log_index=$3 AND status <> $6
	`, key.Chain, key.TxHash, int64(key.LogIndex), string(status), dispatchTxHash, string(model.StatusConfirmed))
	return err
}

// MarkAttempt records a failed attempt and schedules the next one.
func (s *Store) MarkAttempt(ctx context.Context, key model.EventKey, attempts int, nextAttempt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_records
		SET status=$4, attempts=$5, next_attempt_at=$6, updated_at=now()
		WHERE chain=$1 AND tx_hash=$2 AND log_index=$3 AND status <> $7
	`, key.Chain, key.TxHash, int64(key.LogIndex),
		string(model.StatusDispatchFailed), attempts, nextAttempt, string(model.StatusConfirmed))
	return err
}

// Counts returns the number of records per status.
func (s *Store) Counts(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM ledger_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.Status(status)] = int(n)
	}
	return counts, rows.Err()
}

// LoadCursor returns the last processed block for a chain.
func (s *Store) LoadCursor(ctx context.Context, chain string) (uint64, bool, error) {
	if chain == "" {
		return 0, false, fmt.Errorf("chain name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM watch_cursors WHERE chain=$1`, chain)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SaveCursor upserts the last processed block for a chain.
func (s *Store) SaveCursor(ctx context.Context, chain string, block uint64) error {
	if chain == "" {
		return fmt.Errorf("chain name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watch_cursors (chain, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chain) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, chain, int64(block))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.LedgerRecord, error) {
	var (
		rec       model.LedgerRecord
		logIndex  int64
		decimals  int16
		blockNum  int64
		rawAmount string
		usdValue  string
		owed      string
		status    string
	)
	err := row.Scan(
		&rec.Chain, &rec.TxHash, &logIndex, &rec.TokenAddress, &rec.Contributor,
		&rawAmount, &decimals, &blockNum, &usdValue, &owed,
		&status, &rec.Attempts, &rec.NextAttemptAt, &rec.DispatchTxHash,
		&rec.ObservedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return model.LedgerRecord{}, err
	}

	rec.LogIndex = uint64(logIndex)
	rec.Decimals = uint8(decimals)
	rec.BlockNumber = uint64(blockNum)
	rec.RawAmount = rawAmount
	rec.Status = model.Status(status)

	if rec.USDValue, err = decimal.NewFromString(usdValue); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("parse usd value: %w", err)
	}
	if rec.TokensOwed, err = decimal.NewFromString(owed); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("parse tokens owed: %w", err)
	}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]model.LedgerRecord, error) {
	records := make([]model.LedgerRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
