package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"contribwatch/internal/model"
)

// MemoryStore is an in-memory Store. It backs unit tests and dry runs;
// production deployments use the postgres implementation.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.LedgerRecord
	cursors map[string]uint64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]model.LedgerRecord),
		cursors: make(map[string]uint64),
		now:     time.Now,
	}
}

func (s *MemoryStore) RecordIfNew(ctx context.Context, rec model.LedgerRecord) (model.LedgerRecord, bool, error) {
	if err := rec.Validate(); err != nil {
		return model.LedgerRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key().String()
	if existing, ok := s.records[key]; ok {
		return existing, false, nil
	}

	rec.UpdatedAt = s.now().UTC()
	s.records[key] = rec
	return rec, true, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]model.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]model.LedgerRecord, 0)
	for _, rec := range s.records {
		switch rec.Status {
		case model.StatusPending:
			out = append(out, rec)
		case model.StatusDispatchFailed:
			if !rec.NextAttemptAt.After(now) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDispatched(ctx context.Context) ([]model.LedgerRecord, error) {
	return s.listByStatus(model.StatusDispatched), nil
}

func (s *MemoryStore) ListAbandoned(ctx context.Context) ([]model.LedgerRecord, error) {
	return s.listByStatus(model.StatusAbandoned), nil
}

func (s *MemoryStore) listByStatus(status model.Status) []model.LedgerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.LedgerRecord, 0)
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, key model.EventKey, status model.Status, dispatchTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return fmt.Errorf("record not found: %s", key)
	}
	if rec.Status == model.StatusConfirmed {
		return nil
	}

	rec.Status = status
	if dispatchTxHash != "" {
		rec.DispatchTxHash = dispatchTxHash
	}
	rec.UpdatedAt = s.now().UTC()
	s.records[key.String()] = rec
	return nil
}

func (s *MemoryStore) MarkAttempt(ctx context.Context, key model.EventKey, attempts int, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return fmt.Errorf("record not found: %s", key)
	}
	if rec.Status == model.StatusConfirmed {
		return nil
	}

	rec.Status = model.StatusDispatchFailed
	rec.Attempts = attempts
	rec.NextAttemptAt = nextAttempt
	rec.UpdatedAt = s.now().UTC()
	s.records[key.String()] = rec
	return nil
}

func (s *MemoryStore) Counts(ctx context.Context) (map[model.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[model.Status]int)
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) LoadCursor(ctx context.Context, chain string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.cursors[chain]
	return block, ok, nil
}

func (s *MemoryStore) SaveCursor(ctx context.Context, chain string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[chain] = block
	return nil
}
