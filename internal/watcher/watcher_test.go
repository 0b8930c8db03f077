package watcher

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"contribwatch/internal/model"
	"contribwatch/internal/store"
)

var (
	usdcBase = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	usdtBase = common.HexToAddress("0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2")
	treasury = common.HexToAddress("0xBBBB00000000000000000000000000000000BBBB")
	donor    = common.HexToAddress("0xAAAA00000000000000000000000000000000AAAA")
)

type fakeChain struct {
	latest   uint64
	logs     []types.Log
	decimals map[common.Address]uint8
}

func (f *fakeChain) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	out := make([]types.Log, 0)
	for _, log := range f.logs {
		if log.BlockNumber >= fromBlock && log.BlockNumber <= toBlock {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeChain) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	return 1_700_000_000 + number, nil
}

func (f *fakeChain) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if f.decimals == nil {
		return 6, nil
	}
	return f.decimals[token], nil
}

// failingStore makes RecordIfNew fail after a number of successes.
type failingStore struct {
	*store.MemoryStore
	failAfter int
	calls     int
}

func (s *failingStore) RecordIfNew(ctx context.Context, rec model.LedgerRecord) (model.LedgerRecord, bool, error) {
	s.calls++
	if s.calls > s.failAfter {
		return model.LedgerRecord{}, false, fmt.Errorf("store unavailable")
	}
	return s.MemoryStore.RecordIfNew(ctx, rec)
}

func newTestWatcher(chain ChainReader, st store.Store) *Watcher {
	return New(Config{
		ChainName:     "base",
		Treasury:      treasury,
		Tokens:        []common.Address{usdcBase, usdtBase},
		TokenDecimals: 6,
		TokenPrice:    decimal.RequireFromString("0.0035"),
		Confirmations: 0,
		BatchSize:     100,
		PollInterval:  time.Second,
	}, chain, st, nil, nil)
}

func TestScanRecordsTreasuryTransfer(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{
		latest: 50,
		logs: []types.Log{
			transferLog(usdcBase, donor, treasury, big.NewInt(1_000_000_000), "0x01", 0),
		},
	}
	st := store.NewMemoryStore()

	w := newTestWatcher(chain, st)
	require.NoError(t, w.ScanOnce(ctx))

	pending, err := st.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rec := pending[0]
	require.Equal(t, "0xaaaa00000000000000000000000000000000aaaa", rec.Contributor)
	require.Equal(t, "1000", rec.USDValue.String())
	require.Equal(t, "285714.285714285714285714", rec.TokensOwed.String())
	require.Equal(t, model.StatusPending, rec.Status)
	// the log sits in block 42, so the record carries that block's time
	require.Equal(t, time.Unix(1_700_000_042, 0).UTC(), rec.ObservedAt)

	block, ok, err := st.LoadCursor(ctx, "base")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(50), block)
}

func TestScanIgnoresOtherRecipients(t *testing.T) {
	ctx := context.Background()
	other := common.HexToAddress("0xCCCC00000000000000000000000000000000CCCC")
	chain := &fakeChain{
		latest: 50,
		logs: []types.Log{
			transferLog(usdcBase, donor, other, big.NewInt(1_000_000), "0x01", 0),
		},
	}
	st := store.NewMemoryStore()

	w := newTestWatcher(chain, st)
	require.NoError(t, w.ScanOnce(ctx))

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestScanDeduplicatesReplayedEvents(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{
		latest: 50,
		logs: []types.Log{
			transferLog(usdcBase, donor, treasury, big.NewInt(2_000_000), "0x01", 0),
		},
	}
	st := store.NewMemoryStore()
	w := newTestWatcher(chain, st)

	require.NoError(t, w.ScanOnce(ctx))

	// simulate a restart replaying the same range
	require.NoError(t, st.SaveCursor(ctx, "base", 0))
	require.NoError(t, w.ScanOnce(ctx))

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[model.StatusPending])
}

func TestScanDistinctTokensSumAllocations(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{
		latest: 50,
		logs: []types.Log{
			transferLog(usdcBase, donor, treasury, big.NewInt(500_000_000), "0x01", 0),
			transferLog(usdtBase, donor, treasury, big.NewInt(500_000_000), "0x01", 1),
		},
	}
	st := store.NewMemoryStore()
	w := newTestWatcher(chain, st)

	require.NoError(t, w.ScanOnce(ctx))

	pending, err := st.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	total := decimal.Zero
	for _, rec := range pending {
		total = total.Add(rec.TokensOwed)
	}
	require.Equal(t, "285714.285714285714285714", total.String())
}

func TestScanSkipsZeroValueTransfers(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{
		latest: 50,
		logs: []types.Log{
			transferLog(usdcBase, donor, treasury, big.NewInt(0), "0x01", 0),
		},
	}
	st := store.NewMemoryStore()
	w := newTestWatcher(chain, st)

	require.NoError(t, w.ScanOnce(ctx))

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestCursorDoesNotAdvancePastFailedPersist(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{
		latest: 50,
		logs: []types.Log{
			transferLog(usdcBase, donor, treasury, big.NewInt(1_000_000), "0x01", 0),
			transferLog(usdcBase, donor, treasury, big.NewInt(2_000_000), "0x02", 0),
		},
	}
	st := &failingStore{MemoryStore: store.NewMemoryStore(), failAfter: 1}
	w := newTestWatcher(chain, st)

	require.Error(t, w.ScanOnce(ctx))

	// the batch failed mid-way, so the cursor must not cover it
	_, ok, err := st.LoadCursor(ctx, "base")
	require.NoError(t, err)
	require.False(t, ok)

	// once the store recovers, the same scan picks the events up again
	st.failAfter = 100
	require.NoError(t, w.ScanOnce(ctx))

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[model.StatusPending])
}

func TestRunRefusesNonPositivePollInterval(t *testing.T) {
	w := New(Config{
		ChainName:     "base",
		Treasury:      treasury,
		Tokens:        []common.Address{usdcBase},
		TokenDecimals: 6,
		TokenPrice:    decimal.RequireFromString("0.0035"),
		BatchSize:     100,
	}, &fakeChain{latest: 10}, store.NewMemoryStore(), nil, nil)

	err := w.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "poll interval")
}

func TestRunRefusesDecimalsMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := &fakeChain{
		latest:   10,
		decimals: map[common.Address]uint8{usdcBase: 18, usdtBase: 6},
	}
	w := newTestWatcher(chain, store.NewMemoryStore())

	err := w.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "decimals")
}
