package ledger

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

func TestBaseUnits(t *testing.T) {
	cases := []struct {
		tokens string
		want   string
	}{
		{"1000", "1000000000000000000000"},
		{"285714.285714285714285714", "285714285714285714285714"},
		{"0.000000000000000001", "1"},
		// precision beyond 18 places is truncated, never rounded up
		{"1.0000000000000000019", "1000000000000000001"},
	}

	for _, tc := range cases {
		got := BaseUnits(decimal.RequireFromString(tc.tokens))
		want, ok := new(big.Int).SetString(tc.want, 10)
		if !ok {
			t.Fatalf("bad test case: %s", tc.want)
		}
		if got.Cmp(want) != 0 {
			t.Fatalf("base units mismatch for %s: %s != %s", tc.tokens, got, want)
		}
	}
}

func TestAllocatorABIPacksUpdateAllocation(t *testing.T) {
	allocatorABI, err := AllocatorABI()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	contributor := common.HexToAddress("0xAAAA00000000000000000000000000000000AAAA")
	amount := big.NewInt(1_000_000)

	data, err := allocatorABI.Pack("updateAllocation", contributor, amount)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	selector := crypto.Keccak256([]byte("updateAllocation(address,uint256)"))[:4]
	if !bytes.Equal(data[:4], selector) {
		t.Fatalf("selector mismatch: %x != %x", data[:4], selector)
	}
	if len(data) != 4+32+32 {
		t.Fatalf("unexpected call data length: %d", len(data))
	}
}
