package allocation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestConvertExact(t *testing.T) {
	usd := decimal.RequireFromString("3.5")
	price := decimal.RequireFromString("0.0035")

	got, err := Convert(usd, price)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.String() != "1000" {
		t.Fatalf("tokens owed mismatch: %s != 1000", got)
	}
	if !got.Equal(decimal.RequireFromString("1000.000000000000000000")) {
		t.Fatalf("tokens owed not exact at 18 decimal places: %s", got)
	}
}

func TestConvertRepeatingQuotient(t *testing.T) {
	usd := decimal.RequireFromString("1000")
	price := decimal.RequireFromString("0.0035")

	got, err := Convert(usd, price)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "285714.285714285714285714"
	if got.String() != want {
		t.Fatalf("tokens owed mismatch: %s != %s", got, want)
	}
}

func TestConvertDeterministic(t *testing.T) {
	usd := decimal.RequireFromString("123.456789")
	price := decimal.RequireFromString("0.0035")

	first, err := Convert(usd, price)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 100; i++ {
		again, err := Convert(usd, price)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !again.Equal(first) {
			t.Fatalf("conversion not deterministic: %s != %s", again, first)
		}
	}
}

func TestConvertRejectsNonPositivePrice(t *testing.T) {
	usd := decimal.RequireFromString("100")

	if _, err := Convert(usd, decimal.Zero); err == nil {
		t.Fatalf("expected error for zero price")
	}
	if _, err := Convert(usd, decimal.RequireFromString("-0.01")); err == nil {
		t.Fatalf("expected error for negative price")
	}
}

func TestConvertTruncatesTowardZero(t *testing.T) {
	// 1 / 3 = 0.333...; digit 19 must be cut, never rounded up
	got, err := Convert(decimal.NewFromInt(1), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "0.333333333333333333"
	if got.String() != want {
		t.Fatalf("truncation mismatch: %s != %s", got, want)
	}
}
