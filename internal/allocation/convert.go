// Package allocation holds the pure conversion from observed USD value to
// the owed-token allocation. It performs no I/O so the same inputs always
// reproduce the same allocation, including during replay or audit.
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the fractional precision of allocation amounts. It matches the
// 18-decimal base unit of the ledger token.
const Scale = 18

// Convert maps a USD-denominated contribution to the token allocation owed
// under the given fixed price.
//
// Rounding policy: the quotient is computed at Scale+2 fractional digits
// and then truncated toward zero to Scale digits. Truncation is
// deterministic and never over-credits.
func Convert(usdValue, tokenPrice decimal.Decimal) (decimal.Decimal, error) {
	if !tokenPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("token price must be positive, got %s", tokenPrice)
	}
	return usdValue.DivRound(tokenPrice, Scale+2).Truncate(Scale), nil
}
