package math

import (
	"github.com/shopspring/decimal"
)

// FormatUnits renders an amount in whole-token units using the asset's
// decimal scale, e.g. 150000000 with 8 decimals -> "1.5".
// Display only; never feed the result back into accounting.
func FormatUnits(a Amount, decimals uint32) string {
	return decimal.NewFromBigInt(a.raw(), -int32(decimals)).String()
}

// Percentage returns current / target * 100 as a float for progress bars.
// Returns 0 for a zero target.
func Percentage(current, target Amount) float64 {
	if target.IsZero() {
		return 0
	}
	cur := decimal.NewFromBigInt(current.raw(), 0)
	tgt := decimal.NewFromBigInt(target.raw(), 0)
	return cur.Div(tgt).Mul(decimal.NewFromInt(100)).InexactFloat64()
}
