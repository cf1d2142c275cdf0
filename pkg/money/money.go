// Package money converts between integer minor units and decimal amounts.
package money

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FromCents returns the decimal amount for a minor-unit value.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders cents with two fixed decimals, e.g. 2000 -> "20.00".
func Format(cents int64) string {
	return FromCents(cents).StringFixed(2)
}

// ToCents rounds a decimal amount half away from zero into minor units.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// ApplyBps returns cents * bps / 10000 rounded half away from zero.
func ApplyBps(cents, bps int64) int64 {
	if cents == 0 || bps == 0 {
		return 0
	}
	return decimal.NewFromInt(cents).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(10000)).
		Round(0).
		IntPart()
}
