// Package money provides shared USD amount parsing, rounding and formatting.
//
// Amounts are decimal.Decimal values with cent precision. Every stored
// amount (balances, prices, escrow splits) goes through Round so that
// arithmetic in Go and NUMERIC(20,2) columns in Postgres agree.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for USD.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Parse converts a decimal string (e.g. "1.50") into an amount.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Amounts finer than a cent are rejected
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if !d.Equal(d.Round(Places)) {
		return decimal.Zero, false
	}
	return d, true
}

// Round rounds an amount half away from zero to whole cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Percent returns pct percent of amount, rounded to cents.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(hundred))
}

// Split divides amount into two shares by percentage. The first share is
// rounded; the second is the remainder, so first+second == amount exactly.
func Split(amount, firstPct decimal.Decimal) (first, second decimal.Decimal) {
	first = Percent(amount, firstPct)
	return first, amount.Sub(first)
}

// Format renders an amount with exactly two decimal places (e.g. "1.50").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// IsPositive reports whether d is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}
