// Package money implements price arithmetic in whole currency units.
//
// Every price the checkout stores or charges is an Amount. Intermediate
// values (percentages, fractional discounts) are carried as decimals and
// converted back to an Amount with an explicit rounding rule, so the same
// inputs always produce the same integer result.
package money

import (
	"strconv"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Amount is a non-negative price in whole currency units.
type Amount int64

var hundred = decimal.NewFromInt(100)

// Decimal returns the amount as a decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(a))
}

// Cents returns the amount in hundredths, as expected by card processors.
func (a Amount) Cents() int64 {
	return int64(a) * 100
}

// String formats the amount with two decimal places ("249.00").
func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

// Ceil rounds d up to the next whole unit. Negative values clamp to zero.
func Ceil(d decimal.Decimal) Amount {
	if d.IsNegative() {
		return 0
	}
	return Amount(d.Ceil().IntPart())
}

// RoundHalfUp rounds d to the nearest whole unit, halves rounding up.
// Negative values clamp to zero.
func RoundHalfUp(d decimal.Decimal) Amount {
	if d.IsNegative() {
		return 0
	}
	return Amount(d.Round(0).IntPart())
}

// PercentOf returns pct percent of a without rounding.
func PercentOf(a Amount, pct decimal.Decimal) decimal.Decimal {
	return a.Decimal().Mul(pct).Div(hundred)
}

// CeilPercent returns pct percent of a rounded up to a whole unit.
func CeilPercent(a Amount, pct decimal.Decimal) Amount {
	return Ceil(PercentOf(a, pct))
}

// Sum adds amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}

// Within reports whether a and b differ by at most tolerance.
func Within(a, b, tolerance Amount) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// Parse reads a decimal string ("249", "249.50") and rounds it half-up.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse amount %q", s)
	}
	if d.IsNegative() {
		return 0, errors.Errorf("negative amount %q", s)
	}
	return RoundHalfUp(d), nil
}

// Format renders a as a plain integer string, used for metadata values.
func Format(a Amount) string {
	return strconv.FormatInt(int64(a), 10)
}
