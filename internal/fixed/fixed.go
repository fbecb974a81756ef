// Package fixed holds the exact integer arithmetic shared by the lending
// engine. Quantities are whole units carried in shopspring/decimal; products
// are exact and every division truncates toward zero exactly once, at the end.
package fixed

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed-point scale of oracle prices (1e8 == price of 1).
var PriceScale = decimal.New(1, 8)

var (
	// ErrNotWholeUnits is returned when a quantity carries a fractional part.
	ErrNotWholeUnits = errors.New("fixed: quantity must be a whole number of units")

	// ErrNotPositive is returned when a quantity is zero or negative.
	ErrNotPositive = errors.New("fixed: quantity must be positive")

	// ErrZeroDenominator is returned by MulDiv for a zero divisor.
	ErrZeroDenominator = errors.New("fixed: zero denominator")
)

// ValidateQuantity checks that q is a positive whole number of units.
func ValidateQuantity(q decimal.Decimal) error {
	if !q.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNotPositive, q)
	}
	if !q.IsInteger() {
		return fmt.Errorf("%w: %s", ErrNotWholeUnits, q)
	}
	return nil
}

// MulDiv returns trunc(a * b / c). The product is exact; the single division
// truncates toward zero.
func MulDiv(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if c.IsZero() {
		return decimal.Zero, ErrZeroDenominator
	}
	q, _ := a.Mul(b).QuoRem(c, 0)
	return q, nil
}

// Ratio is an exact non-negative rational number Num/Den.
type Ratio struct {
	Num decimal.Decimal
	Den decimal.Decimal
}

// Zero is the ratio 0/1.
var Zero = Ratio{Num: decimal.Zero, Den: decimal.NewFromInt(1)}

// RatioOf returns d as an exact ratio d/1.
func RatioOf(d decimal.Decimal) Ratio {
	return Ratio{Num: d, Den: decimal.NewFromInt(1)}
}

// IsZero reports whether the ratio equals zero.
func (r Ratio) IsZero() bool {
	return r.Num.IsZero()
}

// OnePlus returns 1 + r.
func (r Ratio) OnePlus() Ratio {
	return Ratio{Num: r.Den.Add(r.Num), Den: r.Den}
}

// Apply returns trunc(q * r).
func (r Ratio) Apply(q decimal.Decimal) decimal.Decimal {
	out, _ := MulDiv(q, r.Num, r.Den)
	return out
}

// Decimal returns r rounded to 18 places, for display only.
func (r Ratio) Decimal() decimal.Decimal {
	return r.Num.DivRound(r.Den, 18)
}

func (r Ratio) String() string {
	return r.Num.String() + "/" + r.Den.String()
}
