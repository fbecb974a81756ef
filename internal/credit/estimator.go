// Package credit computes how much of the borrowed asset a collateral deposit
// can raise.
//
// Credit is the oracle value of the collateral scaled by a fixed
// loan-to-value ratio, and it can never exceed the pool's undeployed
// liquidity. The estimator holds no state and is safe to call repeatedly.
package credit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
)

var (
	// ErrInsufficientLiquidity is returned when the credit a collateral
	// amount would raise exceeds the pool's available liquidity.
	ErrInsufficientLiquidity = errors.New("credit: insufficient available liquidity")

	// ErrZeroCredit marks collateral too small to raise a single unit of the
	// borrowed asset. Estimate reports such collateral as 0; callers that
	// cannot proceed with zero credit return this error.
	ErrZeroCredit = errors.New("credit: collateral too small to raise any credit")

	// ErrInvalidLTV is returned for a loan-to-value ratio outside (0, 1].
	ErrInvalidLTV = errors.New("credit: loan-to-value ratio must be in (0, 1]")

	// ErrInvalidPrice is returned for a non-positive oracle price.
	ErrInvalidPrice = errors.New("credit: oracle price must be positive")
)

// Estimator applies a fixed loan-to-value ratio to oracle-valued collateral.
type Estimator struct {
	// LTV is the fraction of the collateral's value that may be borrowed.
	LTV decimal.Decimal
}

// NewEstimator creates an estimator for the given loan-to-value ratio.
func NewEstimator(ltv decimal.Decimal) (*Estimator, error) {
	if !ltv.IsPositive() || ltv.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLTV, ltv)
	}
	return &Estimator{LTV: ltv}, nil
}

// Quote returns trunc(collateral * price * LTV / PriceScale) without
// checking liquidity.
func (e *Estimator) Quote(collateral, price decimal.Decimal) (decimal.Decimal, error) {
	if err := fixed.ValidateQuantity(collateral); err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	return fixed.MulDiv(collateral.Mul(price), e.LTV, fixed.PriceScale)
}

// Estimate returns the borrowable amount for collateral at price, bounded by
// available liquidity. Collateral worth less than one borrowed unit
// estimates to 0.
//
// Parameters:
//   - collateral: whole units of the collateral asset offered
//   - price: oracle price of one collateral unit in borrowed units, scaled by fixed.PriceScale
//   - available: undeployed borrowed-asset liquidity in the pool
func (e *Estimator) Estimate(collateral, price, available decimal.Decimal) (decimal.Decimal, error) {
	amount, err := e.Quote(collateral, price)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.GreaterThan(available) {
		return decimal.Zero, fmt.Errorf("%w: need %s, available %s", ErrInsufficientLiquidity, amount, available)
	}
	return amount, nil
}
