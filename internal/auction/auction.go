// Package auction prices the collateral paid out to liquidators of overdue
// debt positions.
//
// The payout is the oracle-implied collateral for the repaid debt plus a
// liquidator bonus that grows with time since expiry and holds at a
// configured maximum, a capped Dutch-auction curve. The bonus is 0 at
// expiry so the first liquidator pays par.
//
// Bonuses are exact ratios; the payout is truncated toward zero once, at the
// end of the computation.
package auction

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
)

var (
	// ErrNotOverdue is returned when pricing is requested at or before expiry.
	ErrNotOverdue = errors.New("auction: position is not overdue")

	// ErrInvalidCurve is returned for a curve with a non-positive ramp or step,
	// or a negative maximum bonus.
	ErrInvalidCurve = errors.New("auction: invalid bonus curve")

	// ErrInvalidPrice is returned for a non-positive oracle price.
	ErrInvalidPrice = errors.New("auction: oracle price must be positive")
)

// Curve kinds accepted by NewCurve.
const (
	CurveLinear = "linear"
	CurveStep   = "step"
)

// BonusCurve maps time elapsed since expiry to a liquidator bonus.
// Implementations must return 0 for elapsed <= 0, be non-decreasing, and
// never exceed Max.
type BonusCurve interface {
	Bonus(elapsed time.Duration) fixed.Ratio
	Max() decimal.Decimal
}

// LinearCurve ramps the bonus linearly from 0 at expiry to MaxBonus at Ramp,
// holding at MaxBonus thereafter.
type LinearCurve struct {
	MaxBonus decimal.Decimal
	Ramp     time.Duration
}

// NewLinearCurve validates and builds a capped linear curve.
func NewLinearCurve(maxBonus decimal.Decimal, ramp time.Duration) (*LinearCurve, error) {
	if maxBonus.IsNegative() || ramp <= 0 {
		return nil, fmt.Errorf("%w: max=%s ramp=%s", ErrInvalidCurve, maxBonus, ramp)
	}
	return &LinearCurve{MaxBonus: maxBonus, Ramp: ramp}, nil
}

// Bonus returns MaxBonus * min(elapsed, Ramp) / Ramp.
func (c *LinearCurve) Bonus(elapsed time.Duration) fixed.Ratio {
	if elapsed <= 0 {
		return fixed.Zero
	}
	if elapsed >= c.Ramp {
		return fixed.RatioOf(c.MaxBonus)
	}
	return fixed.Ratio{
		Num: c.MaxBonus.Mul(decimal.NewFromInt(int64(elapsed))),
		Den: decimal.NewFromInt(int64(c.Ramp)),
	}
}

// Max returns the bonus cap.
func (c *LinearCurve) Max() decimal.Decimal { return c.MaxBonus }

// StepCurve is a linear ramp sampled at whole Steps: the bonus only moves
// when another full Step has elapsed.
type StepCurve struct {
	MaxBonus decimal.Decimal
	Ramp     time.Duration
	Step     time.Duration
}

// NewStepCurve validates and builds a stepped curve.
func NewStepCurve(maxBonus decimal.Decimal, ramp, step time.Duration) (*StepCurve, error) {
	if maxBonus.IsNegative() || ramp <= 0 || step <= 0 {
		return nil, fmt.Errorf("%w: max=%s ramp=%s step=%s", ErrInvalidCurve, maxBonus, ramp, step)
	}
	return &StepCurve{MaxBonus: maxBonus, Ramp: ramp, Step: step}, nil
}

// Bonus returns MaxBonus * min(floor(elapsed/Step)*Step, Ramp) / Ramp.
func (c *StepCurve) Bonus(elapsed time.Duration) fixed.Ratio {
	if elapsed <= 0 {
		return fixed.Zero
	}
	stepped := (elapsed / c.Step) * c.Step
	if stepped >= c.Ramp {
		return fixed.RatioOf(c.MaxBonus)
	}
	return fixed.Ratio{
		Num: c.MaxBonus.Mul(decimal.NewFromInt(int64(stepped))),
		Den: decimal.NewFromInt(int64(c.Ramp)),
	}
}

// Max returns the bonus cap.
func (c *StepCurve) Max() decimal.Decimal { return c.MaxBonus }

// NewCurve builds a curve by kind name. step is ignored for linear curves.
func NewCurve(kind string, maxBonus decimal.Decimal, ramp, step time.Duration) (BonusCurve, error) {
	switch kind {
	case CurveLinear, "":
		return NewLinearCurve(maxBonus, ramp)
	case CurveStep:
		return NewStepCurve(maxBonus, ramp, step)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCurve, kind)
	}
}

// Quote is the result of pricing one liquidation.
type Quote struct {
	Elapsed    time.Duration
	Bonus      fixed.Ratio
	Collateral decimal.Decimal // payout after the cap
	Uncapped   decimal.Decimal // payout before the cap
	Capped     bool
}

// Pricer converts repaid debt into a collateral payout along a BonusCurve.
// It is stateless; position amounts are passed as arguments, not stored.
type Pricer struct {
	curve BonusCurve
}

// NewPricer creates a pricer for the given curve.
func NewPricer(curve BonusCurve) *Pricer {
	return &Pricer{curve: curve}
}

// Price computes the collateral owed to a liquidator repaying repay units of
// debt, elapsed after expiry, at oracle price:
//
//	collateral = trunc(repay * PriceScale * (1 + bonus(elapsed)) / price)
//
// and caps it at locked.
func (p *Pricer) Price(repay, price decimal.Decimal, elapsed time.Duration, locked decimal.Decimal) (Quote, error) {
	if elapsed <= 0 {
		return Quote{}, ErrNotOverdue
	}
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	bonus := p.curve.Bonus(elapsed)
	factor := bonus.OnePlus()

	uncapped, err := fixed.MulDiv(repay.Mul(fixed.PriceScale), factor.Num, price.Mul(factor.Den))
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		Elapsed:    elapsed,
		Bonus:      bonus,
		Collateral: uncapped,
		Uncapped:   uncapped,
	}
	if uncapped.GreaterThan(locked) {
		q.Collateral = locked
		q.Capped = true
	}
	return q, nil
}
