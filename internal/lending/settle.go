package lending

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
	"github.com/atmx/lending-engine/internal/model"
)

// collateralRelease returns the collateral freed by repaying amount against p.
//
// While p follows its repayment schedule, the release is the difference of
// cumulative truncated shares of the original collateral:
//
//	trunc(orig * (repaid+amount) / owed) - trunc(orig * repaid / owed)
//
// so repayments that sum to TotalOwed release CollateralOriginal exactly. A
// partial liquidation takes p off that schedule; the remaining collateral is
// then released in proportion to the remaining debt. Settling the debt in
// full always releases everything still locked.
func collateralRelease(p *model.DebtPosition, amount decimal.Decimal) decimal.Decimal {
	after := p.AmountRepaid.Add(amount)
	if after.GreaterThanOrEqual(p.TotalOwed) {
		return p.CollateralLocked
	}

	releasedBefore, _ := fixed.MulDiv(p.CollateralOriginal, p.AmountRepaid, p.TotalOwed)
	if !p.CollateralOriginal.Sub(releasedBefore).Equal(p.CollateralLocked) {
		release, _ := fixed.MulDiv(p.CollateralLocked, amount, p.Outstanding())
		return release
	}

	releasedAfter, _ := fixed.MulDiv(p.CollateralOriginal, after, p.TotalOwed)
	return decimal.Min(releasedAfter.Sub(releasedBefore), p.CollateralLocked)
}

// liquidation is the settlement of one liquidation against a position.
type liquidation struct {
	seized    decimal.Decimal // collateral paid to the liquidator
	refund    decimal.Decimal // collateral returned to the borrower
	shortfall decimal.Decimal // debt left unpaid when collateral runs out
	locked    decimal.Decimal // collateral still locked afterwards
}

// closes reports whether the liquidation ends the position.
func (l liquidation) closes() bool {
	return l.locked.IsZero()
}

// settleLiquidation splits the position's collateral after a liquidator
// repays effective units (already capped at the outstanding debt) and is
// owed seized units (already capped at the locked collateral).
//
// Clearing the debt refunds any collateral left to the borrower; running out
// of collateral with debt remaining writes the remainder off as shortfall.
// Either way the position closes. Otherwise it stays open for further
// liquidation.
func settleLiquidation(p *model.DebtPosition, effective, seized decimal.Decimal) liquidation {
	l := liquidation{
		seized:    seized,
		refund:    decimal.Zero,
		shortfall: decimal.Zero,
		locked:    p.CollateralLocked.Sub(seized),
	}
	outstanding := p.Outstanding().Sub(effective)
	switch {
	case outstanding.IsZero():
		l.refund = l.locked
		l.locked = decimal.Zero
	case l.locked.IsZero():
		l.shortfall = outstanding
	}
	return l
}
