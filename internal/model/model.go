// Package model defines the core domain types shared across the lending engine.
// All quantities use shopspring/decimal holding whole units, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a debt position.
// Active is the only non-terminal state.
type PositionStatus string

const (
	StatusActive     PositionStatus = "active"
	StatusRepaid     PositionStatus = "repaid"
	StatusLiquidated PositionStatus = "liquidated"
)

// Terminal reports whether no further transition is possible.
func (s PositionStatus) Terminal() bool {
	return s == StatusRepaid || s == StatusLiquidated
}

// DebtPosition is one loan: collateral locked against borrowed principal
// plus a flat origination fee, repayable until Expiry and liquidatable after.
type DebtPosition struct {
	ID                 int64           `json:"id" db:"id"`
	Borrower           string          `json:"borrower" db:"borrower"`
	CollateralOriginal decimal.Decimal `json:"collateral_original" db:"collateral_original"`
	CollateralLocked   decimal.Decimal `json:"collateral_locked" db:"collateral_locked"`
	Principal          decimal.Decimal `json:"principal" db:"principal"`
	TotalOwed          decimal.Decimal `json:"total_owed" db:"total_owed"`     // principal + fee, fixed at origination
	AmountRepaid       decimal.Decimal `json:"amount_repaid" db:"amount_repaid"` // monotonically non-decreasing
	OriginatedAt       time.Time       `json:"originated_at" db:"originated_at"`
	Expiry             time.Time       `json:"expiry" db:"expiry"`
	Status             PositionStatus  `json:"status" db:"status"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	Version            int64           `json:"version" db:"version"`
}

// Outstanding returns TotalOwed - AmountRepaid.
func (p *DebtPosition) Outstanding() decimal.Decimal {
	return p.TotalOwed.Sub(p.AmountRepaid)
}

// Overdue reports whether now is strictly after expiry.
func (p *DebtPosition) Overdue(now time.Time) bool {
	return now.After(p.Expiry)
}

// Pool is the borrowed-asset liquidity owned by the depositor.
// Available is what can still be lent or withdrawn; it never goes negative.
type Pool struct {
	Owner          string          `json:"owner" db:"owner"`
	Available      decimal.Decimal `json:"available" db:"available"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	TotalLent      decimal.Decimal `json:"total_lent" db:"total_lent"`         // cumulative principal issued
	TotalReturned  decimal.Decimal `json:"total_returned" db:"total_returned"` // cumulative repayments + liquidation proceeds
	BadDebt        decimal.Decimal `json:"bad_debt" db:"bad_debt"`             // debt left when collateral ran out
}

// EventKind names the operation a PositionEvent records.
type EventKind string

const (
	EventBorrow    EventKind = "borrow"
	EventRepay     EventKind = "repay"
	EventLiquidate EventKind = "liquidate"
)

// PositionEvent is an immutable record of one committed operation on a
// position. Once created, these are never modified or deleted.
type PositionEvent struct {
	ID               string          `json:"id" db:"id"`
	PositionID       int64           `json:"position_id" db:"position_id"`
	Kind             EventKind       `json:"kind" db:"kind"`
	Actor            string          `json:"actor" db:"actor"`
	DebtAmount       decimal.Decimal `json:"debt_amount" db:"debt_amount"`             // borrowed asset moved
	CollateralAmount decimal.Decimal `json:"collateral_amount" db:"collateral_amount"` // collateral moved to the actor
	CollateralRefund decimal.Decimal `json:"collateral_refund" db:"collateral_refund"` // surplus returned to the borrower
	Shortfall        decimal.Decimal `json:"shortfall" db:"shortfall"`
	Bonus            decimal.Decimal `json:"bonus" db:"bonus"` // liquidator bonus fraction, display precision
	Status           PositionStatus  `json:"status" db:"status"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}
