package lending

import (
	"errors"

	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/auction"
	"github.com/atmx/lending-engine/internal/credit"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for a zero, negative or fractional amount.
	ErrInvalidAmount = errors.New("lending: amount must be a positive whole number of units")

	// ErrInvalidAccount is returned when the acting account is empty.
	ErrInvalidAccount = errors.New("lending: account is required")

	// ErrUnauthorized is returned when the caller may not act on a position
	// or on the pool.
	ErrUnauthorized = errors.New("lending: caller is not authorized")

	// ErrRepaymentExceedsDebt is returned when a repayment would push the
	// repaid amount above the total owed.
	ErrRepaymentExceedsDebt = errors.New("lending: repayment exceeds outstanding debt")

	// ErrInsufficientAvailableLiquidity is returned when a withdrawal exceeds
	// the pool's undeployed liquidity.
	ErrInsufficientAvailableLiquidity = errors.New("lending: withdrawal exceeds available liquidity")
)

// Errors raised by collaborators, re-exported so callers can match every
// engine failure against this package.
var (
	ErrNotFound              = store.ErrNotFound
	ErrNotActive             = store.ErrNotActive
	ErrNotOverdue            = auction.ErrNotOverdue
	ErrInsufficientLiquidity = credit.ErrInsufficientLiquidity
	ErrPriceUnavailable      = oracle.ErrPriceUnavailable
	ErrInsufficientBalance   = asset.ErrInsufficientBalance
	ErrInsufficientAllowance = asset.ErrInsufficientAllowance
)
