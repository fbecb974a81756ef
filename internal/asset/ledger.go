// Package asset provides the fungible balance/transfer/approve primitive the
// lending engine moves both of its assets through.
//
// A Ledger tracks one asset. Transfer moves the sender's own funds;
// TransferFrom moves funds on the owner's behalf and consumes the spender's
// allowance.
package asset

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance   = errors.New("asset: insufficient balance")
	ErrInsufficientAllowance = errors.New("asset: insufficient allowance")
	ErrTransferConflict      = errors.New("asset: transfer aborted after repeated conflicts")
)

// Ledger is the fungible-asset capability for a single asset.
type Ledger interface {
	// Asset returns the asset symbol the ledger tracks.
	Asset() string

	// BalanceOf returns the balance held by account.
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)

	// Allowance returns how much spender may move on owner's behalf.
	Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error)

	// Approve sets spender's allowance over owner's funds.
	Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) error

	// IncreaseAllowance raises spender's allowance by delta.
	IncreaseAllowance(ctx context.Context, owner, spender string, delta decimal.Decimal) error

	// Transfer moves amount of from's own funds to to.
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error

	// TransferFrom moves amount from from to to on spender's behalf,
	// consuming spender's allowance.
	TransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal) error
}
