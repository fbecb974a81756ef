package asset

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
)

// MemoryLedger implements Ledger with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryLedger struct {
	asset      string
	mu         sync.Mutex
	balances   map[string]decimal.Decimal
	allowances map[allowanceKey]decimal.Decimal
}

type allowanceKey struct {
	owner, spender string
}

// NewMemoryLedger creates an empty ledger for asset.
func NewMemoryLedger(asset string) *MemoryLedger {
	return &MemoryLedger{
		asset:      asset,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[allowanceKey]decimal.Decimal),
	}
}

func (l *MemoryLedger) Asset() string { return l.asset }

// Mint credits amount to account out of thin air.
func (l *MemoryLedger) Mint(account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
}

func (l *MemoryLedger) BalanceOf(_ context.Context, account string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

func (l *MemoryLedger) Allowance(_ context.Context, owner, spender string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[allowanceKey{owner, spender}], nil
}

func (l *MemoryLedger) Approve(_ context.Context, owner, spender string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("asset: negative allowance %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{owner, spender}] = amount
	return nil
}

func (l *MemoryLedger) IncreaseAllowance(_ context.Context, owner, spender string, delta decimal.Decimal) error {
	if delta.IsNegative() {
		return fmt.Errorf("asset: negative allowance delta %s", delta)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := allowanceKey{owner, spender}
	l.allowances[k] = l.allowances[k].Add(delta)
	return nil
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to string, amount decimal.Decimal) error {
	if err := fixed.ValidateQuantity(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s %s has %s, needs %s", ErrInsufficientBalance, l.asset, from, l.balances[from], amount)
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *MemoryLedger) TransferFrom(_ context.Context, spender, from, to string, amount decimal.Decimal) error {
	if err := fixed.ValidateQuantity(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := allowanceKey{from, spender}
	if l.allowances[k].LessThan(amount) {
		return fmt.Errorf("%w: %s %s allows %s %s, needs %s", ErrInsufficientAllowance, l.asset, from, spender, l.allowances[k], amount)
	}
	if l.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s %s has %s, needs %s", ErrInsufficientBalance, l.asset, from, l.balances[from], amount)
	}
	l.allowances[k] = l.allowances[k].Sub(amount)
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
