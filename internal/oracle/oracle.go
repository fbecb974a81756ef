// Package oracle provides the price capability the lending engine consumes.
// Prices are integers scaled by fixed.PriceScale and give the value of one
// collateral unit in borrowed-asset units.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no usable price is set for a pair.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// PriceOracle returns the current scaled spot price for an asset pair.
type PriceOracle interface {
	GetPrice(ctx context.Context, pairID string) (decimal.Decimal, error)
}

// Static is an in-process price table. Used for tests and development, and
// as the deterministic stub injected into engine tests.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates an empty price table.
func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

// Set records the scaled price for pairID.
func (s *Static) Set(pairID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[pairID] = price
}

// Unset removes the price for pairID.
func (s *Static) Unset(pairID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, pairID)
}

func (s *Static) GetPrice(_ context.Context, pairID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[pairID]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, pairID)
	}
	return p, nil
}

var _ PriceOracle = (*Static)(nil)
