package credit

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
)

func n(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func half() decimal.Decimal {
	return decimal.RequireFromString("0.5")
}

func TestNewEstimator_InvalidLTV(t *testing.T) {
	for _, ltv := range []string{"0", "-0.1", "1.01"} {
		if _, err := NewEstimator(decimal.RequireFromString(ltv)); !errors.Is(err, ErrInvalidLTV) {
			t.Errorf("expected ErrInvalidLTV for %s, got %v", ltv, err)
		}
	}
	if _, err := NewEstimator(n(1)); err != nil {
		t.Errorf("LTV of 1 should be accepted: %v", err)
	}
}

func TestEstimate_HalfLTVUnityPrice(t *testing.T) {
	e, _ := NewEstimator(half())

	got, err := e.Estimate(n(1_000_000), fixed.PriceScale, n(1_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(n(500_000)) {
		t.Errorf("expected 500000, got %s", got)
	}
}

func TestEstimate_InsufficientLiquidity(t *testing.T) {
	e, _ := NewEstimator(half())

	_, err := e.Estimate(n(5_000_000), fixed.PriceScale, n(1_000_000))
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestEstimate_ExactlyAvailable(t *testing.T) {
	e, _ := NewEstimator(half())

	got, err := e.Estimate(n(2_000_000), fixed.PriceScale, n(1_000_000))
	if err != nil {
		t.Fatalf("credit equal to available liquidity should pass: %v", err)
	}
	if !got.Equal(n(1_000_000)) {
		t.Errorf("expected 1000000, got %s", got)
	}
}

func TestEstimate_MatchesFormula(t *testing.T) {
	e, _ := NewEstimator(decimal.RequireFromString("0.75"))

	tests := []struct {
		collateral int64
		price      int64
		want       int64
	}{
		{1_000_000, 100_000_000, 750_000},
		{1_000, 250_000_000, 1_875},
		{3, 100_000_000, 2}, // trunc(2.25)
		{7, 33_333_333, 1},  // trunc(1.74999...)
	}
	for _, tt := range tests {
		got, err := e.Estimate(n(tt.collateral), n(tt.price), n(1_000_000_000))
		if err != nil {
			t.Fatalf("collateral=%d price=%d: %v", tt.collateral, tt.price, err)
		}
		if !got.Equal(n(tt.want)) {
			t.Errorf("collateral=%d price=%d: expected %d, got %s", tt.collateral, tt.price, tt.want, got)
		}
	}
}

func TestEstimate_Idempotent(t *testing.T) {
	e, _ := NewEstimator(half())

	first, _ := e.Estimate(n(123_457), fixed.PriceScale, n(1_000_000))
	for i := 0; i < 5; i++ {
		again, _ := e.Estimate(n(123_457), fixed.PriceScale, n(1_000_000))
		if !again.Equal(first) {
			t.Fatalf("estimate changed between calls: %s vs %s", first, again)
		}
	}
}

func TestEstimate_RejectsBadInput(t *testing.T) {
	e, _ := NewEstimator(half())

	if _, err := e.Estimate(n(0), fixed.PriceScale, n(10)); !errors.Is(err, fixed.ErrNotPositive) {
		t.Errorf("expected ErrNotPositive, got %v", err)
	}
	if _, err := e.Estimate(decimal.RequireFromString("1.5"), fixed.PriceScale, n(10)); !errors.Is(err, fixed.ErrNotWholeUnits) {
		t.Errorf("expected ErrNotWholeUnits, got %v", err)
	}
	if _, err := e.Estimate(n(10), decimal.Zero, n(10)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestEstimate_TruncatesToZero(t *testing.T) {
	e, _ := NewEstimator(half())

	// 1 unit at 50% LTV is worth trunc(0.5) = 0 borrowed units.
	got, err := e.Estimate(n(1), fixed.PriceScale, n(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}
