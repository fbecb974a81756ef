package auction

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
)

func n(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Curve tests ---

func TestNewLinearCurve_Invalid(t *testing.T) {
	if _, err := NewLinearCurve(d("0.1"), 0); !errors.Is(err, ErrInvalidCurve) {
		t.Errorf("expected ErrInvalidCurve for zero ramp, got %v", err)
	}
	if _, err := NewLinearCurve(d("-0.1"), time.Hour); !errors.Is(err, ErrInvalidCurve) {
		t.Errorf("expected ErrInvalidCurve for negative bonus, got %v", err)
	}
}

func TestLinearCurve_ZeroAtExpiry(t *testing.T) {
	c, _ := NewLinearCurve(d("0.1"), 24*time.Hour)
	if !c.Bonus(0).IsZero() {
		t.Errorf("bonus at zero elapsed should be 0, got %s", c.Bonus(0))
	}
	if !c.Bonus(-time.Second).IsZero() {
		t.Error("bonus before expiry should be 0")
	}
}

func TestLinearCurve_StrictlyIncreasingUntilCap(t *testing.T) {
	c, _ := NewLinearCurve(d("0.1"), 24*time.Hour)

	prev := c.Bonus(0)
	for _, e := range []time.Duration{time.Second, time.Minute, time.Hour, 6 * time.Hour, 23 * time.Hour, 24 * time.Hour} {
		b := c.Bonus(e)
		if b.Decimal().Cmp(prev.Decimal()) <= 0 {
			t.Errorf("bonus should increase at %s: prev=%s got=%s", e, prev.Decimal(), b.Decimal())
		}
		prev = b
	}
}

func TestLinearCurve_HalfwayAndCap(t *testing.T) {
	c, _ := NewLinearCurve(d("0.1"), 24*time.Hour)

	if got := c.Bonus(12 * time.Hour).Decimal(); !got.Equal(d("0.05")) {
		t.Errorf("expected 0.05 halfway, got %s", got)
	}
	for _, e := range []time.Duration{24 * time.Hour, 48 * time.Hour, 365 * 24 * time.Hour} {
		if got := c.Bonus(e).Decimal(); !got.Equal(d("0.1")) {
			t.Errorf("expected cap 0.1 at %s, got %s", e, got)
		}
	}
	if !c.Max().Equal(d("0.1")) {
		t.Errorf("expected max 0.1, got %s", c.Max())
	}
}

func TestStepCurve_MovesInWholeSteps(t *testing.T) {
	c, err := NewStepCurve(d("0.12"), 12*time.Hour, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		elapsed time.Duration
		want    string
	}{
		{time.Second, "0"},
		{59 * time.Minute, "0"},
		{time.Hour, "0.01"},
		{90 * time.Minute, "0.01"},
		{6 * time.Hour, "0.06"},
		{12 * time.Hour, "0.12"},
		{100 * time.Hour, "0.12"},
	}
	for _, tt := range tests {
		if got := c.Bonus(tt.elapsed).Decimal(); !got.Equal(d(tt.want)) {
			t.Errorf("elapsed=%s: expected %s, got %s", tt.elapsed, tt.want, got)
		}
	}
}

func TestNewCurve(t *testing.T) {
	if c, err := NewCurve(CurveLinear, d("0.1"), time.Hour, 0); err != nil {
		t.Errorf("linear: %v", err)
	} else if _, ok := c.(*LinearCurve); !ok {
		t.Errorf("expected *LinearCurve, got %T", c)
	}
	if c, err := NewCurve(CurveStep, d("0.1"), time.Hour, time.Minute); err != nil {
		t.Errorf("step: %v", err)
	} else if _, ok := c.(*StepCurve); !ok {
		t.Errorf("expected *StepCurve, got %T", c)
	}
	if _, err := NewCurve("quadratic", d("0.1"), time.Hour, 0); !errors.Is(err, ErrInvalidCurve) {
		t.Errorf("expected ErrInvalidCurve for unknown kind, got %v", err)
	}
}

// --- Pricer tests ---

func newPricer(t *testing.T) *Pricer {
	t.Helper()
	c, err := NewLinearCurve(d("0.1"), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return NewPricer(c)
}

func TestPrice_NotOverdue(t *testing.T) {
	p := newPricer(t)
	for _, e := range []time.Duration{0, -time.Hour} {
		if _, err := p.Price(n(500_000), fixed.PriceScale, e, n(1_000_000)); !errors.Is(err, ErrNotOverdue) {
			t.Errorf("elapsed=%s: expected ErrNotOverdue, got %v", e, err)
		}
	}
}

func TestPrice_ParOneSecondAfterExpiry(t *testing.T) {
	p := newPricer(t)

	q, err := p.Price(n(500_000), fixed.PriceScale, time.Second, n(1_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Collateral.Equal(n(500_000)) {
		t.Errorf("expected par payout 500000, got %s", q.Collateral)
	}
	if q.Capped {
		t.Error("payout should not be capped")
	}
}

func TestPrice_BonusGrowsWithElapsed(t *testing.T) {
	p := newPricer(t)

	var prev decimal.Decimal
	for i, e := range []time.Duration{time.Hour, 6 * time.Hour, 12 * time.Hour, 24 * time.Hour} {
		q, err := p.Price(n(500_000), fixed.PriceScale, e, n(10_000_000))
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && q.Collateral.LessThanOrEqual(prev) {
			t.Errorf("payout should grow at %s: prev=%s got=%s", e, prev, q.Collateral)
		}
		prev = q.Collateral
	}
	if !prev.Equal(n(550_000)) {
		t.Errorf("expected 550000 at full ramp, got %s", prev)
	}

	after, _ := p.Price(n(500_000), fixed.PriceScale, 72*time.Hour, n(10_000_000))
	if !after.Collateral.Equal(prev) {
		t.Errorf("payout should hold at cap: %s vs %s", after.Collateral, prev)
	}
}

func TestPrice_ConvertsAtOraclePrice(t *testing.T) {
	p := newPricer(t)

	// Collateral worth 2 borrowed units: 1000 debt buys 500 collateral at par,
	// 550 at the full bonus.
	q, err := p.Price(n(1_000), n(200_000_000), 24*time.Hour, n(10_000))
	if err != nil {
		t.Fatal(err)
	}
	if !q.Collateral.Equal(n(550)) {
		t.Errorf("expected 550, got %s", q.Collateral)
	}
}

func TestPrice_CappedAtLockedCollateral(t *testing.T) {
	p := newPricer(t)

	q, err := p.Price(n(500_000), fixed.PriceScale, 24*time.Hour, n(520_000))
	if err != nil {
		t.Fatal(err)
	}
	if !q.Capped {
		t.Error("expected capped quote")
	}
	if !q.Collateral.Equal(n(520_000)) {
		t.Errorf("expected cap 520000, got %s", q.Collateral)
	}
	if !q.Uncapped.Equal(n(550_000)) {
		t.Errorf("expected uncapped 550000, got %s", q.Uncapped)
	}
}

func TestPrice_InvalidPrice(t *testing.T) {
	p := newPricer(t)
	if _, err := p.Price(n(1), decimal.Zero, time.Hour, n(1)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestPrice_Idempotent(t *testing.T) {
	p := newPricer(t)
	first, _ := p.Price(n(333_333), n(123_456_789), 7*time.Hour, n(10_000_000))
	for i := 0; i < 3; i++ {
		again, _ := p.Price(n(333_333), n(123_456_789), 7*time.Hour, n(10_000_000))
		if !again.Collateral.Equal(first.Collateral) {
			t.Fatalf("quote changed between calls: %s vs %s", first.Collateral, again.Collateral)
		}
	}
}
