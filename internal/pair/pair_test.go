package pair

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	p, err := Parse("LEND-BORROW")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Collateral != "LEND" {
		t.Errorf("expected collateral=LEND, got %s", p.Collateral)
	}
	if p.Borrowed != "BORROW" {
		t.Errorf("expected borrowed=BORROW, got %s", p.Borrowed)
	}
	if p.String() != "LEND-BORROW" {
		t.Errorf("expected id LEND-BORROW, got %s", p)
	}
}

func TestParse_TrimsWhitespace(t *testing.T) {
	p, err := Parse("  ETH-USDC ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "ETH-USDC" {
		t.Errorf("expected trimmed id, got %q", p.ID)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"LEND",
		"LEND-",
		"-BORROW",
		"lend-borrow",
		"LEND/BORROW",
		"LEND-BORROW-X",
		"1LEND-BORROW",
	}
	for _, id := range tests {
		if _, err := Parse(id); !errors.Is(err, ErrInvalidPair) {
			t.Errorf("expected ErrInvalidPair for %q, got %v", id, err)
		}
	}
}

func TestParse_SameAsset(t *testing.T) {
	if _, err := Parse("LEND-LEND"); !errors.Is(err, ErrSameAsset) {
		t.Errorf("expected ErrSameAsset, got %v", err)
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid pair")
		}
	}()
	MustParse("nope")
}
