package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

func n(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func newPosition(borrower string) *model.DebtPosition {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.DebtPosition{
		Borrower:           borrower,
		CollateralOriginal: n(1_000_000),
		CollateralLocked:   n(1_000_000),
		Principal:          n(500_000),
		TotalOwed:          n(500_500),
		AmountRepaid:       decimal.Zero,
		OriginatedAt:       now,
		Expiry:             now.Add(time.Hour),
	}
}

func create(t *testing.T, s *MemoryStore, borrower string) int64 {
	t.Helper()
	var id int64
	err := s.WithTx(context.Background(), func(tx Tx) error {
		var err error
		id, err = tx.Create(context.Background(), newPosition(borrower))
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestMemoryStore_IDsAreMonotonic(t *testing.T) {
	s := NewMemoryStore()
	first := create(t, s, "alice")
	second := create(t, s, "bob")
	if first != 1 || second != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first, second)
	}

	p, err := s.GetPosition(context.Background(), second)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.StatusActive || p.Version != 1 {
		t.Errorf("expected active v1, got %s v%d", p.Status, p.Version)
	}
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	if err := s.EnsurePool(context.Background(), "owner"); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), func(tx Tx) error {
		if _, err := tx.Create(context.Background(), newPosition("alice")); err != nil {
			return err
		}
		if _, err := tx.MutatePool(context.Background(), func(p *model.Pool) error {
			p.Available = n(42)
			return nil
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.GetPosition(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after rollback, got %v", err)
	}
	pool, _ := s.GetPool(context.Background())
	if !pool.Available.IsZero() {
		t.Errorf("pool change leaked: %s", pool.Available)
	}

	// IDs from a rolled-back transaction were never visible, so the counter does not advance.
	if id := create(t, s, "bob"); id != 1 {
		t.Errorf("expected id 1 after rollback, got %d", id)
	}
}

func TestMemoryStore_MutateTerminalRejected(t *testing.T) {
	s := NewMemoryStore()
	id := create(t, s, "alice")

	err := s.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.Mutate(context.Background(), id, func(p *model.DebtPosition) error {
			p.Status = model.StatusRepaid
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.Mutate(context.Background(), id, func(p *model.DebtPosition) error { return nil })
		return err
	})
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}

	p, _ := s.GetPosition(context.Background(), id)
	if p.Version != 2 {
		t.Errorf("expected version 2, got %d", p.Version)
	}
}

func TestMemoryStore_MutateUnknown(t *testing.T) {
	s := NewMemoryStore()
	err := s.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.Mutate(context.Background(), 99, func(p *model.DebtPosition) error { return nil })
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	id := create(t, s, "alice")

	p, _ := s.GetPosition(context.Background(), id)
	p.CollateralLocked = decimal.Zero

	again, _ := s.GetPosition(context.Background(), id)
	if !again.CollateralLocked.Equal(n(1_000_000)) {
		t.Errorf("external mutation leaked into store: %s", again.CollateralLocked)
	}
}

func TestMemoryStore_ListsAndEvents(t *testing.T) {
	s := NewMemoryStore()
	a1 := create(t, s, "alice")
	create(t, s, "bob")
	a2 := create(t, s, "alice")

	err := s.WithTx(context.Background(), func(tx Tx) error {
		if _, err := tx.Mutate(context.Background(), a1, func(p *model.DebtPosition) error {
			p.Status = model.StatusLiquidated
			return nil
		}); err != nil {
			return err
		}
		return tx.InsertEvent(context.Background(), &model.PositionEvent{
			ID: "e1", PositionID: a1, Kind: model.EventLiquidate, Status: model.StatusLiquidated,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	mine, _ := s.ListPositions(context.Background(), "alice")
	if len(mine) != 2 || mine[0].ID != a1 || mine[1].ID != a2 {
		t.Fatalf("unexpected alice positions: %+v", mine)
	}
	active, _ := s.ListActive(context.Background())
	if len(active) != 2 {
		t.Errorf("expected 2 active positions, got %d", len(active))
	}
	events, _ := s.ListEvents(context.Background(), a1)
	if len(events) != 1 || events[0].Kind != model.EventLiquidate {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestMemoryStore_PoolRequiresEnsure(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetPool(context.Background()); !errors.Is(err, ErrPoolNotInitialized) {
		t.Fatalf("expected ErrPoolNotInitialized, got %v", err)
	}
	_ = s.EnsurePool(context.Background(), "owner")
	_ = s.EnsurePool(context.Background(), "someone-else")
	p, err := s.GetPool(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.Owner != "owner" {
		t.Errorf("EnsurePool must not replace the owner, got %s", p.Owner)
	}
}

func TestMemoryStore_EventsKeepInsertionOrder(t *testing.T) {
	s := NewMemoryStore()
	id := create(t, s, "alice")
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// IDs sort opposite to insertion and timestamps tie.
	for _, evID := range []string{"zz", "mm", "aa"} {
		err := s.WithTx(context.Background(), func(tx Tx) error {
			return tx.InsertEvent(context.Background(), &model.PositionEvent{
				ID: evID, PositionID: id, Kind: model.EventRepay, Timestamp: at,
			})
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	events, _ := s.ListEvents(context.Background(), id)
	if len(events) != 3 || events[0].ID != "zz" || events[1].ID != "mm" || events[2].ID != "aa" {
		t.Errorf("expected insertion order zz, mm, aa, got %+v", events)
	}
}
