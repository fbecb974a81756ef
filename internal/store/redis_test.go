package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/atmx/lending-engine/internal/model"
)

// mapCache applies the same version rule as the Redis fill script.
type mapCache struct {
	mu      sync.Mutex
	entries map[int64]model.DebtPosition
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[int64]model.DebtPosition)}
}

func (c *mapCache) get(_ context.Context, id int64) (*model.DebtPosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return &p, true
}

func (c *mapCache) put(_ context.Context, p *model.DebtPosition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[p.ID]; ok && cur.Version >= p.Version {
		return nil
	}
	c.entries[p.ID] = *p
	return nil
}

func (c *mapCache) drop(_ context.Context, ids ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
	return nil
}

// slowReader runs afterRead between reading a position and returning it,
// the window in which a concurrent commit can land.
type slowReader struct {
	*MemoryStore
	afterRead func()
}

func (s *slowReader) GetPosition(ctx context.Context, id int64) (*model.DebtPosition, error) {
	p, err := s.MemoryStore.GetPosition(ctx, id)
	if hook := s.afterRead; hook != nil {
		s.afterRead = nil
		hook()
	}
	return p, err
}

func lockCollateral(t *testing.T, s Store, id int64, locked int64) {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.Mutate(ctx, id, func(p *model.DebtPosition) error {
			p.CollateralLocked = n(locked)
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCachedStore_StaleFillDoesNotOverwriteCommit(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	id := create(t, mem, "alice")

	primary := &slowReader{MemoryStore: mem}
	cache := newMapCache()
	s := newCachedStore(primary, cache)

	primary.afterRead = func() { lockCollateral(t, s, id, 600_000) }

	// The racing read itself returns the row it saw.
	first, err := s.GetPosition(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if first.Version != 1 {
		t.Fatalf("expected the pre-commit snapshot, got version %d", first.Version)
	}

	// Its late fill must not replace the committed snapshot.
	again, err := s.GetPosition(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if again.Version != 2 || !again.CollateralLocked.Equal(n(600_000)) {
		t.Errorf("expected committed version 2 with 600000 locked, got version %d with %s",
			again.Version, again.CollateralLocked)
	}
}

func TestCachedStore_CommitRefreshesCache(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	id := create(t, mem, "alice")
	cache := newMapCache()
	s := newCachedStore(mem, cache)

	if _, err := s.GetPosition(ctx, id); err != nil {
		t.Fatal(err)
	}
	lockCollateral(t, s, id, 400_000)

	cached, ok := cache.get(ctx, id)
	if !ok || cached.Version != 2 || !cached.CollateralLocked.Equal(n(400_000)) {
		t.Fatalf("cache not refreshed after commit: %+v", cached)
	}
}

func TestCachedStore_RollbackLeavesCache(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	id := create(t, mem, "alice")
	cache := newMapCache()
	s := newCachedStore(mem, cache)

	if _, err := s.GetPosition(ctx, id); err != nil {
		t.Fatal(err)
	}
	errAbort := errors.New("abort")
	err := s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.Mutate(ctx, id, func(p *model.DebtPosition) error {
			p.CollateralLocked = n(1)
			return nil
		}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected errAbort, got %v", err)
	}

	cached, ok := cache.get(ctx, id)
	if !ok || cached.Version != 1 || !cached.CollateralLocked.Equal(n(1_000_000)) {
		t.Errorf("rolled-back write reached the cache: %+v", cached)
	}
}

func TestPositionKey(t *testing.T) {
	if got := positionKey(7); got != "position:7" {
		t.Errorf("unexpected key %q", got)
	}
}
