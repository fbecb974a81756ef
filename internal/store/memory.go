package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/lending-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A transaction holds the write lock for its whole duration and stages its
// writes; they are applied only when the closure returns nil.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[int64]*model.DebtPosition
	events    []model.PositionEvent
	pool      *model.Pool
	nextID    int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[int64]*model.DebtPosition),
		nextID:    1,
	}
}

func (s *MemoryStore) EnsurePool(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		s.pool = &model.Pool{Owner: owner}
	}
	return nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:      s,
		staged: make(map[int64]*model.DebtPosition),
		nextID: s.nextID,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Commit.
	for id, p := range tx.staged {
		s.positions[id] = p
	}
	if tx.pool != nil {
		s.pool = tx.pool
	}
	s.events = append(s.events, tx.events...)
	s.nextID = tx.nextID
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id int64) (*model.DebtPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) ListPositions(_ context.Context, borrower string) ([]model.DebtPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(func(p *model.DebtPosition) bool { return p.Borrower == borrower }), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]model.DebtPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(func(p *model.DebtPosition) bool { return p.Status == model.StatusActive }), nil
}

// filter must be called with s.mu held.
func (s *MemoryStore) filter(keep func(p *model.DebtPosition) bool) []model.DebtPosition {
	var result []model.DebtPosition
	for _, p := range s.positions {
		if keep(p) {
			result = append(result, *clonePosition(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *MemoryStore) GetPool(_ context.Context) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pool == nil {
		return nil, ErrPoolNotInitialized
	}
	copy := *s.pool
	return &copy, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, positionID int64) ([]model.PositionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionEvent
	for _, e := range s.events {
		if e.PositionID == positionID {
			result = append(result, e)
		}
	}
	return result, nil
}

// memoryTx stages writes against a MemoryStore whose write lock is held.
type memoryTx struct {
	s      *MemoryStore
	staged map[int64]*model.DebtPosition
	pool   *model.Pool
	events []model.PositionEvent
	nextID int64
}

func (tx *memoryTx) Create(_ context.Context, p *model.DebtPosition) (int64, error) {
	id := tx.nextID
	tx.nextID++

	stored := clonePosition(p)
	stored.ID = id
	stored.Status = model.StatusActive
	stored.Version = 1
	tx.staged[id] = stored
	return id, nil
}

func (tx *memoryTx) lookup(id int64) (*model.DebtPosition, bool) {
	if p, ok := tx.staged[id]; ok {
		return p, true
	}
	p, ok := tx.s.positions[id]
	return p, ok
}

func (tx *memoryTx) Get(_ context.Context, id int64) (*model.DebtPosition, error) {
	p, ok := tx.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	return clonePosition(p), nil
}

func (tx *memoryTx) Mutate(_ context.Context, id int64, fn func(p *model.DebtPosition) error) (*model.DebtPosition, error) {
	current, ok := tx.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: position %d is %s", ErrNotActive, id, current.Status)
	}

	next := clonePosition(current)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = current.Version + 1
	tx.staged[id] = next
	return clonePosition(next), nil
}

func (tx *memoryTx) currentPool() (*model.Pool, error) {
	if tx.pool != nil {
		return tx.pool, nil
	}
	if tx.s.pool == nil {
		return nil, ErrPoolNotInitialized
	}
	return tx.s.pool, nil
}

func (tx *memoryTx) Pool(_ context.Context) (*model.Pool, error) {
	p, err := tx.currentPool()
	if err != nil {
		return nil, err
	}
	copy := *p
	return &copy, nil
}

func (tx *memoryTx) MutatePool(_ context.Context, fn func(p *model.Pool) error) (*model.Pool, error) {
	current, err := tx.currentPool()
	if err != nil {
		return nil, err
	}
	next := *current
	if err := fn(&next); err != nil {
		return nil, err
	}
	tx.pool = &next
	copy := next
	return &copy, nil
}

func (tx *memoryTx) InsertEvent(_ context.Context, e *model.PositionEvent) error {
	tx.events = append(tx.events, *e)
	return nil
}

func clonePosition(p *model.DebtPosition) *model.DebtPosition {
	copy := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		copy.ClosedAt = &t
	}
	return &copy
}
