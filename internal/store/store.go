// Package store defines the persistence interface for the lending engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every state change goes through WithTx: the closure's writes commit
// together or not at all. Records handed out are copies; callers never hold
// a reference into stored state.
package store

import (
	"context"
	"errors"

	"github.com/atmx/lending-engine/internal/model"
)

var (
	// ErrNotFound is returned when a position does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNotActive is returned when a mutation targets a Repaid or
	// Liquidated position.
	ErrNotActive = errors.New("store: position is not active")

	// ErrPoolNotInitialized is returned when the pool row has not been
	// created with EnsurePool.
	ErrPoolNotInitialized = errors.New("store: pool not initialized")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// WithTx runs fn in a transaction. If fn returns an error, or the commit
	// fails, none of fn's writes are kept.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// EnsurePool creates the pool record for owner if it does not exist yet.
	EnsurePool(ctx context.Context, owner string) error

	// --- Committed-state reads ---

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id int64) (*model.DebtPosition, error)

	// ListPositions returns all positions opened by borrower, oldest first.
	ListPositions(ctx context.Context, borrower string) ([]model.DebtPosition, error)

	// ListActive returns all Active positions, oldest first.
	ListActive(ctx context.Context) ([]model.DebtPosition, error)

	// GetPool returns the pool record.
	GetPool(ctx context.Context) (*model.Pool, error)

	// ListEvents returns the immutable history of a position, oldest first.
	ListEvents(ctx context.Context, positionID int64) ([]model.PositionEvent, error)
}

// Tx is the transactional view handed to WithTx closures.
type Tx interface {
	// Create inserts p as a new Active position and returns its freshly
	// assigned ID. IDs increase monotonically and are never reused.
	Create(ctx context.Context, p *model.DebtPosition) (int64, error)

	// Get returns a copy of the position, including writes staged in this
	// transaction.
	Get(ctx context.Context, id int64) (*model.DebtPosition, error)

	// Mutate applies fn to a copy of the position and stages the result.
	// It fails with ErrNotActive if the stored position is already terminal;
	// financial validation is the caller's job.
	Mutate(ctx context.Context, id int64, fn func(p *model.DebtPosition) error) (*model.DebtPosition, error)

	// Pool returns a copy of the pool record.
	Pool(ctx context.Context) (*model.Pool, error)

	// MutatePool applies fn to a copy of the pool and stages the result.
	MutatePool(ctx context.Context, fn func(p *model.Pool) error) (*model.Pool, error)

	// InsertEvent appends an immutable position event.
	InsertEvent(ctx context.Context, e *model.PositionEvent) error
}
