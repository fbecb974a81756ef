package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Migrate applies the embedded SQL files in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsurePool(ctx context.Context, owner string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lending_pool (id, owner) VALUES (1, $1)
		 ON CONFLICT (id) DO NOTHING`, owner)
	if err != nil {
		return fmt.Errorf("postgres: ensure pool: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id int64) (*model.DebtPosition, error) {
	return getPosition(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListPositions(ctx context.Context, borrower string) ([]model.DebtPosition, error) {
	return queryPositions(ctx, s.pool,
		`SELECT `+positionColumns+` FROM positions WHERE borrower = $1 ORDER BY id`, borrower)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]model.DebtPosition, error) {
	return queryPositions(ctx, s.pool,
		`SELECT `+positionColumns+` FROM positions WHERE status = $1 ORDER BY id`, model.StatusActive)
}

func (s *PostgresStore) GetPool(ctx context.Context) (*model.Pool, error) {
	return getPool(ctx, s.pool, false)
}

// listEventsSQL returns a position's history in insertion order.
const listEventsSQL = `
	SELECT id, position_id, kind, actor,
	       debt_amount::TEXT, collateral_amount::TEXT, collateral_refund::TEXT,
	       shortfall::TEXT, bonus::TEXT, status, occurred_at
	FROM position_events WHERE position_id = $1 ORDER BY seq`

func (s *PostgresStore) ListEvents(ctx context.Context, positionID int64) ([]model.PositionEvent, error) {
	rows, err := s.pool.Query(ctx, listEventsSQL, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events %d: %w", positionID, err)
	}
	defer rows.Close()

	var events []model.PositionEvent
	for rows.Next() {
		var e model.PositionEvent
		var debt, coll, refund, shortfall, bonus string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Kind, &e.Actor,
			&debt, &coll, &refund, &shortfall, &bonus, &e.Status, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			field{debt, &e.DebtAmount}, field{coll, &e.CollateralAmount},
			field{refund, &e.CollateralRefund}, field{shortfall, &e.Shortfall},
			field{bonus, &e.Bonus},
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// pgTx implements Tx on an open pgx transaction. Reads inside the
// transaction lock the rows they return.
type pgTx struct {
	q querier
}

func (t *pgTx) Create(ctx context.Context, p *model.DebtPosition) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO positions (borrower, collateral_original, collateral_locked, principal,
		                        total_owed, amount_repaid, originated_at, expiry, status, version)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, 1)
		 RETURNING id`,
		p.Borrower,
		p.CollateralOriginal.String(), p.CollateralLocked.String(), p.Principal.String(),
		p.TotalOwed.String(), p.AmountRepaid.String(),
		p.OriginatedAt, p.Expiry, model.StatusActive,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create position: %w", err)
	}
	return id, nil
}

func (t *pgTx) Get(ctx context.Context, id int64) (*model.DebtPosition, error) {
	return getPosition(ctx, t.q, id, true)
}

func (t *pgTx) Mutate(ctx context.Context, id int64, fn func(p *model.DebtPosition) error) (*model.DebtPosition, error) {
	p, err := getPosition(ctx, t.q, id, true)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("%w: position %d is %s", ErrNotActive, id, p.Status)
	}

	prev := p.Version
	if err := fn(p); err != nil {
		return nil, err
	}
	p.ID = id
	p.Version = prev + 1

	tag, err := t.q.Exec(ctx,
		`UPDATE positions
		 SET collateral_locked = $2::NUMERIC, amount_repaid = $3::NUMERIC,
		     status = $4, closed_at = $5, version = $6
		 WHERE id = $1 AND version = $7`,
		id, p.CollateralLocked.String(), p.AmountRepaid.String(),
		p.Status, p.ClosedAt, p.Version, prev,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: update position %d: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return nil, fmt.Errorf("postgres: update position %d: version %d is stale", id, prev)
	}
	return p, nil
}

func (t *pgTx) Pool(ctx context.Context) (*model.Pool, error) {
	return getPool(ctx, t.q, true)
}

func (t *pgTx) MutatePool(ctx context.Context, fn func(p *model.Pool) error) (*model.Pool, error) {
	p, err := getPool(ctx, t.q, true)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}

	_, err = t.q.Exec(ctx,
		`UPDATE lending_pool
		 SET available = $1::NUMERIC, total_deposited = $2::NUMERIC, total_withdrawn = $3::NUMERIC,
		     total_lent = $4::NUMERIC, total_returned = $5::NUMERIC, bad_debt = $6::NUMERIC
		 WHERE id = 1`,
		p.Available.String(), p.TotalDeposited.String(), p.TotalWithdrawn.String(),
		p.TotalLent.String(), p.TotalReturned.String(), p.BadDebt.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: update pool: %w", err)
	}
	return p, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e *model.PositionEvent) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO position_events (id, position_id, kind, actor, debt_amount, collateral_amount,
		                              collateral_refund, shortfall, bonus, status, occurred_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		e.ID, e.PositionID, e.Kind, e.Actor,
		e.DebtAmount.String(), e.CollateralAmount.String(), e.CollateralRefund.String(),
		e.Shortfall.String(), e.Bonus.String(),
		e.Status, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert event %s: %w", e.ID, err)
	}
	return nil
}

// --- Row helpers ---

const positionColumns = `id, borrower,
	collateral_original::TEXT, collateral_locked::TEXT, principal::TEXT,
	total_owed::TEXT, amount_repaid::TEXT,
	originated_at, expiry, status, closed_at, version`

func getPosition(ctx context.Context, q querier, id int64, lock bool) (*model.DebtPosition, error) {
	sql := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	p, err := scanPosition(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

func queryPositions(ctx context.Context, q querier, sql string, args ...any) ([]model.DebtPosition, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.DebtPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*model.DebtPosition, error) {
	var p model.DebtPosition
	var collOrig, collLocked, principal, owed, repaid string
	if err := row.Scan(&p.ID, &p.Borrower,
		&collOrig, &collLocked, &principal, &owed, &repaid,
		&p.OriginatedAt, &p.Expiry, &p.Status, &p.ClosedAt, &p.Version); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		field{collOrig, &p.CollateralOriginal}, field{collLocked, &p.CollateralLocked},
		field{principal, &p.Principal}, field{owed, &p.TotalOwed}, field{repaid, &p.AmountRepaid},
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func getPool(ctx context.Context, q querier, lock bool) (*model.Pool, error) {
	sql := `SELECT owner, available::TEXT, total_deposited::TEXT, total_withdrawn::TEXT,
	               total_lent::TEXT, total_returned::TEXT, bad_debt::TEXT
	        FROM lending_pool WHERE id = 1`
	if lock {
		sql += ` FOR UPDATE`
	}

	var p model.Pool
	var avail, dep, wd, lent, ret, bad string
	err := q.QueryRow(ctx, sql).Scan(&p.Owner, &avail, &dep, &wd, &lent, &ret, &bad)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotInitialized
		}
		return nil, fmt.Errorf("postgres: get pool: %w", err)
	}
	if err := parseDecimals(
		field{avail, &p.Available}, field{dep, &p.TotalDeposited}, field{wd, &p.TotalWithdrawn},
		field{lent, &p.TotalLent}, field{ret, &p.TotalReturned}, field{bad, &p.BadDebt},
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// field pairs a NUMERIC column read back as text with its destination.
type field struct {
	text string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...field) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.text)
		if err != nil {
			return fmt.Errorf("postgres: parse numeric %q: %w", f.text, err)
		}
		*f.dst = v
	}
	return nil
}
