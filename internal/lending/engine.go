// Package lending implements the debt-position engine: borrowing against
// collateral, repaying with proportional collateral release, and auctioning
// overdue positions to liquidators. It also serves the engine over HTTP and
// streams committed events to WebSocket clients.
//
// All monetary values use shopspring/decimal holding whole units, never
// float64 for money.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/auction"
	"github.com/atmx/lending-engine/internal/credit"
	"github.com/atmx/lending-engine/internal/fixed"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
)

// Config holds the risk parameters fixed at construction.
type Config struct {
	PairID    string          // oracle pair, COLLATERAL-BORROWED
	Custody   string          // account holding collateral and pool liquidity on both ledgers
	PoolOwner string          // the only account allowed to deposit and withdraw
	LTV       decimal.Decimal // loan-to-value ratio in (0, 1]
	FeeRate   decimal.Decimal // flat origination fee, e.g. 0.001
	LoanTerm  time.Duration
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.PairID == "":
		return errors.New("lending: pair id is required")
	case c.Custody == "":
		return errors.New("lending: custody account is required")
	case c.PoolOwner == "":
		return errors.New("lending: pool owner is required")
	case c.Custody == c.PoolOwner:
		return errors.New("lending: custody account must differ from the pool owner")
	case c.FeeRate.IsNegative():
		return fmt.Errorf("lending: negative fee rate %s", c.FeeRate)
	case c.LoanTerm <= 0:
		return fmt.Errorf("lending: loan term must be positive, got %s", c.LoanTerm)
	}
	return nil
}

// Clock supplies the current time. It is read exactly once per operation.
type Clock func() time.Time

// Deps are the engine's collaborators.
type Deps struct {
	Store      store.Store
	Oracle     oracle.PriceOracle
	Collateral asset.Ledger
	Borrowed   asset.Ledger
	Pricer     *auction.Pricer
	Clock      Clock  // nil means time.Now
	Hub        *WSHub // optional; nil disables broadcasting
}

// Engine orchestrates credit estimation, position storage and liquidation
// pricing. State-changing calls are serialized by a mutex (single-instance);
// every call commits completely or leaves no trace.
type Engine struct {
	cfg        Config
	store      store.Store
	oracle     oracle.PriceOracle
	collateral asset.Ledger
	borrowed   asset.Ledger
	estimator  *credit.Estimator
	pricer     *auction.Pricer
	fee        fixed.Ratio
	now        Clock
	hub        *WSHub

	mu sync.Mutex
}

// NewEngine validates cfg and wires the engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Oracle == nil || deps.Collateral == nil || deps.Borrowed == nil || deps.Pricer == nil {
		return nil, errors.New("lending: store, oracle, ledgers and pricer are required")
	}
	estimator, err := credit.NewEstimator(cfg.LTV)
	if err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:        cfg,
		store:      deps.Store,
		oracle:     deps.Oracle,
		collateral: deps.Collateral,
		borrowed:   deps.Borrowed,
		estimator:  estimator,
		pricer:     deps.Pricer,
		fee:        fixed.RatioOf(cfg.FeeRate),
		now:        clock,
		hub:        deps.Hub,
	}, nil
}

// Init creates the pool record if needed and primes the gauges.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.store.EnsurePool(ctx, e.cfg.PoolOwner); err != nil {
		return fmt.Errorf("lending: ensure pool: %w", err)
	}
	pool, err := e.store.GetPool(ctx)
	if err != nil {
		return fmt.Errorf("lending: load pool: %w", err)
	}
	if pool.Owner != e.cfg.PoolOwner {
		return fmt.Errorf("lending: pool is owned by %q, configured owner is %q", pool.Owner, e.cfg.PoolOwner)
	}
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("lending: list active positions: %w", err)
	}
	metrics.PoolAvailable.Set(pool.Available.InexactFloat64())
	metrics.ActivePositions.Set(float64(len(active)))
	return nil
}

// Config returns the engine's risk parameters.
func (e *Engine) Config() Config { return e.cfg }

// Receipt is the result of a committed state change.
type Receipt struct {
	Position *model.DebtPosition `json:"position"`
	Event    *model.PositionEvent `json:"event"`
}

// --- Queries ---

// EstimateCredit returns the amount a borrow of collateral would raise now.
// It has no side effects.
func (e *Engine) EstimateCredit(ctx context.Context, collateral decimal.Decimal) (decimal.Decimal, error) {
	if err := validAmount(collateral); err != nil {
		return decimal.Zero, err
	}
	price, err := e.price(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	pool, err := e.store.GetPool(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return e.estimator.Estimate(collateral, price, pool.Available)
}

// LiquidationEstimate is the priced outcome of liquidating a position now.
type LiquidationEstimate struct {
	PositionID     int64           `json:"position_id"`
	Repay          decimal.Decimal `json:"repay"` // after the outstanding-debt cap
	Collateral     decimal.Decimal `json:"collateral"`
	Bonus          decimal.Decimal `json:"bonus"`
	Capped         bool            `json:"capped"`
	ElapsedSeconds int64           `json:"elapsed_seconds"`
}

// EstimateLiquidation prices a liquidation of repay units against position id
// at the current time. It has no side effects.
func (e *Engine) EstimateLiquidation(ctx context.Context, id int64, repay decimal.Decimal) (*LiquidationEstimate, error) {
	if err := validAmount(repay); err != nil {
		return nil, err
	}
	now := e.now().UTC()

	pos, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status.Terminal() {
		return nil, fmt.Errorf("%w: position %d is %s", ErrNotActive, id, pos.Status)
	}
	if !pos.Overdue(now) {
		return nil, fmt.Errorf("%w: position %d expires %s", ErrNotOverdue, id, pos.Expiry.Format(time.RFC3339))
	}
	price, err := e.price(ctx)
	if err != nil {
		return nil, err
	}

	effective := decimal.Min(repay, pos.Outstanding())
	q, err := e.pricer.Price(effective, price, now.Sub(pos.Expiry), pos.CollateralLocked)
	if err != nil {
		return nil, err
	}
	return &LiquidationEstimate{
		PositionID:     id,
		Repay:          effective,
		Collateral:     q.Collateral,
		Bonus:          q.Bonus.Decimal(),
		Capped:         q.Capped,
		ElapsedSeconds: int64(q.Elapsed / time.Second),
	}, nil
}

// GetPosition returns a copy of a position.
func (e *Engine) GetPosition(ctx context.Context, id int64) (*model.DebtPosition, error) {
	return e.store.GetPosition(ctx, id)
}

// ListPositions returns every position opened by borrower.
func (e *Engine) ListPositions(ctx context.Context, borrower string) ([]model.DebtPosition, error) {
	return e.store.ListPositions(ctx, borrower)
}

// ListLiquidatable returns Active positions that are past expiry now.
func (e *Engine) ListLiquidatable(ctx context.Context) ([]model.DebtPosition, error) {
	now := e.now().UTC()
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var overdue []model.DebtPosition
	for _, p := range active {
		if p.Overdue(now) {
			overdue = append(overdue, p)
		}
	}
	return overdue, nil
}

// Pool returns the pool record.
func (e *Engine) Pool(ctx context.Context) (*model.Pool, error) {
	return e.store.GetPool(ctx)
}

// Events returns the history of a position, oldest first.
func (e *Engine) Events(ctx context.Context, id int64) ([]model.PositionEvent, error) {
	if _, err := e.store.GetPosition(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, id)
}

// --- State changes ---

// Borrow locks collateral from borrower and lends the credit it raises.
// The borrower must have approved the custody account for collateral.
func (e *Engine) Borrow(ctx context.Context, borrower string, collateral decimal.Decimal) (_ *Receipt, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("borrow", start, err) }()

	if err := e.checkActor(borrower); err != nil {
		return nil, err
	}
	if err := validAmount(collateral); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	price, err := e.price(ctx)
	if err != nil {
		return nil, err
	}

	var (
		pos  *model.DebtPosition
		ev   *model.PositionEvent
		pool *model.Pool
		legs transfers
	)
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.Pool(ctx)
		if err != nil {
			return err
		}
		principal, err := e.estimator.Estimate(collateral, price, current.Available)
		if err != nil {
			return err
		}
		if principal.IsZero() {
			return fmt.Errorf("%w: %w", ErrInvalidAmount, credit.ErrZeroCredit)
		}

		if err := legs.pull(ctx, e.collateral, e.cfg.Custody, borrower, collateral); err != nil {
			return fmt.Errorf("lock collateral: %w", err)
		}

		pos = &model.DebtPosition{
			Borrower:           borrower,
			CollateralOriginal: collateral,
			CollateralLocked:   collateral,
			Principal:          principal,
			TotalOwed:          e.fee.OnePlus().Apply(principal),
			AmountRepaid:       decimal.Zero,
			OriginatedAt:       now,
			Expiry:             now.Add(e.cfg.LoanTerm),
		}
		id, err := tx.Create(ctx, pos)
		if err != nil {
			return err
		}
		pos.ID = id
		pos.Status = model.StatusActive
		pos.Version = 1

		pool, err = tx.MutatePool(ctx, func(p *model.Pool) error {
			p.Available = p.Available.Sub(principal)
			p.TotalLent = p.TotalLent.Add(principal)
			return nil
		})
		if err != nil {
			return err
		}

		if err := legs.send(ctx, e.borrowed, e.cfg.Custody, borrower, principal); err != nil {
			return fmt.Errorf("disburse principal: %w", err)
		}

		ev = newEvent(pos, model.EventBorrow, borrower, now)
		ev.DebtAmount = principal
		ev.CollateralAmount = collateral
		return tx.InsertEvent(ctx, ev)
	})
	if err != nil {
		legs.compensate(ctx, "borrow")
		return nil, err
	}

	metrics.ActivePositions.Inc()
	metrics.PoolAvailable.Set(pool.Available.InexactFloat64())
	metrics.VolumeTotal.WithLabelValues("borrow", "collateral").Add(collateral.InexactFloat64())
	metrics.VolumeTotal.WithLabelValues("borrow", "borrowed").Add(pos.Principal.InexactFloat64())

	slog.Info("position borrowed",
		"id", pos.ID,
		"borrower", borrower,
		"collateral", collateral.String(),
		"principal", pos.Principal.String(),
		"total_owed", pos.TotalOwed.String(),
		"price", price.String(),
		"expiry", pos.Expiry,
	)
	e.broadcast(pos, ev)
	return &Receipt{Position: pos, Event: ev}, nil
}

// Repay applies amount of borrowed asset from the borrower to position id
// and releases collateral in proportion to the debt repaid.
func (e *Engine) Repay(ctx context.Context, caller string, id int64, amount decimal.Decimal) (_ *Receipt, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("repay", start, err) }()

	if err := e.checkActor(caller); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()

	var (
		pos     *model.DebtPosition
		ev      *model.PositionEvent
		pool    *model.Pool
		release decimal.Decimal
		legs    transfers
	)
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return fmt.Errorf("%w: position %d is %s", ErrNotActive, id, current.Status)
		}
		if current.Borrower != caller {
			return fmt.Errorf("%w: %s does not own position %d", ErrUnauthorized, caller, id)
		}
		if outstanding := current.Outstanding(); amount.GreaterThan(outstanding) {
			return fmt.Errorf("%w: repaying %s, outstanding %s", ErrRepaymentExceedsDebt, amount, outstanding)
		}
		release = collateralRelease(current, amount)

		if err := legs.pull(ctx, e.borrowed, e.cfg.Custody, caller, amount); err != nil {
			return fmt.Errorf("collect repayment: %w", err)
		}

		pos, err = tx.Mutate(ctx, id, func(p *model.DebtPosition) error {
			p.AmountRepaid = p.AmountRepaid.Add(amount)
			p.CollateralLocked = p.CollateralLocked.Sub(release)
			if p.AmountRepaid.Equal(p.TotalOwed) {
				p.Status = model.StatusRepaid
				p.ClosedAt = &now
			}
			return nil
		})
		if err != nil {
			return err
		}

		pool, err = tx.MutatePool(ctx, func(p *model.Pool) error {
			p.Available = p.Available.Add(amount)
			p.TotalReturned = p.TotalReturned.Add(amount)
			return nil
		})
		if err != nil {
			return err
		}

		if err := legs.send(ctx, e.collateral, e.cfg.Custody, pos.Borrower, release); err != nil {
			return fmt.Errorf("release collateral: %w", err)
		}

		ev = newEvent(pos, model.EventRepay, caller, now)
		ev.DebtAmount = amount
		ev.CollateralAmount = release
		return tx.InsertEvent(ctx, ev)
	})
	if err != nil {
		legs.compensate(ctx, "repay")
		return nil, err
	}

	if pos.Status.Terminal() {
		metrics.ActivePositions.Dec()
	}
	metrics.PoolAvailable.Set(pool.Available.InexactFloat64())
	metrics.VolumeTotal.WithLabelValues("repay", "borrowed").Add(amount.InexactFloat64())
	metrics.VolumeTotal.WithLabelValues("repay", "collateral").Add(release.InexactFloat64())

	slog.Info("position repaid",
		"id", id,
		"borrower", caller,
		"amount", amount.String(),
		"released", release.String(),
		"outstanding", pos.Outstanding().String(),
		"status", pos.Status,
	)
	e.broadcast(pos, ev)
	return &Receipt{Position: pos, Event: ev}, nil
}

// Liquidate repays up to repay units of an overdue position's debt on
// behalf of liquidator, who receives collateral at auction pricing.
// Anyone may liquidate; only the outstanding debt is collected.
func (e *Engine) Liquidate(ctx context.Context, liquidator string, id int64, repay decimal.Decimal) (_ *Receipt, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("liquidate", start, err) }()

	if err := e.checkActor(liquidator); err != nil {
		return nil, err
	}
	if err := validAmount(repay); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	price, err := e.price(ctx)
	if err != nil {
		return nil, err
	}

	var (
		pos   *model.DebtPosition
		ev    *model.PositionEvent
		pool  *model.Pool
		quote auction.Quote
		legs  transfers
	)
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return fmt.Errorf("%w: position %d is %s", ErrNotActive, id, current.Status)
		}
		if !current.Overdue(now) {
			return fmt.Errorf("%w: position %d expires %s", ErrNotOverdue, id, current.Expiry.Format(time.RFC3339))
		}

		effective := decimal.Min(repay, current.Outstanding())
		quote, err = e.pricer.Price(effective, price, now.Sub(current.Expiry), current.CollateralLocked)
		if err != nil {
			return err
		}
		s := settleLiquidation(current, effective, quote.Collateral)
		if s.seized.IsZero() && !s.closes() {
			return fmt.Errorf("%w: repaying %s seizes no collateral", ErrInvalidAmount, effective)
		}

		if err := legs.pull(ctx, e.borrowed, e.cfg.Custody, liquidator, effective); err != nil {
			return fmt.Errorf("collect liquidation repayment: %w", err)
		}

		pos, err = tx.Mutate(ctx, id, func(p *model.DebtPosition) error {
			p.AmountRepaid = p.AmountRepaid.Add(effective)
			p.CollateralLocked = s.locked
			if s.closes() {
				p.Status = model.StatusLiquidated
				p.ClosedAt = &now
			}
			return nil
		})
		if err != nil {
			return err
		}

		pool, err = tx.MutatePool(ctx, func(p *model.Pool) error {
			p.Available = p.Available.Add(effective)
			p.TotalReturned = p.TotalReturned.Add(effective)
			p.BadDebt = p.BadDebt.Add(s.shortfall)
			return nil
		})
		if err != nil {
			return err
		}

		if err := legs.send(ctx, e.collateral, e.cfg.Custody, liquidator, s.seized); err != nil {
			return fmt.Errorf("pay liquidator: %w", err)
		}
		if err := legs.send(ctx, e.collateral, e.cfg.Custody, pos.Borrower, s.refund); err != nil {
			return fmt.Errorf("refund borrower: %w", err)
		}

		ev = newEvent(pos, model.EventLiquidate, liquidator, now)
		ev.DebtAmount = effective
		ev.CollateralAmount = s.seized
		ev.CollateralRefund = s.refund
		ev.Shortfall = s.shortfall
		ev.Bonus = quote.Bonus.Decimal()
		return tx.InsertEvent(ctx, ev)
	})
	if err != nil {
		legs.compensate(ctx, "liquidate")
		return nil, err
	}

	if pos.Status.Terminal() {
		metrics.ActivePositions.Dec()
	}
	metrics.PoolAvailable.Set(pool.Available.InexactFloat64())
	metrics.LiquidationBonus.Observe(ev.Bonus.InexactFloat64())
	metrics.VolumeTotal.WithLabelValues("liquidate", "borrowed").Add(ev.DebtAmount.InexactFloat64())
	metrics.VolumeTotal.WithLabelValues("liquidate", "collateral").Add(ev.CollateralAmount.InexactFloat64())
	if ev.Shortfall.IsPositive() {
		metrics.ShortfallTotal.Add(ev.Shortfall.InexactFloat64())
	}

	slog.Info("position liquidated",
		"id", id,
		"liquidator", liquidator,
		"repaid", ev.DebtAmount.String(),
		"seized", ev.CollateralAmount.String(),
		"refund", ev.CollateralRefund.String(),
		"shortfall", ev.Shortfall.String(),
		"bonus", ev.Bonus.String(),
		"elapsed", quote.Elapsed,
		"status", pos.Status,
	)
	e.broadcast(pos, ev)
	return &Receipt{Position: pos, Event: ev}, nil
}

// Deposit adds amount of borrowed asset from the pool owner to the pool.
func (e *Engine) Deposit(ctx context.Context, caller string, amount decimal.Decimal) (_ *model.Pool, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("deposit", start, err) }()

	if err := e.authorizePool(caller, amount); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		pool *model.Pool
		legs transfers
	)
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := legs.pull(ctx, e.borrowed, e.cfg.Custody, caller, amount); err != nil {
			return fmt.Errorf("collect deposit: %w", err)
		}
		var err error
		pool, err = tx.MutatePool(ctx, func(p *model.Pool) error {
			p.Available = p.Available.Add(amount)
			p.TotalDeposited = p.TotalDeposited.Add(amount)
			return nil
		})
		return err
	})
	if err != nil {
		legs.compensate(ctx, "deposit")
		return nil, err
	}

	metrics.PoolAvailable.Set(pool.Available.InexactFloat64())
	slog.Info("pool deposit", "owner", caller, "amount", amount.String(), "available", pool.Available.String())
	return pool, nil
}

// Withdraw returns amount of undeployed liquidity to the pool owner.
func (e *Engine) Withdraw(ctx context.Context, caller string, amount decimal.Decimal) (_ *model.Pool, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("withdraw", start, err) }()

	if err := e.authorizePool(caller, amount); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		pool *model.Pool
		legs transfers
	)
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		pool, err = tx.MutatePool(ctx, func(p *model.Pool) error {
			if amount.GreaterThan(p.Available) {
				return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientAvailableLiquidity, amount, p.Available)
			}
			p.Available = p.Available.Sub(amount)
			p.TotalWithdrawn = p.TotalWithdrawn.Add(amount)
			return nil
		})
		if err != nil {
			return err
		}
		if err := legs.send(ctx, e.borrowed, e.cfg.Custody, caller, amount); err != nil {
			return fmt.Errorf("pay withdrawal: %w", err)
		}
		return nil
	})
	if err != nil {
		legs.compensate(ctx, "withdraw")
		return nil, err
	}

	metrics.PoolAvailable.Set(pool.Available.InexactFloat64())
	slog.Info("pool withdrawal", "owner", caller, "amount", amount.String(), "available", pool.Available.String())
	return pool, nil
}

// --- Helpers ---

// checkActor rejects an empty account and the engine's own custody account,
// which must never appear as a counterparty of its own positions.
func (e *Engine) checkActor(account string) error {
	if account == "" {
		return ErrInvalidAccount
	}
	if account == e.cfg.Custody {
		return fmt.Errorf("%w: custody account %s cannot act on positions", ErrUnauthorized, account)
	}
	return nil
}

func (e *Engine) authorizePool(caller string, amount decimal.Decimal) error {
	if caller == "" {
		return ErrInvalidAccount
	}
	if caller != e.cfg.PoolOwner {
		return fmt.Errorf("%w: %s is not the pool owner", ErrUnauthorized, caller)
	}
	return validAmount(amount)
}

// price reads the oracle once for the configured pair.
func (e *Engine) price(ctx context.Context) (decimal.Decimal, error) {
	p, err := e.oracle.GetPrice(ctx, e.cfg.PairID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", e.cfg.PairID, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s for %s", ErrPriceUnavailable, p, e.cfg.PairID)
	}
	return p, nil
}

func (e *Engine) broadcast(pos *model.DebtPosition, ev *model.PositionEvent) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(newWSMessage(pos, ev))
}

func validAmount(q decimal.Decimal) error {
	if err := fixed.ValidateQuantity(q); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	return nil
}

func newEvent(pos *model.DebtPosition, kind model.EventKind, actor string, now time.Time) *model.PositionEvent {
	return &model.PositionEvent{
		ID:               uuid.New().String(),
		PositionID:       pos.ID,
		Kind:             kind,
		Actor:            actor,
		DebtAmount:       decimal.Zero,
		CollateralAmount: decimal.Zero,
		CollateralRefund: decimal.Zero,
		Shortfall:        decimal.Zero,
		Bonus:            decimal.Zero,
		Status:           pos.Status,
		Timestamp:        now,
	}
}
