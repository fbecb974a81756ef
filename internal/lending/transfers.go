package lending

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/metrics"
)

// leg is one completed asset movement. spender is set for allowance-based
// pulls so the consumed allowance can be restored.
type leg struct {
	ledger  asset.Ledger
	spender string
	from    string
	to      string
	amount  decimal.Decimal
}

// transfers records the legs of one engine call so they can be undone if the
// call fails after some of them have run.
type transfers struct {
	done []leg
}

// pull moves amount from an account into custody using custody's allowance.
func (t *transfers) pull(ctx context.Context, l asset.Ledger, custody, from string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := l.TransferFrom(ctx, custody, from, custody, amount); err != nil {
		return err
	}
	t.done = append(t.done, leg{ledger: l, spender: custody, from: from, to: custody, amount: amount})
	return nil
}

// send moves amount out of custody.
func (t *transfers) send(ctx context.Context, l asset.Ledger, custody, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := l.Transfer(ctx, custody, to, amount); err != nil {
		return err
	}
	t.done = append(t.done, leg{ledger: l, from: custody, to: to, amount: amount})
	return nil
}

// compensate reverses completed legs, newest first. It runs even if ctx has
// been cancelled.
func (t *transfers) compensate(ctx context.Context, op string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(t.done) - 1; i >= 0; i-- {
		l := t.done[i]
		if err := l.ledger.Transfer(ctx, l.to, l.from, l.amount); err != nil {
			slog.Error("compensation transfer failed",
				"op", op,
				"asset", l.ledger.Asset(),
				"from", l.to,
				"to", l.from,
				"amount", l.amount.String(),
				"err", err,
			)
			metrics.CompensationFailures.Inc()
			continue
		}
		if l.spender != "" {
			if err := l.ledger.IncreaseAllowance(ctx, l.from, l.spender, l.amount); err != nil {
				slog.Error("compensation allowance restore failed",
					"op", op,
					"asset", l.ledger.Asset(),
					"owner", l.from,
					"spender", l.spender,
					"amount", l.amount.String(),
					"err", err,
				)
				metrics.CompensationFailures.Inc()
			}
		}
	}
	t.done = nil
}
