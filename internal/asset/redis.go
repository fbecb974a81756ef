package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixed"
)

// maxTxRetries bounds optimistic retries when a watched key changes under us.
const maxTxRetries = 16

// RedisLedger implements Ledger on two Redis hashes per asset:
//
//	ledger:{asset}:balances    account        -> decimal string
//	ledger:{asset}:allowances  owner|spender  -> decimal string
//
// Every mutation runs as a WATCH/MULTI transaction over both hashes, so
// concurrent writers from several processes never lose an update.
type RedisLedger struct {
	asset string
	rdb   *redis.Client
}

// NewRedisLedger creates a Redis-backed ledger for asset.
func NewRedisLedger(rdb *redis.Client, asset string) *RedisLedger {
	return &RedisLedger{asset: asset, rdb: rdb}
}

func (l *RedisLedger) Asset() string { return l.asset }

func (l *RedisLedger) balancesKey() string   { return fmt.Sprintf("ledger:%s:balances", l.asset) }
func (l *RedisLedger) allowancesKey() string { return fmt.Sprintf("ledger:%s:allowances", l.asset) }

func allowanceField(owner, spender string) string { return owner + "|" + spender }

func (l *RedisLedger) BalanceOf(ctx context.Context, account string) (decimal.Decimal, error) {
	return readDecimal(ctx, l.rdb, l.balancesKey(), account)
}

func (l *RedisLedger) Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error) {
	return readDecimal(ctx, l.rdb, l.allowancesKey(), allowanceField(owner, spender))
}

// Mint credits amount to account.
func (l *RedisLedger) Mint(ctx context.Context, account string, amount decimal.Decimal) error {
	if err := fixed.ValidateQuantity(amount); err != nil {
		return err
	}
	return l.atomically(ctx, func(tx *redis.Tx) (func(redis.Pipeliner), error) {
		bal, err := readDecimal(ctx, tx, l.balancesKey(), account)
		if err != nil {
			return nil, err
		}
		return func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, l.balancesKey(), account, bal.Add(amount).String())
		}, nil
	})
}

func (l *RedisLedger) Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("asset: negative allowance %s", amount)
	}
	if err := l.rdb.HSet(ctx, l.allowancesKey(), allowanceField(owner, spender), amount.String()).Err(); err != nil {
		return fmt.Errorf("redis: approve %s %s->%s: %w", l.asset, owner, spender, err)
	}
	return nil
}

func (l *RedisLedger) IncreaseAllowance(ctx context.Context, owner, spender string, delta decimal.Decimal) error {
	if delta.IsNegative() {
		return fmt.Errorf("asset: negative allowance delta %s", delta)
	}
	field := allowanceField(owner, spender)
	return l.atomically(ctx, func(tx *redis.Tx) (func(redis.Pipeliner), error) {
		cur, err := readDecimal(ctx, tx, l.allowancesKey(), field)
		if err != nil {
			return nil, err
		}
		return func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, l.allowancesKey(), field, cur.Add(delta).String())
		}, nil
	})
}

func (l *RedisLedger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	return l.move(ctx, "", from, to, amount)
}

func (l *RedisLedger) TransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal) error {
	if spender == "" {
		return fmt.Errorf("%w: empty spender", ErrInsufficientAllowance)
	}
	return l.move(ctx, spender, from, to, amount)
}

// move debits from and credits to; a non-empty spender also consumes the
// spender's allowance over from.
func (l *RedisLedger) move(ctx context.Context, spender, from, to string, amount decimal.Decimal) error {
	if err := fixed.ValidateQuantity(amount); err != nil {
		return err
	}
	return l.atomically(ctx, func(tx *redis.Tx) (func(redis.Pipeliner), error) {
		var allowance decimal.Decimal
		if spender != "" {
			a, err := readDecimal(ctx, tx, l.allowancesKey(), allowanceField(from, spender))
			if err != nil {
				return nil, err
			}
			if a.LessThan(amount) {
				return nil, fmt.Errorf("%w: %s %s allows %s %s, needs %s", ErrInsufficientAllowance, l.asset, from, spender, a, amount)
			}
			allowance = a
		}

		fromBal, err := readDecimal(ctx, tx, l.balancesKey(), from)
		if err != nil {
			return nil, err
		}
		if fromBal.LessThan(amount) {
			return nil, fmt.Errorf("%w: %s %s has %s, needs %s", ErrInsufficientBalance, l.asset, from, fromBal, amount)
		}
		toBal, err := readDecimal(ctx, tx, l.balancesKey(), to)
		if err != nil {
			return nil, err
		}

		return func(pipe redis.Pipeliner) {
			if spender != "" {
				pipe.HSet(ctx, l.allowancesKey(), allowanceField(from, spender), allowance.Sub(amount).String())
			}
			if from != to {
				pipe.HSet(ctx, l.balancesKey(), from, fromBal.Sub(amount).String(), to, toBal.Add(amount).String())
			}
		}, nil
	})
}

// atomically runs prepare under WATCH of both hashes and applies the writes it
// returns in a MULTI block, retrying when a watched key changed.
func (l *RedisLedger) atomically(ctx context.Context, prepare func(tx *redis.Tx) (func(redis.Pipeliner), error)) error {
	txf := func(tx *redis.Tx) error {
		writes, err := prepare(tx)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writes(pipe)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := l.rdb.Watch(ctx, txf, l.balancesKey(), l.allowancesKey())
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrTransferConflict, l.asset)
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func readDecimal(ctx context.Context, c hashGetter, key, field string) (decimal.Decimal, error) {
	raw, err := c.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: read %s[%s]: %w", key, field, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: parse %s[%s]: %w", key, field, err)
	}
	return v, nil
}

var _ Ledger = (*RedisLedger)(nil)
