package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Redis reads prices published by an external feeder. Each pair's price is
// stored as a hash at key "price:{pairID}" with fields "price" (scaled
// integer, decimal string) and "ts" (Unix nanosecond timestamp).
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a Redis-backed oracle.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func priceKey(pairID string) string {
	return "price:" + pairID
}

// SetPrice publishes a price for pairID. The engine never calls this; it
// exists for feeders, operators and tests.
func (o *Redis) SetPrice(ctx context.Context, pairID string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := o.rdb.HSet(ctx, priceKey(pairID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", pairID, err)
	}
	return nil
}

func (o *Redis) GetPrice(ctx context.Context, pairID string) (decimal.Decimal, error) {
	raw, err := o.rdb.HGet(ctx, priceKey(pairID), "price").Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, pairID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: get price %s: %w", pairID, err)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: parse price %s: %w", pairID, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, pairID)
	}
	return price, nil
}

var _ PriceOracle = (*Redis)(nil)
