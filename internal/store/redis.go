package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/model"
)

//go:embed scripts/fill_position.lua
var fillPositionLua string

// positionCache holds position snapshots keyed by ID. put never replaces an
// entry with an older or equal Version, so a slow reader cannot overwrite a
// snapshot written by a later commit.
type positionCache interface {
	get(ctx context.Context, id int64) (*model.DebtPosition, bool)
	put(ctx context.Context, p *model.DebtPosition) error
	drop(ctx context.Context, ids ...int64) error
}

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for positions. Committed writes are pushed to the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	cache   positionCache
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return newCachedStore(primary, &redisPositionCache{
		rdb:  rdb,
		ttl:  ttl,
		fill: redis.NewScript(fillPositionLua),
	})
}

func newCachedStore(primary Store, cache positionCache) *CachedStore {
	return &CachedStore{primary: primary, cache: cache}
}

// --- Write-through (write to primary, then refresh cache) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := make(map[int64]*model.DebtPosition)
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for id, p := range touched {
		if err := s.cache.put(ctx, p); err != nil {
			slog.Warn("redis: refresh position", "id", id, "error", err)
			if err := s.cache.drop(ctx, id); err != nil {
				slog.Warn("redis: invalidate position", "id", id, "error", err)
			}
		}
	}
	return nil
}

func (s *CachedStore) EnsurePool(ctx context.Context, owner string) error {
	return s.primary.EnsurePool(ctx, owner)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id int64) (*model.DebtPosition, error) {
	if p, ok := s.cache.get(ctx, id); ok {
		return p, nil
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.put(ctx, p); err != nil {
		slog.Debug("redis: fill position", "id", id, "error", err)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPositions(ctx context.Context, borrower string) ([]model.DebtPosition, error) {
	return s.primary.ListPositions(ctx, borrower)
}

func (s *CachedStore) ListActive(ctx context.Context) ([]model.DebtPosition, error) {
	return s.primary.ListActive(ctx)
}

func (s *CachedStore) GetPool(ctx context.Context) (*model.Pool, error) {
	return s.primary.GetPool(ctx)
}

func (s *CachedStore) ListEvents(ctx context.Context, positionID int64) ([]model.PositionEvent, error) {
	return s.primary.ListEvents(ctx, positionID)
}

// cachedTx records the latest snapshot of every position a transaction wrote
// so the cache can be refreshed after commit.
type cachedTx struct {
	Tx
	touched map[int64]*model.DebtPosition
}

func (t *cachedTx) Mutate(ctx context.Context, id int64, fn func(p *model.DebtPosition) error) (*model.DebtPosition, error) {
	p, err := t.Tx.Mutate(ctx, id, fn)
	if err == nil {
		t.touched[id] = p
	}
	return p, err
}

// --- Redis cache ---

// redisPositionCache stores each position as a hash {version, data} so the
// fill script can compare versions atomically.
type redisPositionCache struct {
	rdb  *redis.Client
	ttl  time.Duration
	fill *redis.Script
}

func (c *redisPositionCache) get(ctx context.Context, id int64) (*model.DebtPosition, bool) {
	data, err := c.rdb.HGet(ctx, positionKey(id), "data").Bytes()
	if err != nil {
		return nil, false
	}
	var p model.DebtPosition
	if json.Unmarshal(data, &p) != nil {
		return nil, false
	}
	return &p, true
}

func (c *redisPositionCache) put(ctx context.Context, p *model.DebtPosition) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	args := []any{strconv.FormatInt(p.Version, 10), data, c.ttl.Milliseconds()}
	if err := c.fill.Run(ctx, c.rdb, []string{positionKey(p.ID)}, args...).Err(); err != nil {
		return fmt.Errorf("redis: fill position %d: %w", p.ID, err)
	}
	return nil
}

func (c *redisPositionCache) drop(ctx context.Context, ids ...int64) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = positionKey(id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func positionKey(id int64) string { return fmt.Sprintf("position:%d", id) }
