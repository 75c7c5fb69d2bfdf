package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Every chain's
// consolidated prices live in one hash at "price:{chainID}" keyed by pair, so
// a dashboard can read a chain in a single HGETALL.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. A positive
// ttl expires a chain's hash when its feeds stop updating.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(chainID uint64) string {
	return fmt.Sprintf("price:%d", chainID)
}

// SetPrice stores the latest consolidated price of a pair.
func (pc *PriceCache) SetPrice(ctx context.Context, p domain.PairPrice) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: encode price %s: %w", p.Pair, err)
	}
	key := priceKey(p.ChainID)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, p.Pair, data)
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %d %s: %w", p.ChainID, p.Pair, err)
	}
	return nil
}

// GetPrice retrieves the latest price of a pair. It returns
// domain.ErrNotFound when the pair was never written or has expired.
func (pc *PriceCache) GetPrice(ctx context.Context, chainID uint64, pair string) (domain.PairPrice, error) {
	raw, err := pc.rdb.HGet(ctx, priceKey(chainID), pair).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PairPrice{}, domain.ErrNotFound
		}
		return domain.PairPrice{}, fmt.Errorf("redis: get price %d %s: %w", chainID, pair, err)
	}
	var p domain.PairPrice
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.PairPrice{}, fmt.Errorf("redis: decode price %d %s: %w", chainID, pair, err)
	}
	return p, nil
}

// GetChainPrices returns every cached pair of a chain. Undecodable entries
// are skipped.
func (pc *PriceCache) GetChainPrices(ctx context.Context, chainID uint64) ([]domain.PairPrice, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(chainID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get prices %d: %w", chainID, err)
	}
	out := make([]domain.PairPrice, 0, len(vals))
	for _, v := range vals {
		var p domain.PairPrice
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
