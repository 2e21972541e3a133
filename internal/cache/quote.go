package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// QuotePayload is the cached representation of a latest-quote row, stored as
// a JSON-encoded hash field keyed by symbol under a per-market hash key
// (spec.md §4.3). Mirrors the "json" serializer mode of the original
// RedisStorage.
type QuotePayload struct {
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	LastTradeAt string          `json:"last_trade_at"`
}

// QuoteCache provides best-effort read-through access to cached latest quotes,
// grouped by market key into a single Redis hash (one HSET per symbol).
type QuoteCache struct {
	cache *Cache
	ttl   int // seconds
}

// NewQuoteCache builds a QuoteCache with the given per-hash TTL in seconds.
func NewQuoteCache(c *Cache, ttlSeconds int) *QuoteCache {
	return &QuoteCache{cache: c, ttl: ttlSeconds}
}

func (q *QuoteCache) hashKey(marketKey string) string {
	return q.cache.key("quotes", marketKey)
}

// SetLatest writes a single symbol's latest quote into the market's hash and
// (re)applies the hash-level TTL. Best-effort: cache-write failures are
// reported to the caller, who is expected to log and continue rather than
// fail the ingestion pipeline over a cache miss (spec.md §4.4 step 4).
func (q *QuoteCache) SetLatest(ctx context.Context, marketKey, symbol string, payload QuotePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: marshal quote payload: %w", err)
	}
	key := q.hashKey(marketKey)
	pipe := q.cache.client.TxPipeline()
	pipe.HSet(ctx, key, symbol, data)
	pipe.Expire(ctx, key, seconds(q.ttl))
	_, err = pipe.Exec(ctx)
	return err
}

// GetLatest reads a single symbol's cached quote for a market. The second
// return value is false on a cache miss (unknown symbol or expired hash).
func (q *QuoteCache) GetLatest(ctx context.Context, marketKey, symbol string) (QuotePayload, bool, error) {
	raw, err := q.cache.client.HGet(ctx, q.hashKey(marketKey), symbol).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return QuotePayload{}, false, nil
		}
		return QuotePayload{}, false, err
	}
	var payload QuotePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return QuotePayload{}, false, fmt.Errorf("cache: unmarshal quote payload: %w", err)
	}
	return payload, true, nil
}

// GetAllLatest reads every cached quote for a market's hash.
func (q *QuoteCache) GetAllLatest(ctx context.Context, marketKey string) (map[string]QuotePayload, error) {
	raw, err := q.cache.client.HGetAll(ctx, q.hashKey(marketKey)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]QuotePayload, len(raw))
	for symbol, data := range raw {
		var payload QuotePayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue // skip a corrupt entry rather than fail the whole read
		}
		out[symbol] = payload
	}
	return out, nil
}
