package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NotVinay/stock-stream/market"
)

const keyPrefix = "price:"

// Compile-time check to ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

// RedisStore keeps the latest price per symbol under price:<SYMBOL>,
// encoded in the downstream JSON format, expiring after ttl.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Save writes ev as the symbol's latest price.
func (r *RedisStore) Save(ctx context.Context, ev market.PriceEvent) error {
	if ev.Kind != market.KindPrice {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, keyPrefix+ev.Symbol, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", ev.Symbol, err)
	}
	return nil
}

// Get fetches the latest price of one symbol.
func (r *RedisStore) Get(ctx context.Context, symbol string) (market.PriceEvent, error) {
	payload, err := r.client.Get(ctx, keyPrefix+symbol).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.PriceEvent{}, ErrNotFound
	}
	if err != nil {
		return market.PriceEvent{}, err
	}
	var ev market.PriceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return market.PriceEvent{}, fmt.Errorf("decode snapshot %s: %w", symbol, err)
	}
	return ev, nil
}

// Latest fetches the latest prices for a list of symbols (MGET).
func (r *RedisStore) Latest(ctx context.Context, symbols []string) ([]market.PriceEvent, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = keyPrefix + sym
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var events []market.PriceEvent
	for _, val := range results {
		payload, ok := val.(string)
		if !ok || payload == "" {
			continue
		}
		var ev market.PriceEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
