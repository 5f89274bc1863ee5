// Package cache holds a Redis read-through cache for aggregated prices.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

const (
	defaultTTL     = 5 * time.Minute
	maxSetAttempts = 3
)

// RedisCache stores AggregatedPrice records as JSON under prefix+"price:"+key.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// New connects to the configured Redis instance and verifies it with PING.
func New(ctx context.Context, cfg config.CacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "cache: connect to %s", cfg.Addr)
	}
	return NewFromClient(client, time.Duration(cfg.TTLSecs)*time.Second, cfg.Prefix), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) priceKey(key model.CoinKey) string {
	return c.prefix + "price:" + string(key)
}

// GetPrice returns the cached aggregate for key, or nil on a miss.
func (c *RedisCache) GetPrice(ctx context.Context, key model.CoinKey) (*model.AggregatedPrice, error) {
	data, err := c.client.Get(ctx, c.priceKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: get %s", key)
	}

	var p model.AggregatedPrice
	if err := json.Unmarshal(data, &p); err != nil {
		// A corrupt entry is dropped and treated as a miss.
		zap.L().Warn("cache: discarding undecodable entry", zap.String("coin_key", string(key)), zap.Error(err))
		_ = c.client.Del(ctx, c.priceKey(key)).Err()
		return nil, nil
	}
	return &p, nil
}

// SetPrice caches p for the configured TTL. An entry with a newer
// LastUpdated is kept, so a slow read-through fill cannot overwrite the
// aggregate the engine just wrote.
func (c *RedisCache) SetPrice(ctx context.Context, p model.AggregatedPrice) error {
	data, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "cache: marshal price")
	}
	k := c.priceKey(p.CoinKey)

	write := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var cached model.AggregatedPrice
			if json.Unmarshal(cur, &cached) == nil && cached.LastUpdated.After(p.LastUpdated) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, c.ttl)
			return nil
		})
		return err
	}

	for range maxSetAttempts {
		err = c.client.Watch(ctx, write, k)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return eris.Wrapf(err, "cache: set %s", p.CoinKey)
	}
	return nil
}

// Invalidate drops the cached aggregate for key.
func (c *RedisCache) Invalidate(ctx context.Context, key model.CoinKey) error {
	if err := c.client.Del(ctx, c.priceKey(key)).Err(); err != nil {
		return eris.Wrapf(err, "cache: invalidate %s", key)
	}
	return nil
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
