package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trogers1052/equity-oracle/internal/models"
)

// RedisPriceCache is a PriceCache backed by Redis, shared across oracle instances.
type RedisPriceCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisPriceCache wraps an existing client. Keys are stored under keyPrefix.
func NewRedisPriceCache(client redis.UniversalClient, keyPrefix string) *RedisPriceCache {
	if keyPrefix == "" {
		keyPrefix = "oracle:"
	}
	return &RedisPriceCache{client: client, keyPrefix: keyPrefix}
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Get retrieves a cached price
func (c *RedisPriceCache) Get(ctx context.Context, key string) (*models.ConsensusPrice, bool, error) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get from price cache: %w", err)
	}

	var price models.ConsensusPrice
	if err := json.Unmarshal(data, &price); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached price: %w", err)
	}
	return &price, true, nil
}

// Set stores a price with ttl. A non-positive ttl is a no-op.
func (c *RedisPriceCache) Set(ctx context.Context, key string, price *models.ConsensusPrice, ttl time.Duration) error {
	if price == nil || ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("failed to marshal price for cache: %w", err)
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set price cache: %w", err)
	}
	return nil
}

// Invalidate deletes key
func (c *RedisPriceCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate price cache: %w", err)
	}
	return nil
}
