// Package cache provides optional Redis caching for the tunnel: the
// live online-miner set and a short-lived cache of wallet lookups. A
// nil *Cache is valid and turns every operation into a no-op, so the
// rest of the code never branches on whether Redis is configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mytai/stratum-tunnel/config"
)

const (
	onlineSetKey    = "miners:online"
	walletCacheTTL  = 30 * time.Second
	walletKeyPrefix = "wallet:"
)

// Cache wraps the Redis client.
type Cache struct {
	client *redis.Client
}

// New connects to Redis. An empty addr returns (nil, nil): caching
// disabled.
func New(cfg config.RedisConfig) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// SetMinerOnline adds a session key to the online set.
func (c *Cache) SetMinerOnline(ctx context.Context, key string) {
	if c == nil {
		return
	}
	c.client.SAdd(ctx, onlineSetKey, key)
}

// SetMinerOffline removes a session key from the online set.
func (c *Cache) SetMinerOffline(ctx context.Context, key string) {
	if c == nil {
		return
	}
	c.client.SRem(ctx, onlineSetKey, key)
}

// OnlineCount returns the size of the online set, 0 when disabled.
func (c *Cache) OnlineCount(ctx context.Context) int64 {
	if c == nil {
		return 0
	}
	n, err := c.client.SCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0
	}
	return n
}

// SetWalletLookup caches the serialized result of a wallet query.
func (c *Cache) SetWalletLookup(ctx context.Context, prefix string, result any) {
	if c == nil {
		return
	}
	value, err := json.Marshal(result)
	if err != nil {
		return
	}
	c.client.Set(ctx, walletKeyPrefix+prefix, value, walletCacheTTL)
}

// GetWalletLookup retrieves a cached wallet query result into dest.
// Returns false on miss, expiry, or when caching is disabled.
func (c *Cache) GetWalletLookup(ctx context.Context, prefix string, dest any) bool {
	if c == nil {
		return false
	}
	value, err := c.client.Get(ctx, walletKeyPrefix+prefix).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(value, dest) == nil
}
