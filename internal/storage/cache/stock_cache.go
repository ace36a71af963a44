package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStockTTL: срок жизни закэшированного остатка.
const DefaultStockTTL = 30 * time.Second

// RedisStockCache хранит материализованные остатки вариантов в Redis.
// Источник истины остаётся в хранилище; кэш только ускоряет CurrentStock.
type RedisStockCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStockCache создаёт кэш поверх клиента Redis.
func NewRedisStockCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStockCache {
	if prefix == "" {
		prefix = "dayx:stock:"
	}
	if ttl <= 0 {
		ttl = DefaultStockTTL
	}
	return &RedisStockCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisStockCache) key(variantID string) string {
	return c.prefix + variantID
}

// Get возвращает остаток; второй результат false означает промах.
func (c *RedisStockCache) Get(ctx context.Context, variantID string) (int, bool, error) {
	raw, err := c.client.Get(ctx, c.key(variantID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get stock: %w", err)
	}
	qty, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("decode cached stock %q: %w", raw, err)
	}
	return qty, true, nil
}

// Set кладёт остаток в кэш с TTL.
func (c *RedisStockCache) Set(ctx context.Context, variantID string, qty int) error {
	if err := c.client.Set(ctx, c.key(variantID), strconv.Itoa(qty), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set stock: %w", err)
	}
	return nil
}

// Invalidate удаляет остаток из кэша.
func (c *RedisStockCache) Invalidate(ctx context.Context, variantID string) error {
	if err := c.client.Del(ctx, c.key(variantID)).Err(); err != nil {
		return fmt.Errorf("redis del stock: %w", err)
	}
	return nil
}

// Ping проверяет доступность Redis для readiness probe.
func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
