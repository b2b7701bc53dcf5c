package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type RedisSettingsCache struct {
	client *redis.Client
}

func NewRedisSettingsCache(addr string, password string, db int) *RedisSettingsCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSettingsCache{client: client}
}

func (c *RedisSettingsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSettingsCache) Close() error {
	return c.client.Close()
}

func (c *RedisSettingsCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, "settings:"+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisSettingsCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, "settings:"+key, value, ttl).Err()
}

func (c *RedisSettingsCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, "settings:"+key).Err()
}
