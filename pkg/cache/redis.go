package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taphoa39/taphoa-backend/pkg/redis"
)

// Redis shares cached read models across instances.
type Redis struct {
	client     *redis.Client
	defaultTTL time.Duration
}

func NewRedis(client *redis.Client, defaultTTL time.Duration) *Redis {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Redis{client: client, defaultTTL: defaultTTL}
}

func (r *Redis) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := r.client.GetBytes(ctx, r.client.CacheKey(key))
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if err := r.client.Set(ctx, r.client.CacheKey(key), raw, ttl); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, key := range keys {
		namespaced[i] = r.client.CacheKey(key)
	}
	if err := r.client.Del(ctx, namespaced...); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
