package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PortNumber53/subsync/internal/models"
)

const redisCachePrefix = "subsync:cache:"

// RedisTier shares cached entries between processes on the same Redis.
type RedisTier struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisTier wraps a Redis client. ttl bounds every entry; zero means no expiry.
func NewRedisTier(rdb redis.UniversalClient, ttl time.Duration) *RedisTier {
	return &RedisTier{rdb: rdb, ttl: ttl}
}

func (r *RedisTier) Name() string { return string(models.SourceRedis) }

func (r *RedisTier) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	raw, err := r.rdb.Get(ctx, redisCachePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is a miss; the next fill overwrites it.
		return models.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, entry models.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := r.rdb.Set(ctx, redisCachePrefix+key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = redisCachePrefix + key
	}
	if err := r.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}
