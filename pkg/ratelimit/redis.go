package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares rate-limit state across gateway processes via atomic
// increments with a per-key TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a Redis client. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pbmcp:ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL dials Redis from a URL such as redis://host:6379/0.
func NewRedisStoreFromURL(url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), prefix), nil
}

// Incr implements Store. The first hit in a window stamps the TTL; the
// reset instant is derived from the remaining TTL so every process agrees.
func (s *RedisStore) Incr(ctx context.Context, bucket string, window time.Duration) (int64, time.Time, error) {
	key := s.prefix + ":" + bucket

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing rate-limit key: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("setting rate-limit ttl: %w", err)
		}
		return count, time.Now().Add(window), nil
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// Counter without a TTL would throttle forever; repair it.
		_ = s.client.Expire(ctx, key, window).Err()
		ttl = window
	}
	return count, time.Now().Add(ttl), nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
