package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/kalenda/internal/metrics"
)

// RedisStore is the key-value backend for session state and counters.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for the queue and rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func observe(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// RawSet stores value under key. A zero ttl keeps the key until deleted.
func (s *RedisStore) RawSet(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observe(time.Now())
	return s.client.Set(ctx, key, value, ttl).Err()
}

// RawGet fetches key. The bool is false when the key is absent or expired.
func (s *RedisStore) RawGet(ctx context.Context, key string) (string, bool, error) {
	defer observe(time.Now())
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// RawDelete removes keys. Missing keys are ignored.
func (s *RedisStore) RawDelete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	defer observe(time.Now())
	return s.client.Del(ctx, keys...).Err()
}

// Keys lists keys matching pattern using SCAN so large keyspaces don't block Redis.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// ClaimNonce records a request nonce for ttl. It returns false when the nonce
// was already seen.
func (s *RedisStore) ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	return s.client.SetNX(ctx, "nonce:"+nonce, "1", ttl).Result()
}

// rateLimitKey returns the key for a fixed-window rate limit counter.
func rateLimitKey(subject string, window time.Duration) string {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	bucket := time.Now().Unix() / secs
	return fmt.Sprintf("ratelimit:%s:%d", subject, bucket)
}

// IncrementRateLimit counts one hit for subject in the current window and
// returns the new count.
func (s *RedisStore) IncrementRateLimit(ctx context.Context, subject string, window time.Duration) (int64, error) {
	key := rateLimitKey(subject, window)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
