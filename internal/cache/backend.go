package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quotehub/internal/quote"
)

// Backend is an optional second tier shared between instances. Errors are
// logged by the Store and never fail a read.
type Backend interface {
	Get(ctx context.Context, keys []quote.Key) (map[quote.Key]quote.Quote, error)
	Put(ctx context.Context, q quote.Quote, expiry time.Duration) error
}

const redisKeyPrefix = "quotehub:quote:"

// RedisBackend stores quotes as JSON strings with an expiry.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisKey(k quote.Key) string {
	return redisKeyPrefix + k.String()
}

func (r *RedisBackend) Get(ctx context.Context, keys []quote.Key) (map[quote.Key]quote.Quote, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = redisKey(k)
	}
	vals, err := r.client.MGet(ctx, names...).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("mget quotes: %w", err)
	}

	out := make(map[quote.Key]quote.Quote, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var q quote.Quote
		if err := json.Unmarshal([]byte(s), &q); err != nil {
			return nil, fmt.Errorf("decode %s: %w", names[i], err)
		}
		out[keys[i]] = q
	}
	return out, nil
}

func (r *RedisBackend) Put(ctx context.Context, q quote.Quote, expiry time.Duration) error {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(q.Key()), b, expiry).Err(); err != nil {
		return fmt.Errorf("failed to set quote: %w", err)
	}
	return nil
}
