package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as plain keys with a TTL and index sets as Redis
// sets. Multi-key reads use MGET and writes go through one pipeline.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}

func (r *RedisStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([][]byte, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (r *RedisStore) Set(ctx context.Context, item StoreItem, indexTTL time.Duration) error {
	return r.MSet(ctx, []StoreItem{item}, indexTTL)
}

func (r *RedisStore) MSet(ctx context.Context, items []StoreItem, indexTTL time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	touched := make(map[string]struct{})
	for _, item := range items {
		if item.TTL <= 0 {
			continue
		}
		pipe.Set(ctx, item.Key, item.Value, item.TTL)
		for _, idx := range item.Indexes {
			pipe.SAdd(ctx, idx, item.Key)
			touched[idx] = struct{}{}
		}
	}
	if indexTTL > 0 {
		for idx := range touched {
			pipe.Expire(ctx, idx, indexTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipelined set: %w", err)
	}
	return nil
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return int(n), nil
}

func (r *RedisStore) TakeIndex(ctx context.Context, index string) ([]string, error) {
	pipe := r.client.TxPipeline()
	members := pipe.SMembers(ctx, index)
	pipe.Del(ctx, index)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis take index: %w", err)
	}
	return members.Val(), nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
