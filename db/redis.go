// db/redis.go
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dev-mohitbeniwal/echo/authz/config"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

// NewRedisClient connects to the configured Redis and verifies it answers.
func NewRedisClient(ctx context.Context, cfg config.RedisConfiguration) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis", zap.String("addr", cfg.Addr))
	return client, nil
}

func CloseRedis(client *redis.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logger.Error("Error closing Redis connection", zap.Error(err))
	}
}

// RateLimiter is a sliding-window limiter kept in a Redis sorted set per key.
type RateLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client, prefix string) *RateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RateLimiter{client: client, prefix: prefix, now: time.Now}
}

// Allow records one hit for key and reports whether the key is still within
// limit hits over the last per.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, per time.Duration) (bool, error) {
	now := r.now().UnixNano()
	key = fmt.Sprintf("%s:%s", r.prefix, key)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now-per.Nanoseconds()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: fmt.Sprintf("%d-%s", now, uuid.NewString())})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, per)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to execute rate limit commands: %w", err)
	}

	count := card.Val()
	allowed := count <= int64(limit)
	logger.Debug("Rate limit check",
		zap.String("key", key),
		zap.Int64("count", count),
		zap.Int("limit", limit),
		zap.Bool("allowed", allowed))
	return allowed, nil
}
