package database

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

// RedisDB holds the client behind slice leases and the report cache.
type RedisDB struct {
	Client *redis.Client
	logger *zap.Logger
}

// redisOptions keeps the pool small: the pipeline issues a handful of
// lease and cache commands per slice, not per fact.
func redisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  redisPingTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	}
}

// NewRedisDB connects and pings once. The client is closed if the ping
// fails.
func NewRedisDB(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisDB, error) {
	client := redis.NewClient(redisOptions(cfg))
	rdb := &RedisDB{Client: client, logger: logger}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Health(pingCtx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
	)
	return rdb, nil
}

func (r *RedisDB) Close() error {
	if r.Client == nil {
		return nil
	}
	r.logger.Info("Redis connection closed")
	return r.Client.Close()
}

// Health pings Redis.
func (r *RedisDB) Health(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}
