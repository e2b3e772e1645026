package database

import (
	"context"
	"fmt"

	"github.com/radiusdt/marketing-analytics/internal/config"
	"go.uber.org/zap"
)

// Connections groups the store handles one process holds. Redis and
// ClickHouse are nil when disabled.
type Connections struct {
	Postgres   *PostgresDB
	Redis      *RedisDB
	ClickHouse *ClickHouseDB
	logger     *zap.Logger
}

// Open connects to PostgreSQL, and to Redis and ClickHouse when the
// configuration asks for them. A Redis that cannot be reached is logged
// and skipped; the pipeline then uses in-process locks and no report cache.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Connections, error) {
	conns := &Connections{logger: logger}

	pg, err := NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	conns.Postgres = pg

	if cfg.Database.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			conns.Close()
			return nil, err
		}
	}

	if cfg.FactsDriver == "clickhouse" {
		ch, err := NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			conns.Close()
			return nil, fmt.Errorf("facts driver clickhouse: %w", err)
		}
		conns.ClickHouse = ch
	}

	if cfg.Redis.Enabled {
		rdb, err := NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis not available, using in-process locks and no report cache", zap.Error(err))
		} else {
			conns.Redis = rdb
		}
	}

	return conns, nil
}

// Close releases every open handle.
func (c *Connections) Close() {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.logger.Error("failed to close Redis", zap.Error(err))
		}
	}
	if c.ClickHouse != nil {
		if err := c.ClickHouse.Close(); err != nil {
			c.logger.Error("failed to close ClickHouse", zap.Error(err))
		}
	}
	if c.Postgres != nil {
		c.Postgres.Close()
	}
}

// Health pings every open store.
func (c *Connections) Health(ctx context.Context) error {
	if err := c.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if c.ClickHouse != nil {
		if err := c.ClickHouse.Health(ctx); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
