package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/marketing-analytics/internal/config"
	"go.uber.org/zap"
)

const (
	applicationName = "marketing-analytics"

	pgConnectTimeout = 10 * time.Second
	pgMaxConnLife    = time.Hour
	pgMaxConnIdle    = 30 * time.Minute
)

// PostgresDB holds the pool shared by the reference, hourly, aggregate
// and archive repositories.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	Idle  int
	InUse int
	Total int
}

// postgresPoolConfig maps DatabaseConfig onto a pgxpool config. Sessions
// run in UTC so DATE() agrees with models.DateOf.
func postgresPoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("min conns %d exceeds max conns %d", cfg.MinConns, cfg.MaxConns)
	}

	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = pgMaxConnLife
	pc.MaxConnIdleTime = pgMaxConnIdle
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.ConnectTimeout = pgConnectTimeout
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

// NewPostgresDB opens the pool and pings it once.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	pc, err := postgresPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	db := &PostgresDB{Pool: pool, logger: logger}
	pingCtx, cancel := context.WithTimeout(ctx, pgConnectTimeout)
	defer cancel()
	if err := db.Health(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DBName),
		zap.Int("max_conns", cfg.MaxConns),
	)
	return db, nil
}

func (db *PostgresDB) Close() {
	if db.Pool == nil {
		return
	}
	db.Pool.Close()
	db.logger.Info("PostgreSQL connection pool closed")
}

// Health pings the pool.
func (db *PostgresDB) Health(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Stats reports idle, acquired and total connections.
func (db *PostgresDB) Stats() PoolStats {
	st := db.Pool.Stat()
	return PoolStats{
		Idle:  int(st.IdleConns()),
		InUse: int(st.AcquiredConns()),
		Total: int(st.TotalConns()),
	}
}
