package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/marketing-analytics/internal/config"
	"github.com/radiusdt/marketing-analytics/internal/database"
	"github.com/radiusdt/marketing-analytics/internal/etl"
	"github.com/radiusdt/marketing-analytics/internal/logger"
	"github.com/radiusdt/marketing-analytics/internal/metrics"
	"github.com/radiusdt/marketing-analytics/internal/reporting"
	"github.com/radiusdt/marketing-analytics/internal/storage"
	"go.uber.org/zap"
)

// app wires configuration, connections and services for one command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	conns   *database.Connections
	metrics *metrics.Metrics

	facts      storage.FactStore
	refs       storage.ReferenceRepo
	hourly     storage.HourlyRepo
	aggregates storage.AggregateRepo
	locker     storage.SliceLocker
	cache      storage.ReportCache

	pipeline *etl.Pipeline
	archiver *etl.Archiver
	reports  *reporting.Service
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Server.Env, cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	conns, err := database.Open(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  log,
		conns:   conns,
		metrics: metrics.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer),
	}

	pool := conns.Postgres.Pool
	a.refs = storage.NewPostgresReferenceRepo(pool)
	a.hourly = storage.NewPostgresHourlyRepo(pool)
	a.aggregates = storage.NewPostgresAggregateRepo(pool)

	var archiveStore storage.Archiver
	switch cfg.FactsDriver {
	case "clickhouse":
		chFacts := storage.NewClickHouseFactStore(conns.ClickHouse.Conn, a.refs, log)
		if err := chFacts.InitSchema(ctx); err != nil {
			a.close()
			return nil, err
		}
		a.facts = chFacts
	default:
		a.facts = storage.NewPostgresFactStore(pool)
		archiveStore = storage.NewPostgresArchiver(pool)
	}

	if conns.Redis != nil {
		a.locker = storage.NewRedisSliceLocker(conns.Redis.Client)
		a.cache = storage.NewRedisReportCache(conns.Redis.Client)
	} else {
		a.locker = storage.NewInMemorySliceLocker()
	}

	a.pipeline = etl.NewPipeline(etl.Deps{
		Facts:      a.facts,
		Refs:       a.refs,
		Hourly:     a.hourly,
		Aggregates: a.aggregates,
		Locker:     a.locker,
		Cache:      a.cache,
		Metrics:    a.metrics,
	}, cfg.ETL, log)
	if archiveStore != nil {
		a.archiver = etl.NewArchiver(archiveStore, cfg.ETL, a.metrics, log)
	}
	a.reports = reporting.NewService(a.aggregates, a.cache, a.metrics, cfg.Reporting, log)

	return a, nil
}

func (a *app) close() {
	a.conns.Close()
	_ = a.logger.Sync()
}

// reportDBStats publishes pool statistics until ctx is done.
func (a *app) reportDBStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := a.conns.Postgres.Stats()
			a.metrics.UpdateDBStats(st.Idle, st.InUse, st.Total)
		case <-ctx.Done():
			return
		}
	}
}
