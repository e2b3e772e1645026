package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.FactsDriver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "marketing", cfg.Database.DBName)
	assert.Equal(t, time.Hour, cfg.ETL.SliceWidth)
	assert.Equal(t, 4, cfg.ETL.BackfillParallelism)
	assert.Equal(t, 30, cfg.Reporting.DefaultWindowDays)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("ANALYTICS_SERVER_ENV", "production")
	t.Setenv("ANALYTICS_DB_HOST", "db.internal")
	t.Setenv("ANALYTICS_DB_NAME", "reports")
	t.Setenv("ANALYTICS_FACTS_DRIVER", "clickhouse")
	t.Setenv("ANALYTICS_CLICKHOUSE_PORT", "9440")
	t.Setenv("ANALYTICS_ETL_SLICE_WIDTH", "2h")
	t.Setenv("ANALYTICS_ETL_RETENTION_DAYS", "90")
	t.Setenv("ANALYTICS_REDIS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "reports", cfg.Database.DBName)
	assert.Equal(t, "clickhouse", cfg.FactsDriver)
	assert.Equal(t, "localhost:9440", cfg.ClickHouse.Addr())
	assert.Equal(t, 2*time.Hour, cfg.ETL.SliceWidth)
	assert.Equal(t, 90, cfg.ETL.RetentionDays)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown driver", "ANALYTICS_FACTS_DRIVER", "mysql"},
		{"zero slice width", "ANALYTICS_ETL_SLICE_WIDTH", "0s"},
		{"half hour slice width", "ANALYTICS_ETL_SLICE_WIDTH", "30m"},
		{"ninety minute slice width", "ANALYTICS_ETL_SLICE_WIDTH", "90m"},
		{"negative retention", "ANALYTICS_ETL_RETENTION_DAYS", "-1"},
		{"no parallelism", "ANALYTICS_ETL_BACKFILL_PARALLELISM", "0"},
		{"empty window", "ANALYTICS_REPORTING_DEFAULT_WINDOW_DAYS", "0"},
		{"bad duration", "ANALYTICS_ETL_LOCK_TTL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "pg",
		Port:     5433,
		User:     "etl",
		Password: "secret",
		DBName:   "marketing",
		SSLMode:  "require",
	}

	assert.Equal(t, "postgres://etl:secret@pg:5433/marketing?sslmode=require", d.DSN())
}
