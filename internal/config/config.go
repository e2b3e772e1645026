package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every configuration variable, e.g. ANALYTICS_DB_HOST.
const EnvPrefix = "ANALYTICS"

// Config holds all configuration for the analytics pipeline.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig   `envconfig:"DB"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Redis      RedisConfig
	Log        LogConfig
	Metrics    MetricsConfig
	ETL        ETLConfig
	Reporting  ReportingConfig

	// FactsDriver selects the fact store backend: postgres or clickhouse.
	FactsDriver string `envconfig:"FACTS_DRIVER" default:"postgres"`
}

type ServerConfig struct {
	Env             string        `envconfig:"ENV" default:"development"`
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

type DatabaseConfig struct {
	Host     string `default:"localhost"`
	Port     int    `default:"5432"`
	User     string `default:"analytics"`
	Password string `default:"analytics_secret"`
	DBName   string `envconfig:"NAME" default:"marketing"`
	SSLMode  string `envconfig:"SSLMODE" default:"disable"`
	MaxConns int    `envconfig:"MAX_CONNS" default:"25"`
	MinConns int    `envconfig:"MIN_CONNS" default:"5"`

	// AutoMigrate applies pending migrations on startup.
	AutoMigrate bool `envconfig:"AUTO_MIGRATE" default:"true"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type ClickHouseConfig struct {
	Host            string        `default:"localhost"`
	Port            int           `default:"9000"`
	Database        string        `default:"marketing"`
	User            string        `default:"default"`
	Password        string        `default:""`
	UseTLS          bool          `envconfig:"USE_TLS" default:"false"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"1h"`
}

// Addr returns host:port.
func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RedisConfig struct {
	Enabled  bool   `default:"true"`
	Addr     string `default:"localhost:6379"`
	Password string `default:""`
	DB       int    `default:"0"`
}

type LogConfig struct {
	Level  string `default:"info"`
	Format string `default:"json"`
	// File, when set, also writes logs to a rotating file.
	File       string `default:""`
	MaxSizeMB  int    `envconfig:"MAX_SIZE_MB" default:"100"`
	MaxBackups int    `envconfig:"MAX_BACKUPS" default:"5"`
	MaxAgeDays int    `envconfig:"MAX_AGE_DAYS" default:"30"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `default:"true"`
	Path      string `default:"/metrics"`
	Namespace string `default:"marketing_analytics"`
}

// ETLConfig tunes the incremental loader.
type ETLConfig struct {
	SliceWidth     time.Duration `envconfig:"SLICE_WIDTH" default:"1h"`
	ExtractTimeout time.Duration `envconfig:"EXTRACT_TIMEOUT" default:"2m"`
	LoadTimeout    time.Duration `envconfig:"LOAD_TIMEOUT" default:"2m"`
	RefreshTimeout time.Duration `envconfig:"REFRESH_TIMEOUT" default:"5m"`
	LockTTL        time.Duration `envconfig:"LOCK_TTL" default:"15m"`

	// ScheduleDelay waits after the hour boundary so late facts land first.
	ScheduleDelay time.Duration `envconfig:"SCHEDULE_DELAY" default:"5m"`
	// ArchiveAt is the offset after UTC midnight for the daily archive.
	ArchiveAt time.Duration `envconfig:"ARCHIVE_AT" default:"30m"`
	// RetentionDays prunes raw facts older than this after archiving. 0 keeps everything.
	RetentionDays int `envconfig:"RETENTION_DAYS" default:"0"`

	BackfillParallelism int `envconfig:"BACKFILL_PARALLELISM" default:"4"`
}

// ReportingConfig configures the serving query.
type ReportingConfig struct {
	DefaultWindowDays int           `envconfig:"DEFAULT_WINDOW_DAYS" default:"30"`
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"10m"`
}

// Load reads configuration from ANALYTICS_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	switch c.FactsDriver {
	case "postgres", "clickhouse":
	default:
		return fmt.Errorf("unsupported facts driver %q (supported: postgres, clickhouse)", c.FactsDriver)
	}
	if c.ETL.SliceWidth <= 0 || c.ETL.SliceWidth%time.Hour != 0 {
		return fmt.Errorf("ANALYTICS_ETL_SLICE_WIDTH must be a positive whole number of hours, got %s", c.ETL.SliceWidth)
	}
	if c.ETL.RetentionDays < 0 {
		return fmt.Errorf("ANALYTICS_ETL_RETENTION_DAYS must not be negative")
	}
	if c.ETL.BackfillParallelism < 1 {
		return fmt.Errorf("ANALYTICS_ETL_BACKFILL_PARALLELISM must be at least 1")
	}
	if c.Reporting.DefaultWindowDays < 1 {
		return fmt.Errorf("ANALYTICS_REPORTING_DEFAULT_WINDOW_DAYS must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
