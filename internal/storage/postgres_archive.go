package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/marketing-analytics/internal/models"
)

// PostgresArchiver snapshots a day of raw facts into per-day tables in
// the archive schema.
type PostgresArchiver struct {
	pool *pgxpool.Pool
}

func NewPostgresArchiver(pool *pgxpool.Pool) *PostgresArchiver {
	return &PostgresArchiver{pool: pool}
}

// ArchiveDay is idempotent: snapshot tables keep the source primary key
// and rows already copied are skipped.
func (a *PostgresArchiver) ArchiveDay(ctx context.Context, day time.Time) (*ArchiveResult, error) {
	day = models.DateOf(day)
	next := day.AddDate(0, 0, 1)
	eventsTable, conversionsTable := ArchiveTableNames(day)

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPostgres("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	events, err := snapshot(ctx, tx, "raw.user_events", "event_time", eventsTable, day, next)
	if err != nil {
		return nil, err
	}
	conversions, err := snapshot(ctx, tx, "analytics.conversions", "conversion_time", conversionsTable, day, next)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPostgres("commit archive", err)
	}

	return &ArchiveResult{
		Day:              day,
		EventsTable:      "archive." + eventsTable,
		ConversionsTable: "archive." + conversionsTable,
		Events:           events,
		Conversions:      conversions,
	}, nil
}

func snapshot(ctx context.Context, tx pgx.Tx, source, tsColumn, table string, from, to time.Time) (int64, error) {
	target := pgx.Identifier{"archive", table}.Sanitize()

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+target+` (LIKE `+source+` INCLUDING INDEXES)`); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", target, err)
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO `+target+`
		SELECT * FROM `+source+`
		WHERE `+tsColumn+` >= $1 AND `+tsColumn+` < $2
		ON CONFLICT (id) DO NOTHING
	`, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to fill %s: %w", target, err)
	}

	var count int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM `+target).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", target, err)
	}
	return count, nil
}

// PruneBefore deletes raw facts older than cutoff.
func (a *PostgresArchiver) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, classifyPostgres("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	events, err := tx.Exec(ctx, `DELETE FROM raw.user_events WHERE event_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	conversions, err := tx.Exec(ctx, `DELETE FROM analytics.conversions WHERE conversion_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune conversions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPostgres("commit prune", err)
	}
	return events.RowsAffected() + conversions.RowsAffected(), nil
}
