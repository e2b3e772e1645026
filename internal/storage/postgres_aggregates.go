package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/marketing-analytics/internal/models"
)

// advisory lock class for per-date aggregate replacement
const aggregateLockClass int32 = 0x4147

var aggregateTables = []string{
	"campaign_performance",
	"channel_performance",
	"segment_performance",
	"segment_cac",
	"channel_roas",
}

// =============================================
// HOURLY EVENTS
// =============================================

// PostgresHourlyRepo implements HourlyRepo on analytics.hourly_events.
type PostgresHourlyRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresHourlyRepo(pool *pgxpool.Pool) *PostgresHourlyRepo {
	return &PostgresHourlyRepo{pool: pool}
}

// Upsert writes all rows in one transaction.
func (r *PostgresHourlyRepo) Upsert(ctx context.Context, rows []models.HourlyEvent) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, classifyPostgres("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO analytics.hourly_events
				(campaign_id, channel_id, event_date, event_hour, event_name, unique_users, event_count, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (campaign_id, channel_id, event_date, event_hour, event_name) DO UPDATE SET
				unique_users = EXCLUDED.unique_users,
				event_count = EXCLUDED.event_count,
				updated_at = EXCLUDED.updated_at
		`, row.CampaignID, row.ChannelID, models.DateOf(row.Date), row.Hour, row.EventName, row.UniqueUsers, row.EventCount)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, classifyPostgres("upsert hourly events", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPostgres("commit hourly events", err)
	}
	return len(rows), nil
}

func (r *PostgresHourlyRepo) List(ctx context.Context, startDate, endDate time.Time) ([]models.HourlyEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT campaign_id, channel_id, event_date, event_hour, event_name, unique_users, event_count
		FROM analytics.hourly_events
		WHERE event_date BETWEEN $1 AND $2
		ORDER BY event_date, event_hour, campaign_id, channel_id, event_name
	`, models.DateOf(startDate), models.DateOf(endDate))
	if err != nil {
		return nil, classifyPostgres("list hourly events", err)
	}
	defer rows.Close()

	result := make([]models.HourlyEvent, 0)
	for rows.Next() {
		var h models.HourlyEvent
		if err := rows.Scan(&h.CampaignID, &h.ChannelID, &h.Date, &h.Hour, &h.EventName, &h.UniqueUsers, &h.EventCount); err != nil {
			return nil, fmt.Errorf("failed to scan hourly event: %w", err)
		}
		h.Date = models.DateOf(h.Date)
		result = append(result, h)
	}
	return result, rows.Err()
}

// =============================================
// DAILY AGGREGATES
// =============================================

// PostgresAggregateRepo implements AggregateRepo. Each date is replaced
// in its own transaction under a transaction-scoped advisory lock.
type PostgresAggregateRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresAggregateRepo(pool *pgxpool.Pool) *PostgresAggregateRepo {
	return &PostgresAggregateRepo{pool: pool}
}

func (r *PostgresAggregateRepo) Replace(ctx context.Context, set *models.AggregateSet) (*ReplaceResult, error) {
	result := &ReplaceResult{}
	for _, date := range set.Dates {
		date = models.DateOf(date)
		replaced, err := r.replaceDate(ctx, date, set.ForDate(date))
		if err != nil {
			return result, err
		}
		if replaced {
			result.Replaced = append(result.Replaced, date)
		} else {
			result.Discarded = append(result.Discarded, date)
		}
	}
	return result, nil
}

func (r *PostgresAggregateRepo) replaceDate(ctx context.Context, date time.Time, rows *models.AggregateSet) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, classifyPostgres("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	dayNumber := int32(date.Unix() / 86400)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, aggregateLockClass, dayNumber); err != nil {
		return false, classifyPostgres("lock aggregate date", err)
	}

	var stored int64
	err = tx.QueryRow(ctx, `SELECT version FROM analytics.aggregate_versions WHERE date = $1`, date).Scan(&stored)
	switch {
	case err == nil && stored > rows.Version:
		return false, nil
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return false, classifyPostgres("read aggregate version", err)
	}

	for _, table := range aggregateTables {
		if _, err := tx.Exec(ctx, `DELETE FROM analytics.`+table+` WHERE date = $1`, date); err != nil {
			return false, fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := copyAggregates(ctx, tx, rows); err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO analytics.aggregate_versions (date, version, refreshed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (date) DO UPDATE SET
			version = EXCLUDED.version,
			refreshed_at = EXCLUDED.refreshed_at
	`, date, rows.Version)
	if err != nil {
		return false, fmt.Errorf("failed to store aggregate version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, classifyPostgres("commit aggregates", err)
	}
	return true, nil
}

func copyAggregates(ctx context.Context, tx pgx.Tx, set *models.AggregateSet) error {
	copies := []struct {
		table   string
		columns []string
		n       int
		row     func(i int) []any
	}{
		{
			table:   "campaign_performance",
			columns: []string{"date", "campaign_id", "campaign_name", "channel_id", "channel_name", "conversions", "total_conversion_value", "avg_conversion_value"},
			n:       len(set.CampaignPerformance),
			row: func(i int) []any {
				r := set.CampaignPerformance[i]
				return []any{r.Date, r.CampaignID, r.CampaignName, r.ChannelID, r.ChannelName, r.Conversions, r.TotalConversionValue, r.AvgConversionValue}
			},
		},
		{
			table:   "channel_performance",
			columns: []string{"date", "channel_id", "channel_name", "events", "unique_users", "clicks", "impressions", "ctr"},
			n:       len(set.ChannelPerformance),
			row: func(i int) []any {
				r := set.ChannelPerformance[i]
				return []any{r.Date, r.ChannelID, r.ChannelName, r.Events, r.UniqueUsers, r.Clicks, r.Impressions, r.CTR}
			},
		},
		{
			table:   "segment_performance",
			columns: []string{"date", "segment_id", "segment_name", "conversions", "total_conversion_value", "avg_conversion_value"},
			n:       len(set.SegmentPerformance),
			row: func(i int) []any {
				r := set.SegmentPerformance[i]
				return []any{r.Date, r.SegmentID, r.SegmentName, r.Conversions, r.TotalConversionValue, r.AvgConversionValue}
			},
		},
		{
			table:   "segment_cac",
			columns: []string{"date", "segment_id", "segment_name", "cac"},
			n:       len(set.SegmentCAC),
			row: func(i int) []any {
				r := set.SegmentCAC[i]
				return []any{r.Date, r.SegmentID, r.SegmentName, r.CAC}
			},
		},
		{
			table:   "channel_roas",
			columns: []string{"date", "channel_id", "channel_name", "roas"},
			n:       len(set.ChannelROAS),
			row: func(i int) []any {
				r := set.ChannelROAS[i]
				return []any{r.Date, r.ChannelID, r.ChannelName, r.ROAS}
			},
		},
	}

	for _, c := range copies {
		if c.n == 0 {
			continue
		}
		row := c.row
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"analytics", c.table},
			c.columns,
			pgx.CopyFromSlice(c.n, func(i int) ([]any, error) { return row(i), nil }),
		)
		if err != nil {
			return fmt.Errorf("failed to copy %s rows: %w", c.table, err)
		}
	}
	return nil
}

func (r *PostgresAggregateRepo) Query(ctx context.Context, q AggregateQuery) (*models.AggregateSet, error) {
	from, to := models.DateOf(q.StartDate), models.DateOf(q.EndDate)
	out := &models.AggregateSet{Dates: models.DayWindow(from, to).Dates()}

	var err error
	if out.CampaignPerformance, err = r.campaignPerformance(ctx, from, to, q.ChannelID); err != nil {
		return nil, err
	}
	if out.ChannelPerformance, err = r.channelPerformance(ctx, from, to, q.ChannelID); err != nil {
		return nil, err
	}
	if out.SegmentPerformance, err = r.segmentPerformance(ctx, from, to, q.SegmentID); err != nil {
		return nil, err
	}
	if out.SegmentCAC, err = r.segmentCAC(ctx, from, to, q.SegmentID); err != nil {
		return nil, err
	}
	if out.ChannelROAS, err = r.channelROAS(ctx, from, to, q.ChannelID); err != nil {
		return nil, err
	}
	return out, nil
}

// entityFilter matches every row when id is 0.
func entityFilter(column string) string {
	return ` AND ($3::BIGINT = 0 OR ` + column + ` = $3)`
}

func (r *PostgresAggregateRepo) campaignPerformance(ctx context.Context, from, to time.Time, channelID int64) ([]models.CampaignPerformance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date, campaign_id, campaign_name, channel_id, channel_name,
			   conversions, total_conversion_value, avg_conversion_value
		FROM analytics.campaign_performance
		WHERE date BETWEEN $1 AND $2`+entityFilter("channel_id")+`
		ORDER BY date, campaign_id
	`, from, to, channelID)
	if err != nil {
		return nil, classifyPostgres("query campaign performance", err)
	}
	defer rows.Close()

	result := make([]models.CampaignPerformance, 0)
	for rows.Next() {
		var p models.CampaignPerformance
		if err := rows.Scan(&p.Date, &p.CampaignID, &p.CampaignName, &p.ChannelID, &p.ChannelName,
			&p.Conversions, &p.TotalConversionValue, &p.AvgConversionValue); err != nil {
			return nil, err
		}
		p.Date = models.DateOf(p.Date)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *PostgresAggregateRepo) channelPerformance(ctx context.Context, from, to time.Time, channelID int64) ([]models.ChannelPerformance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date, channel_id, channel_name, events, unique_users, clicks, impressions, ctr
		FROM analytics.channel_performance
		WHERE date BETWEEN $1 AND $2`+entityFilter("channel_id")+`
		ORDER BY date, channel_id
	`, from, to, channelID)
	if err != nil {
		return nil, classifyPostgres("query channel performance", err)
	}
	defer rows.Close()

	result := make([]models.ChannelPerformance, 0)
	for rows.Next() {
		var p models.ChannelPerformance
		if err := rows.Scan(&p.Date, &p.ChannelID, &p.ChannelName, &p.Events, &p.UniqueUsers,
			&p.Clicks, &p.Impressions, &p.CTR); err != nil {
			return nil, err
		}
		p.Date = models.DateOf(p.Date)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *PostgresAggregateRepo) segmentPerformance(ctx context.Context, from, to time.Time, segmentID int64) ([]models.SegmentPerformance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date, segment_id, segment_name, conversions, total_conversion_value, avg_conversion_value
		FROM analytics.segment_performance
		WHERE date BETWEEN $1 AND $2`+entityFilter("segment_id")+`
		ORDER BY date, segment_id
	`, from, to, segmentID)
	if err != nil {
		return nil, classifyPostgres("query segment performance", err)
	}
	defer rows.Close()

	result := make([]models.SegmentPerformance, 0)
	for rows.Next() {
		var p models.SegmentPerformance
		if err := rows.Scan(&p.Date, &p.SegmentID, &p.SegmentName, &p.Conversions,
			&p.TotalConversionValue, &p.AvgConversionValue); err != nil {
			return nil, err
		}
		p.Date = models.DateOf(p.Date)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *PostgresAggregateRepo) segmentCAC(ctx context.Context, from, to time.Time, segmentID int64) ([]models.SegmentCAC, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date, segment_id, segment_name, cac
		FROM analytics.segment_cac
		WHERE date BETWEEN $1 AND $2`+entityFilter("segment_id")+`
		ORDER BY date, segment_id
	`, from, to, segmentID)
	if err != nil {
		return nil, classifyPostgres("query segment cac", err)
	}
	defer rows.Close()

	result := make([]models.SegmentCAC, 0)
	for rows.Next() {
		var c models.SegmentCAC
		if err := rows.Scan(&c.Date, &c.SegmentID, &c.SegmentName, &c.CAC); err != nil {
			return nil, err
		}
		c.Date = models.DateOf(c.Date)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *PostgresAggregateRepo) channelROAS(ctx context.Context, from, to time.Time, channelID int64) ([]models.ChannelROAS, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date, channel_id, channel_name, roas
		FROM analytics.channel_roas
		WHERE date BETWEEN $1 AND $2`+entityFilter("channel_id")+`
		ORDER BY date, channel_id
	`, from, to, channelID)
	if err != nil {
		return nil, classifyPostgres("query channel roas", err)
	}
	defer rows.Close()

	result := make([]models.ChannelROAS, 0)
	for rows.Next() {
		var c models.ChannelROAS
		if err := rows.Scan(&c.Date, &c.ChannelID, &c.ChannelName, &c.ROAS); err != nil {
			return nil, err
		}
		c.Date = models.DateOf(c.Date)
		result = append(result, c)
	}
	return result, rows.Err()
}
