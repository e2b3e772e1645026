package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/marketing-analytics/internal/models"
)

// PostgresFactStore implements FactStore on raw.user_events and
// analytics.conversions.
type PostgresFactStore struct {
	pool *pgxpool.Pool
}

// NewPostgresFactStore creates a new PostgreSQL-backed fact store.
func NewPostgresFactStore(pool *pgxpool.Pool) *PostgresFactStore {
	return &PostgresFactStore{pool: pool}
}

func (s *PostgresFactStore) Events(ctx context.Context, q FactQuery) ([]models.Event, error) {
	where, args := factFilter(q, "event_time")
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, event_time, campaign_id, channel_id,
			   COALESCE(referrer, ''), COALESCE(device, ''), COALESCE(browser, ''), COALESCE(location, ''),
			   properties
		FROM raw.user_events
		WHERE `+where+`
		ORDER BY event_time, id
	`, args...)
	if err != nil {
		return nil, classifyPostgres("query events", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Name, &e.Timestamp, &e.CampaignID, &e.ChannelID,
			&e.Referrer, &e.Device, &e.Browser, &e.Location,
			&e.Properties,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres("read events", err)
	}
	return events, nil
}

func (s *PostgresFactStore) Conversions(ctx context.Context, q FactQuery) ([]models.Conversion, error) {
	where, args := factFilter(q, "conversion_time")
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, COALESCE(value, 0), campaign_id, channel_id, conversion_time
		FROM analytics.conversions
		WHERE `+where+`
		ORDER BY conversion_time, id
	`, args...)
	if err != nil {
		return nil, classifyPostgres("query conversions", err)
	}
	defer rows.Close()

	conversions := make([]models.Conversion, 0)
	for rows.Next() {
		var c models.Conversion
		if err := rows.Scan(&c.ID, &c.UserID, &c.Type, &c.Value, &c.CampaignID, &c.ChannelID, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		conversions = append(conversions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres("read conversions", err)
	}
	return conversions, nil
}

// InsertEvents appends events in one batch. Events with an id that
// already exists are ignored.
func (s *PostgresFactStore) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		if e.ID == 0 {
			batch.Queue(`
				INSERT INTO raw.user_events (user_id, name, event_time, campaign_id, channel_id, referrer, device, browser, location, properties)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, e.UserID, e.Name, e.Timestamp, e.CampaignID, e.ChannelID, e.Referrer, e.Device, e.Browser, e.Location, e.Properties)
			continue
		}
		batch.Queue(`
			INSERT INTO raw.user_events (id, user_id, name, event_time, campaign_id, channel_id, referrer, device, browser, location, properties)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.UserID, e.Name, e.Timestamp, e.CampaignID, e.ChannelID, e.Referrer, e.Device, e.Browser, e.Location, e.Properties)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return classifyPostgres("insert events", err)
	}
	return nil
}

func (s *PostgresFactStore) InsertConversions(ctx context.Context, conversions []models.Conversion) error {
	if len(conversions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range conversions {
		if c.ID == 0 {
			batch.Queue(`
				INSERT INTO analytics.conversions (user_id, type, value, campaign_id, channel_id, conversion_time)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, c.UserID, c.Type, c.Value, c.CampaignID, c.ChannelID, c.Timestamp)
			continue
		}
		batch.Queue(`
			INSERT INTO analytics.conversions (id, user_id, type, value, campaign_id, channel_id, conversion_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, c.ID, c.UserID, c.Type, c.Value, c.CampaignID, c.ChannelID, c.Timestamp)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return classifyPostgres("insert conversions", err)
	}
	return nil
}

func (s *PostgresFactStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classifyPostgres("ping fact store", err)
	}
	return nil
}

// factFilter builds the WHERE clause for q against the given timestamp column.
func factFilter(q FactQuery, tsColumn string) (string, []any) {
	args := []any{q.Start, q.End}
	where := []string{tsColumn + " >= $1", tsColumn + " < $2"}

	if q.ChannelID != 0 {
		args = append(args, q.ChannelID)
		where = append(where, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if q.CampaignID != 0 {
		args = append(args, q.CampaignID)
		where = append(where, fmt.Sprintf("campaign_id = $%d", len(args)))
	}
	if q.SegmentID != 0 {
		args = append(args, q.SegmentID)
		where = append(where, fmt.Sprintf(
			"user_id IN (SELECT user_id FROM analytics.user_segments WHERE segment_id = $%d)", len(args)))
	}

	return strings.Join(where, " AND "), args
}
