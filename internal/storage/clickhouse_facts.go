package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/radiusdt/marketing-analytics/internal/models"
	"go.uber.org/zap"
)

// ClickHouseFactStore implements FactStore on ReplacingMergeTree tables,
// for deployments where raw facts outgrow PostgreSQL. Reference data
// stays in PostgreSQL; refs resolves segment filters.
type ClickHouseFactStore struct {
	conn   driver.Conn
	refs   ReferenceRepo
	logger *zap.Logger
}

func NewClickHouseFactStore(conn driver.Conn, refs ReferenceRepo, logger *zap.Logger) *ClickHouseFactStore {
	return &ClickHouseFactStore{conn: conn, refs: refs, logger: logger}
}

// InitSchema creates the fact tables. Re-inserting a fact with the same
// key is collapsed by the engine, so ingestion can be retried.
func (s *ClickHouseFactStore) InitSchema(ctx context.Context) error {
	statements := []string{`
	CREATE TABLE IF NOT EXISTS user_events (
		id Int64,
		user_id String,
		name LowCardinality(String),
		event_time DateTime64(3, 'UTC'),
		campaign_id Int64,
		channel_id Int64,
		referrer String,
		device LowCardinality(String),
		browser LowCardinality(String),
		location String,
		properties String,
		version UInt64
	) ENGINE = ReplacingMergeTree(version)
	PARTITION BY toYYYYMM(event_time)
	ORDER BY (event_time, id)
	`, `
	CREATE TABLE IF NOT EXISTS conversions (
		id Int64,
		user_id String,
		type LowCardinality(String),
		value Float64,
		campaign_id Int64,
		channel_id Int64,
		conversion_time DateTime64(3, 'UTC'),
		version UInt64
	) ENGINE = ReplacingMergeTree(version)
	PARTITION BY toYYYYMM(conversion_time)
	ORDER BY (conversion_time, id)
	`}

	for _, stmt := range statements {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create fact table: %w", err)
		}
	}

	s.logger.Info("ClickHouse fact schema initialized")
	return nil
}

func (s *ClickHouseFactStore) Events(ctx context.Context, q FactQuery) ([]models.Event, error) {
	where, args, empty, err := s.filter(ctx, q, "event_time")
	if err != nil {
		return nil, err
	}
	events := make([]models.Event, 0)
	if empty {
		return events, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, user_id, name, event_time, campaign_id, channel_id,
			referrer, device, browser, location, properties
		FROM user_events FINAL
		WHERE `+where+`
		ORDER BY event_time, id
	`, args...)
	if err != nil {
		return nil, classifyClickHouse("query events", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e          models.Event
			properties string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Timestamp, &e.CampaignID, &e.ChannelID,
			&e.Referrer, &e.Device, &e.Browser, &e.Location, &properties); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if properties != "" && properties != "{}" {
			if err := json.Unmarshal([]byte(properties), &e.Properties); err != nil {
				s.logger.Warn("dropping unreadable event properties", zap.Int64("event_id", e.ID), zap.Error(err))
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyClickHouse("read events", err)
	}
	return events, nil
}

func (s *ClickHouseFactStore) Conversions(ctx context.Context, q FactQuery) ([]models.Conversion, error) {
	where, args, empty, err := s.filter(ctx, q, "conversion_time")
	if err != nil {
		return nil, err
	}
	conversions := make([]models.Conversion, 0)
	if empty {
		return conversions, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, user_id, type, value, campaign_id, channel_id, conversion_time
		FROM conversions FINAL
		WHERE `+where+`
		ORDER BY conversion_time, id
	`, args...)
	if err != nil {
		return nil, classifyClickHouse("query conversions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.Conversion
		if err := rows.Scan(&c.ID, &c.UserID, &c.Type, &c.Value, &c.CampaignID, &c.ChannelID, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		conversions = append(conversions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyClickHouse("read conversions", err)
	}
	return conversions, nil
}

// InsertEvents sends events as one batch. ClickHouse has no sequences, so
// every event needs an id.
func (s *ClickHouseFactStore) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO user_events")
	if err != nil {
		return classifyClickHouse("prepare event batch", err)
	}

	version := uint64(time.Now().UnixNano())
	for _, e := range events {
		if e.ID == 0 {
			batch.Abort()
			return errors.New("event id is required")
		}
		properties := "{}"
		if len(e.Properties) > 0 {
			raw, err := json.Marshal(e.Properties)
			if err != nil {
				batch.Abort()
				return fmt.Errorf("failed to encode properties of event %d: %w", e.ID, err)
			}
			properties = string(raw)
		}
		if err := batch.Append(e.ID, e.UserID, e.Name, e.Timestamp.UTC(), e.CampaignID, e.ChannelID,
			e.Referrer, e.Device, e.Browser, e.Location, properties, version); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append event to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return classifyClickHouse("send event batch", err)
	}
	return nil
}

func (s *ClickHouseFactStore) InsertConversions(ctx context.Context, conversions []models.Conversion) error {
	if len(conversions) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO conversions")
	if err != nil {
		return classifyClickHouse("prepare conversion batch", err)
	}

	version := uint64(time.Now().UnixNano())
	for _, c := range conversions {
		if c.ID == 0 {
			batch.Abort()
			return errors.New("conversion id is required")
		}
		if err := batch.Append(c.ID, c.UserID, c.Type, c.Value, c.CampaignID, c.ChannelID, c.Timestamp.UTC(), version); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append conversion to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return classifyClickHouse("send conversion batch", err)
	}
	return nil
}

func (s *ClickHouseFactStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return classifyClickHouse("ping fact store", err)
	}
	return nil
}

// filter builds the WHERE clause. empty is true when a segment filter
// matches no users, so the query can be skipped.
func (s *ClickHouseFactStore) filter(ctx context.Context, q FactQuery, tsColumn string) (string, []any, bool, error) {
	where := []string{tsColumn + " >= ?", tsColumn + " < ?"}
	args := []any{q.Start.UTC(), q.End.UTC()}

	if q.ChannelID != 0 {
		where = append(where, "channel_id = ?")
		args = append(args, q.ChannelID)
	}
	if q.CampaignID != 0 {
		where = append(where, "campaign_id = ?")
		args = append(args, q.CampaignID)
	}
	if q.SegmentID != 0 {
		members, err := segmentMembers(ctx, s.refs, q.SegmentID)
		if err != nil {
			return "", nil, false, err
		}
		if len(members) == 0 {
			return "", nil, true, nil
		}
		users := make([]string, 0, len(members))
		for u := range members {
			users = append(users, u)
		}
		where = append(where, "user_id IN (?)")
		args = append(args, users)
	}

	return strings.Join(where, " AND "), args, false, nil
}

func classifyClickHouse(op string, err error) error {
	var exception *clickhouse.Exception
	if errors.As(err, &exception) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, ErrSourceUnavailable, err)
}
