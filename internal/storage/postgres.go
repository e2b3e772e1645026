package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/marketing-analytics/internal/models"
)

// PostgresReferenceRepo implements ReferenceRepo using PostgreSQL.
type PostgresReferenceRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresReferenceRepo(pool *pgxpool.Pool) *PostgresReferenceRepo {
	return &PostgresReferenceRepo{pool: pool}
}

func (r *PostgresReferenceRepo) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, type, cost_model
		FROM analytics.channels ORDER BY id
	`)
	if err != nil {
		return nil, classifyPostgres("list channels", err)
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.CostModel); err != nil {
			return nil, err
		}
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

func (r *PostgresReferenceRepo) ListCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, channel_id, start_date, end_date, budget, spend, status
		FROM analytics.campaigns ORDER BY id
	`)
	if err != nil {
		return nil, classifyPostgres("list campaigns", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *PostgresReferenceRepo) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, channel_id, start_date, end_date, budget, spend, status
		FROM analytics.campaigns WHERE id = $1
	`, id)

	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	if err := row.Scan(&c.ID, &c.Name, &c.ChannelID, &c.StartDate, &c.EndDate, &c.Budget, &c.SpendToDate, &c.Status); err != nil {
		return nil, err
	}
	c.StartDate = models.DateOf(c.StartDate)
	if c.EndDate != nil {
		end := models.DateOf(*c.EndDate)
		c.EndDate = &end
	}
	return &c, nil
}

func (r *PostgresReferenceRepo) ListSegments(ctx context.Context) ([]*models.Segment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description
		FROM analytics.segments ORDER BY id
	`)
	if err != nil {
		return nil, classifyPostgres("list segments", err)
	}
	defer rows.Close()

	var segments []*models.Segment
	for rows.Next() {
		var s models.Segment
		if err := rows.Scan(&s.ID, &s.Name, &s.Description); err != nil {
			return nil, err
		}
		segments = append(segments, &s)
	}
	return segments, rows.Err()
}

func (r *PostgresReferenceRepo) ListUserSegments(ctx context.Context) ([]models.UserSegment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, segment_id
		FROM analytics.user_segments ORDER BY user_id, segment_id
	`)
	if err != nil {
		return nil, classifyPostgres("list user segments", err)
	}
	defer rows.Close()

	var result []models.UserSegment
	for rows.Next() {
		var us models.UserSegment
		if err := rows.Scan(&us.UserID, &us.SegmentID); err != nil {
			return nil, err
		}
		result = append(result, us)
	}
	return result, rows.Err()
}

func (r *PostgresReferenceRepo) UpsertChannel(ctx context.Context, ch *models.Channel) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO analytics.channels (id, name, type, cost_model)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			cost_model = EXCLUDED.cost_model
	`, ch.ID, ch.Name, ch.Type, ch.CostModel)
	if err != nil {
		return fmt.Errorf("failed to upsert channel: %w", err)
	}
	return nil
}

func (r *PostgresReferenceRepo) UpsertCampaign(ctx context.Context, c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO analytics.campaigns (id, name, channel_id, start_date, end_date, budget, spend, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			channel_id = EXCLUDED.channel_id,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			budget = EXCLUDED.budget,
			spend = EXCLUDED.spend,
			status = EXCLUDED.status
	`, c.ID, c.Name, c.ChannelID, c.StartDate, c.EndDate, c.Budget, c.SpendToDate, c.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}
	return nil
}

func (r *PostgresReferenceRepo) UpsertSegment(ctx context.Context, s *models.Segment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO analytics.segments (id, name, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description
	`, s.ID, s.Name, s.Description)
	if err != nil {
		return fmt.Errorf("failed to upsert segment: %w", err)
	}
	return nil
}

func (r *PostgresReferenceRepo) AssignUserSegment(ctx context.Context, us models.UserSegment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO analytics.user_segments (user_id, segment_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, segment_id) DO NOTHING
	`, us.UserID, us.SegmentID)
	if err != nil {
		return fmt.Errorf("failed to assign user segment: %w", err)
	}
	return nil
}
