package storage

import (
	"context"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/models"
)

// =============================================
// FACT STORE
// =============================================

// FactQuery selects facts with Start <= timestamp < End. Zero ids mean
// no filter on that dimension.
type FactQuery struct {
	Start      time.Time
	End        time.Time
	ChannelID  int64
	CampaignID int64
	SegmentID  int64
}

// FactStore reads and appends raw events and conversions. Implementations
// wrap connectivity failures with ErrSourceUnavailable.
type FactStore interface {
	Events(ctx context.Context, q FactQuery) ([]models.Event, error)
	Conversions(ctx context.Context, q FactQuery) ([]models.Conversion, error)

	InsertEvents(ctx context.Context, events []models.Event) error
	InsertConversions(ctx context.Context, conversions []models.Conversion) error

	Ping(ctx context.Context) error
}

// =============================================
// REFERENCE DATA
// =============================================

// ReferenceRepo defines operations for channels, campaigns and segments.
type ReferenceRepo interface {
	ListChannels(ctx context.Context) ([]*models.Channel, error)
	ListCampaigns(ctx context.Context) ([]*models.Campaign, error)
	ListSegments(ctx context.Context) ([]*models.Segment, error)
	ListUserSegments(ctx context.Context) ([]models.UserSegment, error)

	GetCampaign(ctx context.Context, id int64) (*models.Campaign, error)

	UpsertChannel(ctx context.Context, ch *models.Channel) error
	UpsertCampaign(ctx context.Context, c *models.Campaign) error
	UpsertSegment(ctx context.Context, s *models.Segment) error
	AssignUserSegment(ctx context.Context, us models.UserSegment) error
}

// =============================================
// HOURLY EVENTS
// =============================================

// HourlyRepo stores hourly buckets keyed by models.HourlyKey.
type HourlyRepo interface {
	// Upsert replaces rows with an existing key and inserts the rest.
	Upsert(ctx context.Context, rows []models.HourlyEvent) (int, error)
	// List returns buckets with startDate <= event_date <= endDate.
	List(ctx context.Context, startDate, endDate time.Time) ([]models.HourlyEvent, error)
}

// =============================================
// AGGREGATES
// =============================================

// AggregateQuery selects aggregate rows with StartDate <= date <= EndDate.
// ChannelID filters campaign/channel views, SegmentID filters segment views.
type AggregateQuery struct {
	StartDate time.Time
	EndDate   time.Time
	ChannelID int64
	SegmentID int64
}

// ReplaceResult reports which dates a Replace wrote and which it dropped
// because a newer version was already stored.
type ReplaceResult struct {
	Replaced  []time.Time
	Discarded []time.Time
}

// AggregateRepo holds the five daily views.
type AggregateRepo interface {
	// Replace swaps the stored rows of every date in set.Dates for the
	// rows in set. Replacement of a date is serialized against concurrent
	// writers and skipped if the stored version is newer.
	Replace(ctx context.Context, set *models.AggregateSet) (*ReplaceResult, error)
	Query(ctx context.Context, q AggregateQuery) (*models.AggregateSet, error)
}

// =============================================
// ARCHIVE
// =============================================

// ArchiveResult describes one daily snapshot.
type ArchiveResult struct {
	Day              time.Time
	EventsTable      string
	ConversionsTable string
	Events           int64
	Conversions      int64
}

// Archiver snapshots a day of raw facts and prunes old ones.
type Archiver interface {
	ArchiveDay(ctx context.Context, day time.Time) (*ArchiveResult, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// =============================================
// COORDINATION
// =============================================

// SliceLocker grants short exclusive leases. Acquire returns ErrLockHeld
// when another holder owns key.
type SliceLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// ReportCache stores serialized reports tagged by a generation counter.
type ReportCache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Generation(ctx context.Context) (int64, error)
	// Invalidate bumps the generation so older entries are never read.
	Invalidate(ctx context.Context) error
}
