package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/models"
)

// InMemoryFactStore provides in-memory storage for events and conversions.
type InMemoryFactStore struct {
	mu          sync.RWMutex
	events      []models.Event
	conversions []models.Conversion
	nextEventID int64
	nextConvID  int64

	// archive table name -> snapshot
	archivedEvents      map[string][]models.Event
	archivedConversions map[string][]models.Conversion

	// used to resolve FactQuery.SegmentID, may be nil
	refs ReferenceRepo
}

// NewInMemoryFactStore creates a new in-memory fact store. refs resolves
// segment filters and may be nil.
func NewInMemoryFactStore(refs ReferenceRepo) *InMemoryFactStore {
	return &InMemoryFactStore{
		archivedEvents:      make(map[string][]models.Event),
		archivedConversions: make(map[string][]models.Conversion),
		refs:                refs,
	}
}

// =============================================
// Events
// =============================================

func (s *InMemoryFactStore) InsertEvents(ctx context.Context, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if e.ID == 0 {
			s.nextEventID++
			e.ID = s.nextEventID
		} else if e.ID > s.nextEventID {
			s.nextEventID = e.ID
		}
		s.events = append(s.events, e)
	}
	return nil
}

func (s *InMemoryFactStore) Events(ctx context.Context, q FactQuery) ([]models.Event, error) {
	members, err := segmentMembers(ctx, s.refs, q.SegmentID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Event, 0)
	for _, e := range s.events {
		if !matches(q, members, e.Timestamp, e.UserID, e.CampaignID, e.ChannelID) {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================
// Conversions
// =============================================

func (s *InMemoryFactStore) InsertConversions(ctx context.Context, conversions []models.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range conversions {
		if c.ID == 0 {
			s.nextConvID++
			c.ID = s.nextConvID
		} else if c.ID > s.nextConvID {
			s.nextConvID = c.ID
		}
		s.conversions = append(s.conversions, c)
	}
	return nil
}

func (s *InMemoryFactStore) Conversions(ctx context.Context, q FactQuery) ([]models.Conversion, error) {
	members, err := segmentMembers(ctx, s.refs, q.SegmentID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Conversion, 0)
	for _, c := range s.conversions {
		if !matches(q, members, c.Timestamp, c.UserID, c.CampaignID, c.ChannelID) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryFactStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// =============================================
// Archive
// =============================================

// ArchiveDay snapshots the day's facts once. Later calls for the same day
// report the existing snapshot.
func (s *InMemoryFactStore) ArchiveDay(ctx context.Context, day time.Time) (*ArchiveResult, error) {
	day = models.DateOf(day)
	eventsTable, conversionsTable := ArchiveTableNames(day)
	window := models.DayWindow(day, day)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.archivedEvents[eventsTable]; !ok {
		snapshot := make([]models.Event, 0)
		for _, e := range s.events {
			if window.Contains(e.Timestamp) {
				snapshot = append(snapshot, e)
			}
		}
		s.archivedEvents[eventsTable] = snapshot
	}
	if _, ok := s.archivedConversions[conversionsTable]; !ok {
		snapshot := make([]models.Conversion, 0)
		for _, c := range s.conversions {
			if window.Contains(c.Timestamp) {
				snapshot = append(snapshot, c)
			}
		}
		s.archivedConversions[conversionsTable] = snapshot
	}

	return &ArchiveResult{
		Day:              day,
		EventsTable:      eventsTable,
		ConversionsTable: conversionsTable,
		Events:           int64(len(s.archivedEvents[eventsTable])),
		Conversions:      int64(len(s.archivedConversions[conversionsTable])),
	}, nil
}

// PruneBefore drops raw facts older than cutoff. Archived snapshots are kept.
func (s *InMemoryFactStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	events := s.events[:0]
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		events = append(events, e)
	}
	s.events = events

	conversions := s.conversions[:0]
	for _, c := range s.conversions {
		if c.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		conversions = append(conversions, c)
	}
	s.conversions = conversions

	return removed, nil
}

// ArchiveTableNames returns the per-day snapshot table names, without schema.
func ArchiveTableNames(day time.Time) (events, conversions string) {
	suffix := models.DateOf(day).Format("2006_01_02")
	return "daily_events_" + suffix, "daily_conversions_" + suffix
}

// =============================================
// Helpers
// =============================================

func matches(q FactQuery, members map[string]struct{}, ts time.Time, userID string, campaignID, channelID int64) bool {
	if ts.Before(q.Start) || !ts.Before(q.End) {
		return false
	}
	if q.ChannelID != 0 && channelID != q.ChannelID {
		return false
	}
	if q.CampaignID != 0 && campaignID != q.CampaignID {
		return false
	}
	if q.SegmentID != 0 {
		if _, ok := members[userID]; !ok {
			return false
		}
	}
	return true
}

// segmentMembers returns the users of segmentID, or nil when no segment
// filter is requested.
func segmentMembers(ctx context.Context, refs ReferenceRepo, segmentID int64) (map[string]struct{}, error) {
	if segmentID == 0 {
		return nil, nil
	}
	members := make(map[string]struct{})
	if refs == nil {
		return members, nil
	}
	assignments, err := refs.ListUserSegments(ctx)
	if err != nil {
		return nil, err
	}
	for _, us := range assignments {
		if us.SegmentID == segmentID {
			members[us.UserID] = struct{}{}
		}
	}
	return members, nil
}
