package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/models"
)

// =============================================
// Hourly events
// =============================================

type hourlyMapKey struct {
	campaignID int64
	channelID  int64
	date       int64
	hour       int
	eventName  string
}

func toHourlyMapKey(k models.HourlyKey) hourlyMapKey {
	return hourlyMapKey{
		campaignID: k.CampaignID,
		channelID:  k.ChannelID,
		date:       models.DateOf(k.Date).Unix(),
		hour:       k.Hour,
		eventName:  k.EventName,
	}
}

// InMemoryHourlyRepo is an in-memory HourlyRepo.
type InMemoryHourlyRepo struct {
	mu   sync.RWMutex
	rows map[hourlyMapKey]models.HourlyEvent
}

func NewInMemoryHourlyRepo() *InMemoryHourlyRepo {
	return &InMemoryHourlyRepo{rows: make(map[hourlyMapKey]models.HourlyEvent)}
}

func (r *InMemoryHourlyRepo) Upsert(ctx context.Context, rows []models.HourlyEvent) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range rows {
		row.Date = models.DateOf(row.Date)
		r.rows[toHourlyMapKey(row.HourlyKey)] = row
	}
	return len(rows), nil
}

func (r *InMemoryHourlyRepo) List(ctx context.Context, startDate, endDate time.Time) ([]models.HourlyEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	from, to := models.DateOf(startDate), models.DateOf(endDate)
	result := make([]models.HourlyEvent, 0)
	for _, row := range r.rows {
		if row.Date.Before(from) || row.Date.After(to) {
			continue
		}
		result = append(result, row)
	}
	sort.Slice(result, func(i, j int) bool { return hourlyLess(result[i].HourlyKey, result[j].HourlyKey) })
	return result, nil
}

func hourlyLess(a, b models.HourlyKey) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	if a.Hour != b.Hour {
		return a.Hour < b.Hour
	}
	if a.CampaignID != b.CampaignID {
		return a.CampaignID < b.CampaignID
	}
	if a.ChannelID != b.ChannelID {
		return a.ChannelID < b.ChannelID
	}
	return a.EventName < b.EventName
}

// =============================================
// Aggregates
// =============================================

type storedDay struct {
	version int64
	rows    *models.AggregateSet
}

// InMemoryAggregateRepo keeps one versioned row set per date. A single
// mutex serializes Replace.
type InMemoryAggregateRepo struct {
	mu   sync.RWMutex
	days map[int64]storedDay
}

func NewInMemoryAggregateRepo() *InMemoryAggregateRepo {
	return &InMemoryAggregateRepo{days: make(map[int64]storedDay)}
}

func (r *InMemoryAggregateRepo) Replace(ctx context.Context, set *models.AggregateSet) (*ReplaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result := &ReplaceResult{}
	for _, date := range set.Dates {
		date = models.DateOf(date)
		key := date.Unix()
		if current, ok := r.days[key]; ok && current.version > set.Version {
			result.Discarded = append(result.Discarded, date)
			continue
		}
		r.days[key] = storedDay{version: set.Version, rows: set.ForDate(date)}
		result.Replaced = append(result.Replaced, date)
	}
	return result, nil
}

func (r *InMemoryAggregateRepo) Query(ctx context.Context, q AggregateQuery) (*models.AggregateSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &models.AggregateSet{
		CampaignPerformance: []models.CampaignPerformance{},
		ChannelPerformance:  []models.ChannelPerformance{},
		SegmentPerformance:  []models.SegmentPerformance{},
		SegmentCAC:          []models.SegmentCAC{},
		ChannelROAS:         []models.ChannelROAS{},
	}
	from, to := models.DateOf(q.StartDate), models.DateOf(q.EndDate)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out.Dates = append(out.Dates, d)
		day, ok := r.days[d.Unix()]
		if !ok {
			continue
		}
		for _, row := range day.rows.CampaignPerformance {
			if q.ChannelID == 0 || row.ChannelID == q.ChannelID {
				out.CampaignPerformance = append(out.CampaignPerformance, row)
			}
		}
		for _, row := range day.rows.ChannelPerformance {
			if q.ChannelID == 0 || row.ChannelID == q.ChannelID {
				out.ChannelPerformance = append(out.ChannelPerformance, row)
			}
		}
		for _, row := range day.rows.ChannelROAS {
			if q.ChannelID == 0 || row.ChannelID == q.ChannelID {
				out.ChannelROAS = append(out.ChannelROAS, row)
			}
		}
		for _, row := range day.rows.SegmentPerformance {
			if q.SegmentID == 0 || row.SegmentID == q.SegmentID {
				out.SegmentPerformance = append(out.SegmentPerformance, row)
			}
		}
		for _, row := range day.rows.SegmentCAC {
			if q.SegmentID == 0 || row.SegmentID == q.SegmentID {
				out.SegmentCAC = append(out.SegmentCAC, row)
			}
		}
	}
	return out, nil
}
