package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/radiusdt/marketing-analytics/internal/models"
)

// InMemoryReferenceRepo is an in-memory implementation of ReferenceRepo.
// Values are copied on write so callers cannot mutate stored entries.
type InMemoryReferenceRepo struct {
	mu           sync.RWMutex
	channels     map[int64]*models.Channel
	campaigns    map[int64]*models.Campaign
	segments     map[int64]*models.Segment
	userSegments map[models.UserSegment]struct{}
}

// NewInMemoryReferenceRepo creates an empty repo.
func NewInMemoryReferenceRepo() *InMemoryReferenceRepo {
	return &InMemoryReferenceRepo{
		channels:     make(map[int64]*models.Channel),
		campaigns:    make(map[int64]*models.Campaign),
		segments:     make(map[int64]*models.Segment),
		userSegments: make(map[models.UserSegment]struct{}),
	}
}

func (r *InMemoryReferenceRepo) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		copied := *ch
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *InMemoryReferenceRepo) ListCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		copied := *c
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *InMemoryReferenceRepo) ListSegments(ctx context.Context) ([]*models.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Segment, 0, len(r.segments))
	for _, s := range r.segments {
		copied := *s
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *InMemoryReferenceRepo) ListUserSegments(ctx context.Context) ([]models.UserSegment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.UserSegment, 0, len(r.userSegments))
	for us := range r.userSegments {
		result = append(result, us)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].SegmentID < result[j].SegmentID
	})
	return result, nil
}

func (r *InMemoryReferenceRepo) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *InMemoryReferenceRepo) UpsertChannel(ctx context.Context, ch *models.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *ch
	r.channels[ch.ID] = &copied
	return nil
}

func (r *InMemoryReferenceRepo) UpsertCampaign(ctx context.Context, c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *c
	r.campaigns[c.ID] = &copied
	return nil
}

func (r *InMemoryReferenceRepo) UpsertSegment(ctx context.Context, s *models.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *s
	r.segments[s.ID] = &copied
	return nil
}

func (r *InMemoryReferenceRepo) AssignUserSegment(ctx context.Context, us models.UserSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userSegments[us] = struct{}{}
	return nil
}
