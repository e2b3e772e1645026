package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/models"
	"github.com/radiusdt/marketing-analytics/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStores(t *testing.T) (*storage.InMemoryFactStore, *storage.InMemoryReferenceRepo) {
	t.Helper()
	ctx := context.Background()

	refs := storage.NewInMemoryReferenceRepo()
	require.NoError(t, refs.UpsertChannel(ctx, &models.Channel{ID: 1, Name: "Social", Type: models.ChannelTypeSocial}))
	require.NoError(t, refs.UpsertCampaign(ctx, &models.Campaign{ID: 1, Name: "Spring", ChannelID: 1, StartDate: day1, SpendToDate: 3000}))
	require.NoError(t, refs.UpsertSegment(ctx, &models.Segment{ID: 10, Name: "New visitors"}))
	require.NoError(t, refs.AssignUserSegment(ctx, models.UserSegment{UserID: "u1", SegmentID: 10}))

	facts := storage.NewInMemoryFactStore(refs)
	require.NoError(t, facts.InsertEvents(ctx, []models.Event{
		{UserID: "u1", Name: models.EventImpression, Timestamp: at(day1, 9, 0), CampaignID: 1, ChannelID: 1},
		{UserID: "u1", Name: models.EventClick, Timestamp: at(day1, 9, 1), CampaignID: 1, ChannelID: 1},
		{UserID: "u2", Name: models.EventClick, Timestamp: at(day2, 9, 0), CampaignID: 1, ChannelID: 1},
	}))
	require.NoError(t, facts.InsertConversions(ctx, []models.Conversion{
		{UserID: "u1", Type: models.ConversionPurchase, Value: 90, Timestamp: at(day1, 10, 0), CampaignID: 1, ChannelID: 1},
	}))
	return facts, refs
}

func TestRunner_Run(t *testing.T) {
	facts, refs := seedStores(t)

	set, err := NewRunner(facts, refs).Run(context.Background(), window(1))
	require.NoError(t, err)

	assert.Equal(t, []time.Time{day1}, set.Dates)
	require.Len(t, set.ChannelPerformance, 1)
	assert.Equal(t, int64(1), set.ChannelPerformance[0].Clicks)
	assert.InDelta(t, 1.0, set.ChannelPerformance[0].CTR, 1e-9)

	require.Len(t, set.ChannelROAS, 1)
	assert.InDelta(t, 0.9, set.ChannelROAS[0].ROAS, 1e-9)

	require.Len(t, set.SegmentCAC, 1)
	assert.InDelta(t, 100.0, set.SegmentCAC[0].CAC, 1e-9)
}

type failingRefs struct {
	storage.ReferenceRepo
	err error
}

func (f failingRefs) ListSegments(ctx context.Context) ([]*models.Segment, error) {
	return nil, f.err
}

func TestRunner_PropagatesReferenceErrors(t *testing.T) {
	facts, refs := seedStores(t)
	boom := errors.New("reference read failed")

	_, err := NewRunner(facts, failingRefs{ReferenceRepo: refs, err: boom}).Run(context.Background(), window(1))

	assert.ErrorIs(t, err, boom)
}

func TestLoadReference(t *testing.T) {
	_, refs := seedStores(t)

	ref, err := LoadReference(context.Background(), refs)
	require.NoError(t, err)

	assert.Contains(t, ref.Channels, int64(1))
	assert.Contains(t, ref.Campaigns, int64(1))
	assert.Equal(t, []int64{10}, ref.SegmentsOf("u1"))
	assert.Empty(t, ref.SegmentsOf("u2"))
}
