package etl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/radiusdt/marketing-analytics/internal/config"
	"github.com/radiusdt/marketing-analytics/internal/metrics"
	"github.com/radiusdt/marketing-analytics/internal/models"
	"github.com/radiusdt/marketing-analytics/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	day1 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.AddDate(0, 0, 1)
)

func testConfig() config.ETLConfig {
	return config.ETLConfig{
		SliceWidth:          time.Hour,
		ExtractTimeout:      time.Second,
		LoadTimeout:         time.Second,
		RefreshTimeout:      time.Second,
		LockTTL:             time.Minute,
		BackfillParallelism: 2,
	}
}

type fixture struct {
	refs       *storage.InMemoryReferenceRepo
	facts      *storage.InMemoryFactStore
	hourly     *storage.InMemoryHourlyRepo
	aggregates *storage.InMemoryAggregateRepo
	locker     *storage.InMemorySliceLocker
	metrics    *metrics.Metrics
	pipeline   *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		refs:       storage.NewInMemoryReferenceRepo(),
		hourly:     storage.NewInMemoryHourlyRepo(),
		aggregates: storage.NewInMemoryAggregateRepo(),
		locker:     storage.NewInMemorySliceLocker(),
		metrics:    metrics.NewMetrics("test", prometheus.NewRegistry()),
	}
	f.facts = storage.NewInMemoryFactStore(f.refs)

	require.NoError(t, f.refs.UpsertChannel(ctx, &models.Channel{ID: 1, Name: "Social", Type: models.ChannelTypeSocial}))
	require.NoError(t, f.refs.UpsertChannel(ctx, &models.Channel{ID: 2, Name: "Email", Type: models.ChannelTypeEmail}))
	require.NoError(t, f.refs.UpsertCampaign(ctx, &models.Campaign{ID: 1, Name: "Spring", ChannelID: 1, StartDate: day1, SpendToDate: 3000}))
	require.NoError(t, f.refs.UpsertCampaign(ctx, &models.Campaign{ID: 2, Name: "Newsletter", ChannelID: 2, StartDate: day1, SpendToDate: 300}))
	require.NoError(t, f.refs.UpsertSegment(ctx, &models.Segment{ID: 10, Name: "New visitors"}))
	require.NoError(t, f.refs.AssignUserSegment(ctx, models.UserSegment{UserID: "u1", SegmentID: 10}))
	require.NoError(t, f.refs.AssignUserSegment(ctx, models.UserSegment{UserID: "u2", SegmentID: 10}))

	f.pipeline = NewPipeline(Deps{
		Facts:      f.facts,
		Refs:       f.refs,
		Hourly:     f.hourly,
		Aggregates: f.aggregates,
		Locker:     f.locker,
		Metrics:    f.metrics,
	}, testConfig(), zap.NewNop())
	return f
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.facts.InsertEvents(ctx, []models.Event{
		{UserID: "u1", Name: models.EventImpression, Timestamp: day1.Add(9*time.Hour + 5*time.Minute), CampaignID: 1, ChannelID: 1},
		{UserID: "u2", Name: models.EventImpression, Timestamp: day1.Add(9*time.Hour + 10*time.Minute), CampaignID: 1, ChannelID: 1},
		{UserID: "u1", Name: models.EventClick, Timestamp: day1.Add(9*time.Hour + 15*time.Minute), CampaignID: 1, ChannelID: 1},
		{UserID: "u1", Name: models.EventClick, Timestamp: day1.Add(9*time.Hour + 20*time.Minute), CampaignID: 1, ChannelID: 1},
		{UserID: "u3", Name: models.EventOpen, Timestamp: day1.Add(9*time.Hour + 30*time.Minute), CampaignID: 2, ChannelID: 2},
		{UserID: "", Name: models.EventOpen, Timestamp: day1.Add(9*time.Hour + 40*time.Minute), CampaignID: 2, ChannelID: 2},
		{UserID: "u2", Name: models.EventClick, Timestamp: day1.Add(15 * time.Hour), CampaignID: 1, ChannelID: 1},
	}))
	require.NoError(t, f.facts.InsertConversions(ctx, []models.Conversion{
		{UserID: "u1", Type: models.ConversionPurchase, Value: 150, Timestamp: day1.Add(9*time.Hour + 45*time.Minute), CampaignID: 1, ChannelID: 1},
		{UserID: "u2", Type: models.ConversionPurchase, Value: 50, Timestamp: day1.Add(16 * time.Hour), CampaignID: 1, ChannelID: 1},
	}))
}

func nineOClock() Slice {
	return Slice{Start: day1.Add(9 * time.Hour), End: day1.Add(10 * time.Hour)}
}

func TestPipeline_Transform(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	batch, err := f.pipeline.Extract(context.Background(), nineOClock())
	require.NoError(t, err)
	require.Len(t, batch.Events, 6)

	buckets := f.pipeline.Transform(batch)

	assert.Equal(t, 1, buckets.Skipped)
	require.Len(t, buckets.Rows, 3)

	click := buckets.Rows[0]
	assert.Equal(t, models.HourlyKey{CampaignID: 1, ChannelID: 1, Date: day1, Hour: 9, EventName: models.EventClick}, click.HourlyKey)
	assert.Equal(t, int64(1), click.UniqueUsers)
	assert.Equal(t, int64(2), click.EventCount)

	impression := buckets.Rows[1]
	assert.Equal(t, models.EventImpression, impression.EventName)
	assert.Equal(t, int64(2), impression.UniqueUsers)
	assert.Equal(t, int64(2), impression.EventCount)

	open := buckets.Rows[2]
	assert.Equal(t, int64(2), open.CampaignID)
	assert.Equal(t, int64(1), open.EventCount)
}

func TestPipeline_RunSlice(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	result, err := f.pipeline.RunSlice(ctx, nineOClock())
	require.NoError(t, err)

	assert.Equal(t, StateRefreshed, result.State)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 6, result.Extracted)
	assert.Equal(t, 3, result.Buckets)
	assert.Equal(t, 1, result.Unbucketed)
	assert.Equal(t, models.SkipCounts{Events: 1}, result.Skipped)
	assert.Equal(t, []time.Time{day1}, result.Replaced)
	assert.Empty(t, result.Discarded)

	hourly, err := f.hourly.List(ctx, day1, day1)
	require.NoError(t, err)
	assert.Len(t, hourly, 3)

	// refresh covers the whole day, not just the slice
	set, err := f.aggregates.Query(ctx, storage.AggregateQuery{StartDate: day1, EndDate: day1})
	require.NoError(t, err)
	require.Len(t, set.CampaignPerformance, 1)
	assert.Equal(t, int64(2), set.CampaignPerformance[0].Conversions)
	assert.Equal(t, 200.0, set.CampaignPerformance[0].TotalConversionValue)

	require.Len(t, set.ChannelPerformance, 2)
	assert.Equal(t, int64(3), set.ChannelPerformance[0].Clicks)
	assert.Equal(t, int64(2), set.ChannelPerformance[0].Impressions)
	assert.InDelta(t, 1.5, set.ChannelPerformance[0].CTR, 1e-9)

	require.Len(t, set.ChannelROAS, 2)
	assert.InDelta(t, 2.0, set.ChannelROAS[0].ROAS, 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SliceRuns.WithLabelValues("refreshed")))
	assert.Equal(t, float64(nineOClock().End.Unix()), testutil.ToFloat64(f.metrics.LastSliceEnd))
}

func TestPipeline_RunSliceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	q := storage.AggregateQuery{StartDate: day1, EndDate: day1}

	_, err := f.pipeline.RunSlice(ctx, nineOClock())
	require.NoError(t, err)
	firstHourly, err := f.hourly.List(ctx, day1, day1)
	require.NoError(t, err)
	firstSet, err := f.aggregates.Query(ctx, q)
	require.NoError(t, err)

	second, err := f.pipeline.RunSlice(ctx, nineOClock())
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day1}, second.Replaced)

	secondHourly, err := f.hourly.List(ctx, day1, day1)
	require.NoError(t, err)
	secondSet, err := f.aggregates.Query(ctx, q)
	require.NoError(t, err)

	assert.Equal(t, firstHourly, secondHourly)
	assert.Equal(t, firstSet, secondSet)
}

func TestPipeline_RunSliceRejectsInvalidSlice(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.RunSlice(context.Background(), Slice{Start: day1, End: day1})

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInvalidSlice)
}

func TestPipeline_RunSliceRejectsSliceOffTheHour(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.facts.InsertEvents(ctx, []models.Event{
		{UserID: "u1", Name: models.EventImpression, Timestamp: day1.Add(9*time.Hour + 5*time.Minute), CampaignID: 1, ChannelID: 1},
		{UserID: "u2", Name: models.EventImpression, Timestamp: day1.Add(9*time.Hour + 45*time.Minute), CampaignID: 1, ChannelID: 1},
	}))

	for _, s := range []Slice{
		{Start: day1.Add(8*time.Hour + 30*time.Minute), End: day1.Add(9*time.Hour + 30*time.Minute)},
		{Start: day1.Add(9*time.Hour + 30*time.Minute), End: day1.Add(10*time.Hour + 30*time.Minute)},
	} {
		result, err := f.pipeline.RunSlice(ctx, s)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrInvalidSlice, s.String())
	}

	rows, err := f.hourly.List(ctx, day1, day1)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = f.pipeline.RunSlice(ctx, nineOClock())
	require.NoError(t, err)

	rows, err = f.hourly.List(ctx, day1, day1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 9, rows[0].Hour)
	assert.Equal(t, int64(2), rows[0].EventCount)
	assert.Equal(t, int64(2), rows[0].UniqueUsers)
}

func TestPipeline_RunSliceHeldLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.locker.Acquire(ctx, "slice:"+nineOClock().Key(), time.Minute)
	require.NoError(t, err)

	_, err = f.pipeline.RunSlice(ctx, nineOClock())
	assert.ErrorIs(t, err, ErrSliceInProgress)

	require.NoError(t, release(ctx))
	_, err = f.pipeline.RunSlice(ctx, nineOClock())
	assert.NoError(t, err)
}

func TestPipeline_RunSliceReleasesLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.RunSlice(ctx, nineOClock())
	require.NoError(t, err)

	release, err := f.locker.Acquire(ctx, "slice:"+nineOClock().Key(), time.Minute)
	require.NoError(t, err)
	assert.NoError(t, release(ctx))
}

func TestPipeline_RefreshDiscardsOlderVersion(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	f.pipeline.now = func() time.Time { return now }
	first, err := f.pipeline.Refresh(ctx, []time.Time{day1})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day1}, first.Replaced)

	f.pipeline.now = func() time.Time { return now.Add(-time.Minute) }
	stale, err := f.pipeline.Refresh(ctx, []time.Time{day1})
	require.NoError(t, err)
	assert.Empty(t, stale.Replaced)
	assert.Equal(t, []time.Time{day1}, stale.Discarded)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RefreshConflicts))
}

func TestPipeline_RefreshClearsDaysWithoutFacts(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	_, err := f.pipeline.RefreshRange(ctx, day1, day2)
	require.NoError(t, err)

	set, err := f.aggregates.Query(ctx, storage.AggregateQuery{StartDate: day2, EndDate: day2})
	require.NoError(t, err)
	assert.Zero(t, set.RowCount())
}

func TestPipeline_RefreshLeavesDaysPastRetention(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	_, err := f.pipeline.RefreshRange(ctx, day1, day1)
	require.NoError(t, err)
	before, err := f.aggregates.Query(ctx, storage.AggregateQuery{StartDate: day1, EndDate: day1})
	require.NoError(t, err)
	require.NotZero(t, before.RowCount())

	// a day of retention, six days later: day1 facts are pruned
	f.pipeline.cfg.RetentionDays = 1
	f.pipeline.now = func() time.Time { return day2.AddDate(0, 0, 5).Add(time.Hour) }
	_, err = f.facts.PruneBefore(ctx, day2)
	require.NoError(t, err)

	out, err := f.pipeline.RefreshRange(ctx, day1, day1)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day1}, out.Sealed)
	assert.Empty(t, out.Replaced)

	after, err := f.aggregates.Query(ctx, storage.AggregateQuery{StartDate: day1, EndDate: day1})
	require.NoError(t, err)
	assert.Equal(t, before.RowCount(), after.RowCount())
	assert.Equal(t, before.ChannelPerformance, after.ChannelPerformance)

	cutoff := day2.AddDate(0, 0, 4)
	out, err = f.pipeline.RefreshRange(ctx, day1, day2.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Len(t, out.Sealed, 5)
	assert.Equal(t, []time.Time{cutoff, cutoff.AddDate(0, 0, 1)}, out.Replaced)
}

func TestPipeline_RefreshRangeRejectsInvertedRange(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.RefreshRange(context.Background(), day2, day1)

	assert.ErrorIs(t, err, ErrInvalidSlice)
}

func TestPipeline_RefreshInvalidatesReportCache(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	cache := storage.NewRedisReportCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	f.pipeline.cache = cache

	_, err := f.pipeline.RunSlice(ctx, nineOClock())
	require.NoError(t, err)

	gen, err := cache.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
}

// ===========================================
// FAILURES
// ===========================================

type mockFactStore struct {
	mock.Mock
}

func (m *mockFactStore) Events(ctx context.Context, q storage.FactQuery) ([]models.Event, error) {
	args := m.Called(ctx, q)
	if fn, ok := args.Get(0).(func(context.Context) ([]models.Event, error)); ok {
		return fn(ctx)
	}
	events, _ := args.Get(0).([]models.Event)
	return events, args.Error(1)
}

func (m *mockFactStore) Conversions(ctx context.Context, q storage.FactQuery) ([]models.Conversion, error) {
	args := m.Called(ctx, q)
	conversions, _ := args.Get(0).([]models.Conversion)
	return conversions, args.Error(1)
}

func (m *mockFactStore) InsertEvents(ctx context.Context, events []models.Event) error {
	return m.Called(ctx, events).Error(0)
}

func (m *mockFactStore) InsertConversions(ctx context.Context, conversions []models.Conversion) error {
	return m.Called(ctx, conversions).Error(0)
}

func (m *mockFactStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestPipeline_ExtractSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	facts := &mockFactStore{}
	facts.On("Events", mock.Anything, mock.Anything).Return(nil, storage.ErrSourceUnavailable)
	f.pipeline.facts = facts

	result, err := f.pipeline.RunSlice(context.Background(), nineOClock())

	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrSourceUnavailable)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageExtract, stageErr.Stage)
	assert.Equal(t, nineOClock(), stageErr.Slice)

	require.NotNil(t, result)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, StageExtract, result.FailedStage)

	hourly, err := f.hourly.List(context.Background(), day1, day1)
	require.NoError(t, err)
	assert.Empty(t, hourly)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StageFailures.WithLabelValues("extract")))
	facts.AssertExpectations(t)
}

func TestPipeline_ExtractTimeoutIsSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.pipeline.cfg.ExtractTimeout = 10 * time.Millisecond

	facts := &mockFactStore{}
	facts.On("Events", mock.Anything, mock.Anything).Return(func(ctx context.Context) ([]models.Event, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	f.pipeline.facts = facts

	_, err := f.pipeline.Extract(context.Background(), nineOClock())

	assert.ErrorIs(t, err, storage.ErrSourceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeline_RefreshFailureKeepsStage(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	facts := &mockFactStore{}
	events, err := f.facts.Events(context.Background(), storage.FactQuery{Start: day1, End: day2})
	require.NoError(t, err)
	facts.On("Events", mock.Anything, mock.Anything).Return(events, nil)
	facts.On("Conversions", mock.Anything, mock.Anything).Return(nil, storage.ErrSourceUnavailable)
	f.pipeline = NewPipeline(Deps{
		Facts:      facts,
		Refs:       f.refs,
		Hourly:     f.hourly,
		Aggregates: f.aggregates,
		Locker:     f.locker,
	}, testConfig(), zap.NewNop())

	result, err := f.pipeline.RunSlice(context.Background(), nineOClock())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRefresh, stageErr.Stage)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, StageRefresh, result.FailedStage)
}

// ===========================================
// BACKFILL
// ===========================================

func TestPipeline_Backfill(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.facts.InsertEvents(ctx, []models.Event{
		{UserID: "u1", Name: models.EventClick, Timestamp: day2.Add(30 * time.Minute), CampaignID: 2, ChannelID: 2},
	}))

	out, err := f.pipeline.Backfill(ctx, day1, day2.Add(2*time.Hour), 3)
	require.NoError(t, err)

	require.Len(t, out.Slices, 26)
	for _, s := range out.Slices {
		assert.Equal(t, StateRefreshed, s.State, s.Slice.String())
	}
	assert.Empty(t, out.Failed())
	require.NotNil(t, out.Refresh)
	assert.Equal(t, []time.Time{day1, day2}, out.Refresh.Replaced)

	hourly, err := f.hourly.List(ctx, day1, day2)
	require.NoError(t, err)
	assert.Len(t, hourly, 5)

	set, err := f.aggregates.Query(ctx, storage.AggregateQuery{StartDate: day2, EndDate: day2})
	require.NoError(t, err)
	require.Len(t, set.ChannelPerformance, 1)
	assert.Equal(t, int64(2), set.ChannelPerformance[0].ChannelID)
}

func TestPipeline_BackfillRejectsRangesOffTheHour(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	_, err := f.pipeline.Backfill(ctx, day1.Add(30*time.Minute), day1.Add(3*time.Hour), 2)
	assert.ErrorIs(t, err, ErrInvalidSlice)

	f.pipeline.cfg.SliceWidth = 30 * time.Minute
	_, err = f.pipeline.Backfill(ctx, day1, day1.Add(3*time.Hour), 2)
	assert.ErrorIs(t, err, ErrInvalidSlice)

	rows, err := f.hourly.List(ctx, day1, day1)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPipeline_BackfillCollectsSliceErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held := Slice{Start: day1.Add(time.Hour), End: day1.Add(2 * time.Hour)}
	release, err := f.locker.Acquire(ctx, "slice:"+held.Key(), time.Minute)
	require.NoError(t, err)
	defer release(ctx)

	out, err := f.pipeline.Backfill(ctx, day1, day1.Add(3*time.Hour), 2)

	assert.ErrorIs(t, err, ErrSliceInProgress)
	require.Len(t, out.Slices, 3)
	assert.Nil(t, out.Slices[1])
	assert.Equal(t, StateRefreshed, out.Slices[0].State)
	assert.Equal(t, StateRefreshed, out.Slices[2].State)
}

func TestPipeline_ConcurrentRunsOfSameSlice(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		refreshed  int
		inProgress int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.RunSlice(ctx, nineOClock())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				refreshed++
			case assert.ErrorIs(t, err, ErrSliceInProgress):
				inProgress++
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, refreshed, 1)
	assert.Equal(t, 8, refreshed+inProgress)

	set, err := f.aggregates.Query(ctx, storage.AggregateQuery{StartDate: day1, EndDate: day1})
	require.NoError(t, err)
	assert.Len(t, set.CampaignPerformance, 1)
}
