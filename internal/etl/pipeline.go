// Package etl runs the incremental loader: hourly slices of raw events are
// extracted, bucketed into hourly_events and the daily aggregate views of
// every day the slice touches are recomputed.
package etl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/marketing-analytics/internal/aggregator"
	"github.com/radiusdt/marketing-analytics/internal/config"
	"github.com/radiusdt/marketing-analytics/internal/metrics"
	"github.com/radiusdt/marketing-analytics/internal/models"
	"github.com/radiusdt/marketing-analytics/internal/storage"
	"go.uber.org/zap"
)

// State is the progress of a slice run.
type State string

const (
	StatePending     State = "pending"
	StateExtracted   State = "extracted"
	StateTransformed State = "transformed"
	StateLoaded      State = "loaded"
	StateRefreshed   State = "refreshed"
	StateFailed      State = "failed"
)

// Batch is the raw output of Extract.
type Batch struct {
	Slice  Slice
	Events []models.Event
}

// Buckets is the output of Transform, ordered by HourlyKey.
type Buckets struct {
	Rows    []models.HourlyEvent
	Skipped int
}

// SliceResult describes one RunSlice call.
type SliceResult struct {
	RunID       string            `json:"run_id"`
	Slice       Slice             `json:"slice"`
	State       State             `json:"state"`
	FailedStage Stage             `json:"failed_stage,omitempty"`
	Extracted   int               `json:"extracted"`
	Buckets     int               `json:"buckets"`
	Unbucketed  int               `json:"unbucketed"`
	Skipped     models.SkipCounts `json:"skipped"`
	Replaced    []time.Time       `json:"replaced"`
	Discarded   []time.Time       `json:"discarded"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Deps are the stores a Pipeline works against. Locker, Cache and Metrics
// are optional.
type Deps struct {
	Facts      storage.FactStore
	Refs       storage.ReferenceRepo
	Hourly     storage.HourlyRepo
	Aggregates storage.AggregateRepo
	Locker     storage.SliceLocker
	Cache      storage.ReportCache
	Metrics    *metrics.Metrics
}

// Pipeline runs extract, transform, load and refresh for slices.
type Pipeline struct {
	facts      storage.FactStore
	hourly     storage.HourlyRepo
	aggregates storage.AggregateRepo
	runner     *aggregator.Runner
	locker     storage.SliceLocker
	cache      storage.ReportCache
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        config.ETLConfig

	now func() time.Time
}

func NewPipeline(deps Deps, cfg config.ETLConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		facts:      deps.Facts,
		hourly:     deps.Hourly,
		aggregates: deps.Aggregates,
		runner:     aggregator.NewRunner(deps.Facts, deps.Refs),
		locker:     deps.Locker,
		cache:      deps.Cache,
		metrics:    deps.Metrics,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// withTimeout applies d unless it is zero.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// asUnavailable reports a stage deadline as ErrSourceUnavailable. A
// cancelled parent context is returned unchanged.
func asUnavailable(parent context.Context, err error) error {
	if err == nil || errors.Is(err, storage.ErrSourceUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %w", storage.ErrSourceUnavailable, err)
	}
	return err
}

// ===========================================
// STAGES
// ===========================================

// Extract reads the events of the slice.
func (p *Pipeline) Extract(ctx context.Context, slice Slice) (*Batch, error) {
	if err := slice.Validate(); err != nil {
		return nil, err
	}

	tctx, cancel := withTimeout(ctx, p.cfg.ExtractTimeout)
	defer cancel()

	events, err := p.facts.Events(tctx, storage.FactQuery{Start: slice.Start, End: slice.End})
	if err != nil {
		return nil, fmt.Errorf("failed to extract events: %w", asUnavailable(ctx, err))
	}
	return &Batch{Slice: slice, Events: events}, nil
}

// Transform buckets a batch by (campaign, channel, date, hour, event name).
// Events missing any of those or a user are skipped.
func (p *Pipeline) Transform(batch *Batch) *Buckets {
	type bucket struct {
		users map[string]struct{}
		count int64
	}

	out := &Buckets{}
	groups := make(map[models.HourlyKey]*bucket)
	for _, e := range batch.Events {
		if e.UserID == "" || e.Name == "" || e.CampaignID == 0 || e.ChannelID == 0 || e.Timestamp.IsZero() {
			out.Skipped++
			continue
		}
		ts := e.Timestamp.UTC()
		key := models.HourlyKey{
			CampaignID: e.CampaignID,
			ChannelID:  e.ChannelID,
			Date:       models.DateOf(ts),
			Hour:       ts.Hour(),
			EventName:  e.Name,
		}
		b, ok := groups[key]
		if !ok {
			b = &bucket{users: make(map[string]struct{})}
			groups[key] = b
		}
		b.users[e.UserID] = struct{}{}
		b.count++
	}

	out.Rows = make([]models.HourlyEvent, 0, len(groups))
	for key, b := range groups {
		out.Rows = append(out.Rows, models.HourlyEvent{
			HourlyKey:   key,
			UniqueUsers: int64(len(b.users)),
			EventCount:  b.count,
		})
	}
	sort.Slice(out.Rows, func(i, j int) bool {
		return hourlyKeyLess(out.Rows[i].HourlyKey, out.Rows[j].HourlyKey)
	})
	return out
}

func hourlyKeyLess(a, b models.HourlyKey) bool {
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

// Load upserts the buckets into the hourly table.
func (p *Pipeline) Load(ctx context.Context, buckets *Buckets) (int, error) {
	tctx, cancel := withTimeout(ctx, p.cfg.LoadTimeout)
	defer cancel()

	n, err := p.hourly.Upsert(tctx, buckets.Rows)
	if err != nil {
		return 0, fmt.Errorf("failed to load hourly buckets: %w", asUnavailable(ctx, err))
	}
	return n, nil
}

// RefreshOutcome is the result of recomputing a set of days. Sealed lists
// requested days older than the retention cutoff, which were left alone.
type RefreshOutcome struct {
	Replaced  []time.Time       `json:"replaced"`
	Discarded []time.Time       `json:"discarded"`
	Sealed    []time.Time       `json:"sealed,omitempty"`
	Skipped   models.SkipCounts `json:"skipped"`
	Rows      int               `json:"rows"`
}

// retentionCutoff returns the first day whose raw facts are still
// guaranteed to exist, or the zero time when nothing is pruned.
func (p *Pipeline) retentionCutoff() time.Time {
	if p.cfg.RetentionDays <= 0 {
		return time.Time{}
	}
	return models.DateOf(p.now()).AddDate(0, 0, -p.cfg.RetentionDays)
}

// Refresh recomputes the aggregate views for the UTC days spanning dates
// and replaces the stored rows of those days. Days before the retention
// cutoff may have lost their raw facts and are never replaced.
func (p *Pipeline) Refresh(ctx context.Context, dates []time.Time) (*RefreshOutcome, error) {
	out := &RefreshOutcome{}
	if cutoff := p.retentionCutoff(); !cutoff.IsZero() {
		kept := make([]time.Time, 0, len(dates))
		for _, d := range dates {
			if models.DateOf(d).Before(cutoff) {
				out.Sealed = append(out.Sealed, models.DateOf(d))
				continue
			}
			kept = append(kept, d)
		}
		if len(out.Sealed) > 0 {
			p.logger.Warn("Skipping refresh of days past retention",
				zap.Int("days", len(out.Sealed)),
				zap.String("cutoff", cutoff.Format(time.DateOnly)),
			)
		}
		dates = kept
	}
	if len(dates) == 0 {
		return out, nil
	}

	first, last := dates[0], dates[0]
	for _, d := range dates[1:] {
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
	}
	window := models.DayWindow(first, last)
	version := p.now().UnixNano()

	tctx, cancel := withTimeout(ctx, p.cfg.RefreshTimeout)
	defer cancel()

	set, err := p.runner.Run(tctx, window)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", window, asUnavailable(ctx, err))
	}
	set.Version = version

	res, err := p.aggregates.Replace(tctx, set)
	if err != nil {
		return nil, fmt.Errorf("failed to replace aggregates: %w", asUnavailable(ctx, err))
	}

	p.metrics.RecordSkipped(set.Skipped.Events, set.Skipped.Conversions)
	p.metrics.RecordRefresh(len(res.Replaced), len(res.Discarded), map[string]int{
		"campaign_performance": len(set.CampaignPerformance),
		"channel_performance":  len(set.ChannelPerformance),
		"segment_performance":  len(set.SegmentPerformance),
		"segment_cac":          len(set.SegmentCAC),
		"channel_roas":         len(set.ChannelROAS),
	})

	if len(res.Discarded) > 0 {
		p.logger.Debug("Newer aggregates already stored, dates discarded",
			zap.Int("discarded", len(res.Discarded)),
			zap.Int64("version", version),
		)
	}
	if set.Skipped.Total() > 0 {
		p.logger.Warn("Skipped malformed facts",
			zap.String("window", window.String()),
			zap.Int("events", set.Skipped.Events),
			zap.Int("conversions", set.Skipped.Conversions),
		)
	}

	if len(res.Replaced) > 0 && p.cache != nil {
		if err := p.cache.Invalidate(ctx); err != nil {
			p.logger.Warn("Failed to invalidate report cache", zap.Error(err))
		}
	}

	out.Replaced = res.Replaced
	out.Discarded = res.Discarded
	out.Skipped = set.Skipped
	out.Rows = set.RowCount()
	return out, nil
}

// RefreshRange recomputes the inclusive day range [startDate, endDate]
// without extracting.
func (p *Pipeline) RefreshRange(ctx context.Context, startDate, endDate time.Time) (*RefreshOutcome, error) {
	window := models.DayWindow(startDate, endDate)
	if !window.End.After(window.Start) {
		return nil, fmt.Errorf("%w: end date before start date", ErrInvalidSlice)
	}
	return p.Refresh(ctx, window.Dates())
}

// ===========================================
// SLICE RUN
// ===========================================

// RunSlice runs all four stages for slice under a lease. On failure the
// result is in StateFailed and the error is a *StageError.
func (p *Pipeline) RunSlice(ctx context.Context, slice Slice) (*SliceResult, error) {
	return p.run(ctx, slice, true)
}

// run executes the stages of one slice. With refresh unset it stops in
// StateLoaded and leaves the refresh to the caller.
func (p *Pipeline) run(ctx context.Context, slice Slice, refresh bool) (*SliceResult, error) {
	if err := slice.Validate(); err != nil {
		return nil, err
	}

	result := &SliceResult{
		RunID:     uuid.NewString(),
		Slice:     slice,
		State:     StatePending,
		StartedAt: p.now(),
	}
	logger := p.logger.With(
		zap.String("run_id", result.RunID),
		zap.String("slice", slice.String()),
	)

	if p.locker != nil {
		release, err := p.locker.Acquire(ctx, "slice:"+slice.Key(), p.cfg.LockTTL)
		if errors.Is(err, storage.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s", ErrSliceInProgress, slice)
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(rctx); err != nil {
				logger.Warn("Failed to release slice lease", zap.Error(err))
			}
		}()
	}

	fail := func(stage Stage, err error) (*SliceResult, error) {
		result.State = StateFailed
		result.FailedStage = stage
		result.FinishedAt = p.now()
		p.metrics.RecordSlice(string(StateFailed), slice.End)
		logger.Error("Slice failed", zap.String("stage", string(stage)), zap.Error(err))
		return result, &StageError{Stage: stage, Slice: slice, Err: err}
	}

	// extract
	started := time.Now()
	batch, err := p.Extract(ctx, slice)
	p.metrics.RecordStage(string(StageExtract), time.Since(started), err)
	if err != nil {
		return fail(StageExtract, err)
	}
	result.State = StateExtracted
	result.Extracted = len(batch.Events)
	p.metrics.RecordExtract(len(batch.Events))

	// transform
	started = time.Now()
	buckets := p.Transform(batch)
	p.metrics.RecordStage(string(StageTransform), time.Since(started), nil)
	result.State = StateTransformed
	result.Buckets = len(buckets.Rows)
	result.Unbucketed = buckets.Skipped

	// load
	started = time.Now()
	loaded, err := p.Load(ctx, buckets)
	p.metrics.RecordStage(string(StageLoad), time.Since(started), err)
	if err != nil {
		return fail(StageLoad, err)
	}
	result.State = StateLoaded
	p.metrics.RecordLoad(loaded)

	if !refresh {
		result.FinishedAt = p.now()
		logger.Debug("Slice loaded", zap.Int("extracted", result.Extracted), zap.Int("buckets", result.Buckets))
		return result, nil
	}

	// refresh
	started = time.Now()
	outcome, err := p.Refresh(ctx, slice.Dates())
	p.metrics.RecordStage(string(StageRefresh), time.Since(started), err)
	if err != nil {
		return fail(StageRefresh, err)
	}
	result.markRefreshed(outcome)
	result.Skipped = outcome.Skipped
	result.FinishedAt = p.now()

	p.metrics.RecordSlice(string(StateRefreshed), slice.End)
	logger.Info("Slice refreshed",
		zap.Int("extracted", result.Extracted),
		zap.Int("buckets", result.Buckets),
		zap.Int("replaced_dates", len(result.Replaced)),
		zap.Int("discarded_dates", len(result.Discarded)),
		zap.Int("aggregate_rows", outcome.Rows),
		zap.Duration("took", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

// markRefreshed copies the outcome dates that fall inside the slice.
func (r *SliceResult) markRefreshed(outcome *RefreshOutcome) {
	r.State = StateRefreshed
	window := models.DayWindow(r.Slice.Start, r.Slice.End.Add(-time.Nanosecond))
	for _, d := range outcome.Replaced {
		if window.Contains(d) {
			r.Replaced = append(r.Replaced, d)
		}
	}
	for _, d := range outcome.Discarded {
		if window.Contains(d) {
			r.Discarded = append(r.Discarded, d)
		}
	}
}
