// Package reporting serves aggregate tables and KPIs for a date range.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/config"
	"github.com/radiusdt/marketing-analytics/internal/kpi"
	"github.com/radiusdt/marketing-analytics/internal/metrics"
	"github.com/radiusdt/marketing-analytics/internal/models"
	"github.com/radiusdt/marketing-analytics/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidRange = errors.New("start date is after end date")

// MetricsQuery selects a report. Nil fields take defaults: the window ends
// today (UTC) and spans the configured number of days back.
type MetricsQuery struct {
	StartDate *time.Time
	EndDate   *time.Time
	ChannelID *int64
	SegmentID *int64
}

// Report is the response to GetMetrics. Dates are inclusive.
type Report struct {
	StartDate           time.Time                    `json:"start_date"`
	EndDate             time.Time                    `json:"end_date"`
	CampaignPerformance []models.CampaignPerformance `json:"campaign_performance"`
	ChannelPerformance  []models.ChannelPerformance  `json:"channel_performance"`
	SegmentPerformance  []models.SegmentPerformance  `json:"segment_performance"`
	SegmentCAC          []models.SegmentCAC          `json:"segment_cac"`
	ChannelROAS         []models.ChannelROAS         `json:"channel_roas"`
	KPISummary          models.KPISummary            `json:"kpi_summary"`
	KPIChange           models.KPIChange             `json:"kpi_change"`
}

// Service answers metrics queries from the aggregate store, with an
// optional cache in front.
type Service struct {
	aggregates storage.AggregateRepo
	cache      storage.ReportCache
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        config.ReportingConfig

	now func() time.Time
}

// NewService creates a reporting service. cache and m may be nil.
func NewService(aggregates storage.AggregateRepo, cache storage.ReportCache, m *metrics.Metrics, cfg config.ReportingConfig, logger *zap.Logger) *Service {
	if cfg.DefaultWindowDays < 1 {
		cfg.DefaultWindowDays = 30
	}
	return &Service{
		aggregates: aggregates,
		cache:      cache,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// resolved is a MetricsQuery with defaults applied.
type resolved struct {
	start, end time.Time
	channelID  int64
	segmentID  int64
}

func (r resolved) cacheKey(generation int64) string {
	return fmt.Sprintf("v%d:%s:%s:%d:%d", generation,
		r.start.Format(time.DateOnly), r.end.Format(time.DateOnly), r.channelID, r.segmentID)
}

// previous returns the window of equal length that ends the day before r.
func (r resolved) previous() resolved {
	days := int(r.end.Sub(r.start).Hours()/24) + 1
	prev := r
	prev.end = r.start.AddDate(0, 0, -1)
	prev.start = prev.end.AddDate(0, 0, -(days - 1))
	return prev
}

func (s *Service) resolve(q MetricsQuery) (resolved, error) {
	var r resolved

	switch {
	case q.EndDate != nil:
		r.end = models.DateOf(*q.EndDate)
	default:
		r.end = models.DateOf(s.now())
	}
	switch {
	case q.StartDate != nil:
		r.start = models.DateOf(*q.StartDate)
	default:
		r.start = r.end.AddDate(0, 0, -s.cfg.DefaultWindowDays)
	}
	if r.start.After(r.end) {
		return r, fmt.Errorf("%w: %s > %s", ErrInvalidRange, r.start.Format(time.DateOnly), r.end.Format(time.DateOnly))
	}

	if q.ChannelID != nil {
		r.channelID = *q.ChannelID
	}
	if q.SegmentID != nil {
		r.segmentID = *q.SegmentID
	}
	return r, nil
}

// GetMetrics returns the five aggregate tables for the query window plus
// the KPI summary and its change against the preceding window.
func (s *Service) GetMetrics(ctx context.Context, q MetricsQuery) (*Report, error) {
	started := time.Now()

	r, err := s.resolve(q)
	if err != nil {
		return nil, err
	}

	cacheState := "off"
	var key string
	if s.cache != nil {
		gen, err := s.cache.Generation(ctx)
		if err != nil {
			s.logger.Warn("Report cache unavailable", zap.Error(err))
		} else {
			key = r.cacheKey(gen)
			var cached Report
			hit, err := s.cache.Get(ctx, key, &cached)
			switch {
			case err != nil:
				s.logger.Warn("Failed to read cached report", zap.String("key", key), zap.Error(err))
			case hit:
				s.metrics.RecordReport("hit", time.Since(started))
				return &cached, nil
			}
			cacheState = "miss"
		}
	}

	report, err := s.build(ctx, r)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if err := s.cache.Set(ctx, key, report, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("Failed to cache report", zap.String("key", key), zap.Error(err))
		}
	}

	s.metrics.RecordReport(cacheState, time.Since(started))
	return report, nil
}

func (s *Service) build(ctx context.Context, r resolved) (*Report, error) {
	var current, previous *models.AggregateSet

	prev := r.previous()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = s.aggregates.Query(gctx, storage.AggregateQuery{
			StartDate: r.start, EndDate: r.end, ChannelID: r.channelID, SegmentID: r.segmentID,
		})
		return err
	})
	g.Go(func() error {
		var err error
		previous, err = s.aggregates.Query(gctx, storage.AggregateQuery{
			StartDate: prev.start, EndDate: prev.end, ChannelID: prev.channelID, SegmentID: prev.segmentID,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}

	summary := kpi.Summarize(current)
	return &Report{
		StartDate:           r.start,
		EndDate:             r.end,
		CampaignPerformance: current.CampaignPerformance,
		ChannelPerformance:  current.ChannelPerformance,
		SegmentPerformance:  current.SegmentPerformance,
		SegmentCAC:          current.SegmentCAC,
		ChannelROAS:         current.ChannelROAS,
		KPISummary:          summary,
		KPIChange:           kpi.Compare(summary, kpi.Summarize(previous)),
	}, nil
}
