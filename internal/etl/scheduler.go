package etl

import (
	"context"
	"errors"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/config"
	"github.com/radiusdt/marketing-analytics/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scheduler runs the previous hour's slice after every hour boundary and
// the daily archive of yesterday after midnight. Both loops run in their
// own goroutine.
type Scheduler struct {
	pipeline *Pipeline
	archiver *Archiver
	delay    time.Duration
	archive  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler. archiver may be nil to disable the
// daily archive.
func NewScheduler(pipeline *Pipeline, archiver *Archiver, cfg config.ETLConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		pipeline: pipeline,
		archiver: archiver,
		delay:    cfg.ScheduleDelay,
		archive:  cfg.ArchiveAt,
		logger:   logger,
		now:      time.Now,
	}
}

// nextHourlyRun returns the first hour boundary plus delay after now.
func nextHourlyRun(now time.Time, delay time.Duration) time.Time {
	next := now.UTC().Truncate(time.Hour).Add(delay)
	for !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// nextArchiveRun returns the first UTC midnight plus offset after now.
func nextArchiveRun(now time.Time, offset time.Duration) time.Time {
	next := models.DateOf(now).Add(offset)
	for !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		zap.Duration("delay", s.delay),
		zap.Bool("archive", s.archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(ctx, func(now time.Time) time.Time { return nextHourlyRun(now, s.delay) }, s.runHourly)
		return nil
	})
	if s.archiver != nil {
		g.Go(func() error {
			s.loop(ctx, func(now time.Time) time.Time { return nextArchiveRun(now, s.archive) }, s.runArchive)
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info("Scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, next func(time.Time) time.Time, run func(context.Context, time.Time)) {
	for {
		at := next(s.now())
		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		run(ctx, at)
	}
}

func (s *Scheduler) runHourly(ctx context.Context, at time.Time) {
	slice := HourSlice(at.Add(-s.delay))
	_, err := s.pipeline.RunSlice(ctx, slice)
	switch {
	case err == nil:
	case errors.Is(err, ErrSliceInProgress):
		s.logger.Info("Slice already running elsewhere", zap.String("slice", slice.String()))
	default:
		// RunSlice already logged the stage failure.
		s.logger.Debug("Scheduled slice failed", zap.String("slice", slice.String()), zap.Error(err))
	}
}

func (s *Scheduler) runArchive(ctx context.Context, at time.Time) {
	day := models.DateOf(at).AddDate(0, 0, -1)
	if _, err := s.archiver.Archive(ctx, day); err != nil {
		s.logger.Error("Daily archive failed", zap.String("day", day.Format(time.DateOnly)), zap.Error(err))
	}
}
