package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/config"
	"github.com/radiusdt/marketing-analytics/internal/metrics"
	"github.com/radiusdt/marketing-analytics/internal/models"
	"github.com/radiusdt/marketing-analytics/internal/storage"
	"go.uber.org/zap"
)

// ArchiveOutcome reports one Archive call.
type ArchiveOutcome struct {
	Snapshot *storage.ArchiveResult `json:"snapshot"`
	Cutoff   time.Time              `json:"cutoff,omitempty"`
	Pruned   int64                  `json:"pruned"`
}

// Archiver snapshots a day of raw facts and applies the retention policy.
type Archiver struct {
	store         storage.Archiver
	retentionDays int
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

func NewArchiver(store storage.Archiver, cfg config.ETLConfig, m *metrics.Metrics, logger *zap.Logger) *Archiver {
	return &Archiver{
		store:         store,
		retentionDays: cfg.RetentionDays,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
}

// Archive copies day into its archive tables, then prunes raw facts older
// than the retention window. Pruning never reaches past the end of day.
func (a *Archiver) Archive(ctx context.Context, day time.Time) (*ArchiveOutcome, error) {
	day = models.DateOf(day)

	snap, err := a.store.ArchiveDay(ctx, day)
	if err != nil {
		a.metrics.RecordArchive(err, 0)
		return nil, fmt.Errorf("failed to archive %s: %w", day.Format(time.DateOnly), err)
	}
	out := &ArchiveOutcome{Snapshot: snap}

	if a.retentionDays > 0 {
		cutoff := models.DateOf(a.now()).AddDate(0, 0, -a.retentionDays)
		if limit := day.AddDate(0, 0, 1); cutoff.After(limit) {
			cutoff = limit
		}
		pruned, err := a.store.PruneBefore(ctx, cutoff)
		if err != nil {
			a.metrics.RecordArchive(err, 0)
			return out, fmt.Errorf("failed to prune facts before %s: %w", cutoff.Format(time.DateOnly), err)
		}
		out.Cutoff = cutoff
		out.Pruned = pruned
	}

	a.metrics.RecordArchive(nil, out.Pruned)
	a.logger.Info("Archived day",
		zap.String("day", day.Format(time.DateOnly)),
		zap.String("events_table", snap.EventsTable),
		zap.Int64("events", snap.Events),
		zap.String("conversions_table", snap.ConversionsTable),
		zap.Int64("conversions", snap.Conversions),
		zap.Int64("pruned", out.Pruned),
	)
	return out, nil
}
