package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BackfillResult summarizes a Backfill call.
type BackfillResult struct {
	Slices  []*SliceResult  `json:"slices"`
	Refresh *RefreshOutcome `json:"refresh,omitempty"`
}

// Failed returns the slices that did not load.
func (r *BackfillResult) Failed() []*SliceResult {
	var failed []*SliceResult
	for _, s := range r.Slices {
		if s != nil && s.State == StateFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// Backfill loads [start, end) in slices of the configured width, at most
// parallelism at a time, then refreshes every day a loaded slice touched
// once. Slice failures do not stop the other slices; all of them are
// returned joined.
func (p *Pipeline) Backfill(ctx context.Context, start, end time.Time, parallelism int) (*BackfillResult, error) {
	width := p.cfg.SliceWidth
	if width <= 0 {
		width = time.Hour
	}
	slices, err := SplitSlices(start, end, width)
	if err != nil {
		return nil, err
	}
	if parallelism < 1 {
		parallelism = 1
	}

	p.logger.Info("Starting backfill",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("slices", len(slices)),
		zap.Int("parallelism", parallelism),
	)

	results := make([]*SliceResult, len(slices))
	errs := make([]error, len(slices))

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, slice := range slices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = p.run(ctx, slice, false)
			return nil
		})
	}
	_ = g.Wait()

	out := &BackfillResult{Slices: results}

	seen := make(map[int64]struct{})
	var dates []time.Time
	for _, r := range results {
		if r == nil || r.State != StateLoaded {
			continue
		}
		for _, d := range r.Slice.Dates() {
			if _, ok := seen[d.Unix()]; !ok {
				seen[d.Unix()] = struct{}{}
				dates = append(dates, d)
			}
		}
	}

	if len(dates) > 0 {
		started := time.Now()
		outcome, err := p.Refresh(ctx, dates)
		p.metrics.RecordStage(string(StageRefresh), time.Since(started), err)
		if err != nil {
			whole := Slice{Start: slices[0].Start, End: slices[len(slices)-1].End}
			for _, r := range results {
				if r != nil && r.State == StateLoaded {
					r.State = StateFailed
					r.FailedStage = StageRefresh
					p.metrics.RecordSlice(string(StateFailed), r.Slice.End)
				}
			}
			errs = append(errs, &StageError{Stage: StageRefresh, Slice: whole, Err: err})
		} else {
			out.Refresh = outcome
			for _, r := range results {
				if r != nil && r.State == StateLoaded {
					r.markRefreshed(outcome)
					p.metrics.RecordSlice(string(StateRefreshed), r.Slice.End)
				}
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		failed := 0
		for _, e := range errs {
			if e != nil {
				failed++
			}
		}
		p.logger.Error("Backfill finished with errors", zap.Int("failed_slices", failed), zap.Error(err))
		return out, fmt.Errorf("backfill had %d failures over %d slices: %w", failed, len(slices), err)
	}

	p.logger.Info("Backfill finished", zap.Int("slices", len(slices)), zap.Int("dates", len(dates)))
	return out, nil
}
