package aggregator

import (
	"context"

	"github.com/radiusdt/marketing-analytics/internal/models"
	"github.com/radiusdt/marketing-analytics/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Runner loads facts and reference data from the stores it is given and
// aggregates them. It holds no state between runs.
type Runner struct {
	facts storage.FactStore
	refs  storage.ReferenceRepo
}

func NewRunner(facts storage.FactStore, refs storage.ReferenceRepo) *Runner {
	return &Runner{facts: facts, refs: refs}
}

// Run aggregates every fact in window against current reference data.
func (r *Runner) Run(ctx context.Context, window models.Window) (*models.AggregateSet, error) {
	var (
		facts Facts
		ref   *Reference
	)

	g, gctx := errgroup.WithContext(ctx)
	q := storage.FactQuery{Start: window.Start, End: window.End}
	g.Go(func() error {
		events, err := r.facts.Events(gctx, q)
		facts.Events = events
		return err
	})
	g.Go(func() error {
		conversions, err := r.facts.Conversions(gctx, q)
		facts.Conversions = conversions
		return err
	})
	g.Go(func() error {
		var err error
		ref, err = LoadReference(gctx, r.refs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Aggregate(window, facts, ref), nil
}

// LoadReference reads all reference data into a Reference.
func LoadReference(ctx context.Context, refs storage.ReferenceRepo) (*Reference, error) {
	channels, err := refs.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	campaigns, err := refs.ListCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	segments, err := refs.ListSegments(ctx)
	if err != nil {
		return nil, err
	}
	userSegments, err := refs.ListUserSegments(ctx)
	if err != nil {
		return nil, err
	}
	return NewReference(channels, campaigns, segments, userSegments), nil
}
