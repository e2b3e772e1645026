package etl

import (
	"fmt"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/models"
)

// Slice is a half-open extraction window [Start, End).
type Slice struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// HourSlice returns the hour that ended at the last hour boundary before
// or at execTime.
func HourSlice(execTime time.Time) Slice {
	end := execTime.UTC().Truncate(time.Hour)
	return Slice{Start: end.Add(-time.Hour), End: end}
}

// SplitSlices cuts [start, end) into consecutive slices of width, a whole
// number of hours. The last slice is shortened to end.
func SplitSlices(start, end time.Time, width time.Duration) ([]Slice, error) {
	if width <= 0 || width%time.Hour != 0 {
		return nil, fmt.Errorf("%w: width %s is not a whole number of hours", ErrInvalidSlice, width)
	}
	if err := (Slice{Start: start, End: end}).Validate(); err != nil {
		return nil, err
	}

	var slices []Slice
	for s := start.UTC(); s.Before(end); s = s.Add(width) {
		e := s.Add(width)
		if e.After(end) {
			e = end.UTC()
		}
		slices = append(slices, Slice{Start: s, End: e})
	}
	return slices, nil
}

// Validate rejects zero, empty and inverted slices, and bounds that are
// not on a UTC hour. Load replaces whole hourly buckets, so a slice must
// own every hour it touches.
func (s Slice) Validate() error {
	if s.Start.IsZero() || s.End.IsZero() {
		return fmt.Errorf("%w: missing bound", ErrInvalidSlice)
	}
	if !s.End.After(s.Start) {
		return fmt.Errorf("%w: %s", ErrInvalidSlice, s)
	}
	if !onHour(s.Start) || !onHour(s.End) {
		return fmt.Errorf("%w: %s is not aligned to the hour", ErrInvalidSlice, s)
	}
	return nil
}

func onHour(t time.Time) bool {
	return t.Equal(t.Truncate(time.Hour))
}

// Window returns the slice as a fact window.
func (s Slice) Window() models.Window {
	return models.Window{Start: s.Start, End: s.End}
}

// Dates returns the UTC days the slice touches.
func (s Slice) Dates() []time.Time {
	return s.Window().Dates()
}

// Key identifies the slice for leases and logs.
func (s Slice) Key() string {
	return s.Start.UTC().Format(time.RFC3339) + "/" + s.End.UTC().Format(time.RFC3339)
}

func (s Slice) String() string {
	return "[" + s.Start.UTC().Format(time.RFC3339) + ", " + s.End.UTC().Format(time.RFC3339) + ")"
}
