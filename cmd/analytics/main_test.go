package main

import (
	"context"
	"testing"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/etl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{"2024-03-01T10:30:00Z", time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), true},
		{"2024-03-01T12:30:00+02:00", time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), true},
		{"01/03/2024", time.Time{}, false},
		{"", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTime(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func sliceFromArgs(t *testing.T, args ...string) (etl.Slice, error) {
	t.Helper()
	var (
		slice etl.Slice
		err   error
	)
	cmd := &cli.Command{
		Name:  "run-slice",
		Flags: runSliceCommand().Flags,
		Action: func(_ context.Context, c *cli.Command) error {
			slice, err = sliceFromFlags(c)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"run-slice"}, args...)))
	return slice, err
}

func TestSliceFromFlags(t *testing.T) {
	slice, err := sliceFromArgs(t, "--at", "2024-03-01T10:17:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), slice.Start)

	slice, err = sliceFromArgs(t, "--start", "2024-03-01T09:00:00Z", "--end", "2024-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, slice.End.Sub(slice.Start))

	_, err = sliceFromArgs(t, "--start", "2024-03-01T08:30:00Z", "--end", "2024-03-01T09:30:00Z")
	assert.ErrorIs(t, err, etl.ErrInvalidSlice)
}
