package kpi

import (
	"testing"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/models"
	"github.com/stretchr/testify/assert"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestSummarize(t *testing.T) {
	set := &models.AggregateSet{
		CampaignPerformance: []models.CampaignPerformance{
			{Date: day, CampaignID: 1, Conversions: 2, TotalConversionValue: 120, AvgConversionValue: 60},
			{Date: day, CampaignID: 2, Conversions: 1, TotalConversionValue: 40, AvgConversionValue: 40},
		},
		ChannelPerformance: []models.ChannelPerformance{
			{Date: day, ChannelID: 1, Clicks: 10, Impressions: 100},
			{Date: day, ChannelID: 2, Clicks: 20, Impressions: 50},
		},
		SegmentCAC: []models.SegmentCAC{
			{Date: day, SegmentID: 1, CAC: 30},
			{Date: day, SegmentID: 2, CAC: 0},
		},
		ChannelROAS: []models.ChannelROAS{
			{Date: day, ChannelID: 1, ROAS: 3},
			{Date: day, ChannelID: 2, ROAS: 1},
		},
	}

	got := Summarize(set)

	assert.InDelta(t, 15.0, got.CAC, 1e-9)
	assert.InDelta(t, 150.0, got.CLV, 1e-9)
	assert.InDelta(t, 2.0, got.ROAS, 1e-9)
	assert.InDelta(t, 10.0, got.ConversionRate, 1e-9)
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, models.KPISummary{}, Summarize(&models.AggregateSet{}))
	assert.Equal(t, models.KPISummary{}, Summarize(nil))
}

func TestSummarize_NoClicks(t *testing.T) {
	set := &models.AggregateSet{
		CampaignPerformance: []models.CampaignPerformance{{Date: day, CampaignID: 1, Conversions: 4, AvgConversionValue: 10}},
		ChannelPerformance:  []models.ChannelPerformance{{Date: day, ChannelID: 1, Impressions: 100}},
	}

	got := Summarize(set)

	assert.Equal(t, 0.0, got.ConversionRate)
	assert.InDelta(t, 30.0, got.CLV, 1e-9)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		current  models.KPISummary
		previous models.KPISummary
		want     models.KPIChange
	}{
		{
			name:     "increase and decrease",
			current:  models.KPISummary{CAC: 30, CLV: 150, ROAS: 2, ConversionRate: 10},
			previous: models.KPISummary{CAC: 20, CLV: 200, ROAS: 2, ConversionRate: 5},
			want:     models.KPIChange{CACChange: 50, CLVChange: -25, ROASChange: 0, ConversionRateChange: 100},
		},
		{
			name:     "zero previous",
			current:  models.KPISummary{CAC: 30, CLV: 150, ROAS: 2, ConversionRate: 10},
			previous: models.KPISummary{},
			want:     models.KPIChange{},
		},
		{
			name:     "negative previous uses magnitude",
			current:  models.KPISummary{ROAS: -1},
			previous: models.KPISummary{ROAS: -2},
			want:     models.KPIChange{ROASChange: 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(tt.current, tt.previous)
			assert.InDelta(t, tt.want.CACChange, got.CACChange, 1e-9)
			assert.InDelta(t, tt.want.CLVChange, got.CLVChange, 1e-9)
			assert.InDelta(t, tt.want.ROASChange, got.ROASChange, 1e-9)
			assert.InDelta(t, tt.want.ConversionRateChange, got.ConversionRateChange, 1e-9)
		})
	}
}

func TestCompare_IsDeterministic(t *testing.T) {
	cur := models.KPISummary{CAC: 12.5, CLV: 99, ROAS: 1.1, ConversionRate: 3}
	prev := models.KPISummary{CAC: 10, CLV: 90, ROAS: 1.0, ConversionRate: 4}

	assert.Equal(t, Compare(cur, prev), Compare(cur, prev))
}
