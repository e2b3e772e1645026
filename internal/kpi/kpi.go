// Package kpi reduces aggregate rows to headline numbers.
package kpi

import (
	"math"

	"github.com/radiusdt/marketing-analytics/internal/models"
)

// CLVMultiplier approximates lifetime value as a multiple of the average
// conversion value.
const CLVMultiplier = 3

// Summarize computes the KPI summary of set. An empty set gives all zeros.
//
//   - cac: mean segment CAC
//   - clv: CLVMultiplier x mean campaign avg conversion value
//   - roas: mean channel ROAS
//   - conversion_rate: campaign conversions / channel clicks x 100
func Summarize(set *models.AggregateSet) models.KPISummary {
	if set == nil {
		return models.KPISummary{}
	}

	var cac mean
	for _, r := range set.SegmentCAC {
		cac.add(r.CAC)
	}

	var avgValue mean
	var conversions int64
	for _, r := range set.CampaignPerformance {
		avgValue.add(r.AvgConversionValue)
		conversions += r.Conversions
	}

	var roas mean
	for _, r := range set.ChannelROAS {
		roas.add(r.ROAS)
	}

	var clicks int64
	for _, r := range set.ChannelPerformance {
		clicks += r.Clicks
	}

	var rate float64
	if clicks > 0 {
		rate = float64(conversions) / float64(clicks) * 100
	}

	return models.KPISummary{
		CAC:            cac.value(),
		CLV:            CLVMultiplier * avgValue.value(),
		ROAS:           roas.value(),
		ConversionRate: rate,
	}
}

// Compare returns the percent change from previous to current per KPI.
func Compare(current, previous models.KPISummary) models.KPIChange {
	return models.KPIChange{
		CACChange:            percentChange(current.CAC, previous.CAC),
		CLVChange:            percentChange(current.CLV, previous.CLV),
		ROASChange:           percentChange(current.ROAS, previous.ROAS),
		ConversionRateChange: percentChange(current.ConversionRate, previous.ConversionRate),
	}
}

func percentChange(cur, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return (cur - prev) / math.Abs(prev) * 100
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}
