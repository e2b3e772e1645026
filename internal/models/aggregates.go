package models

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// DateOf truncates t to its UTC day.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DayWindow covers the UTC days from first to last inclusive.
func DayWindow(first, last time.Time) Window {
	return Window{Start: DateOf(first), End: DateOf(last).Add(day)}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Dates returns every UTC day the window touches, in ascending order.
func (w Window) Dates() []time.Time {
	if !w.End.After(w.Start) {
		return nil
	}
	var dates []time.Time
	for d := DateOf(w.Start); d.Before(w.End); d = d.Add(day) {
		dates = append(dates, d)
	}
	return dates
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// ===========================================
// AGGREGATE ROWS
// ===========================================

type CampaignPerformance struct {
	Date                 time.Time `json:"date"`
	CampaignID           int64     `json:"campaign_id"`
	CampaignName         string    `json:"campaign_name"`
	ChannelID            int64     `json:"channel_id"`
	ChannelName          string    `json:"channel_name"`
	Conversions          int64     `json:"conversions"`
	TotalConversionValue float64   `json:"total_conversion_value"`
	AvgConversionValue   float64   `json:"avg_conversion_value"`
}

type ChannelPerformance struct {
	Date        time.Time `json:"date"`
	ChannelID   int64     `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	Events      int64     `json:"events"`
	UniqueUsers int64     `json:"unique_users"`
	Clicks      int64     `json:"clicks"`
	Impressions int64     `json:"impressions"`
	CTR         float64   `json:"ctr"`
}

type SegmentPerformance struct {
	Date                 time.Time `json:"date"`
	SegmentID            int64     `json:"segment_id"`
	SegmentName          string    `json:"segment_name"`
	Conversions          int64     `json:"conversions"`
	TotalConversionValue float64   `json:"total_conversion_value"`
	AvgConversionValue   float64   `json:"avg_conversion_value"`
}

type SegmentCAC struct {
	Date        time.Time `json:"date"`
	SegmentID   int64     `json:"segment_id"`
	SegmentName string    `json:"segment_name"`
	CAC         float64   `json:"cac"`
}

type ChannelROAS struct {
	Date        time.Time `json:"date"`
	ChannelID   int64     `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	ROAS        float64   `json:"roas"`
}

// SkipCounts counts facts dropped because they reference unknown
// reference data or violate fact invariants.
type SkipCounts struct {
	Events      int `json:"events"`
	Conversions int `json:"conversions"`
}

// Total returns the number of skipped facts of both kinds.
func (s SkipCounts) Total() int {
	return s.Events + s.Conversions
}

// AggregateSet holds the five daily views for a set of dates. Dates lists
// every day the set is authoritative for, including days without rows.
type AggregateSet struct {
	Dates               []time.Time           `json:"dates"`
	CampaignPerformance []CampaignPerformance `json:"campaign_performance"`
	ChannelPerformance  []ChannelPerformance  `json:"channel_performance"`
	SegmentPerformance  []SegmentPerformance  `json:"segment_performance"`
	SegmentCAC          []SegmentCAC          `json:"segment_cac"`
	ChannelROAS         []ChannelROAS         `json:"channel_roas"`
	Skipped             SkipCounts            `json:"skipped"`

	// Version orders concurrent refreshes of the same date; the higher
	// version wins.
	Version int64 `json:"version"`
}

// RowCount returns the number of rows across all views.
func (s *AggregateSet) RowCount() int {
	return len(s.CampaignPerformance) + len(s.ChannelPerformance) + len(s.SegmentPerformance) +
		len(s.SegmentCAC) + len(s.ChannelROAS)
}

// ForDate returns the subset of rows keyed on date.
func (s *AggregateSet) ForDate(date time.Time) *AggregateSet {
	out := &AggregateSet{Dates: []time.Time{date}, Version: s.Version}
	for _, r := range s.CampaignPerformance {
		if r.Date.Equal(date) {
			out.CampaignPerformance = append(out.CampaignPerformance, r)
		}
	}
	for _, r := range s.ChannelPerformance {
		if r.Date.Equal(date) {
			out.ChannelPerformance = append(out.ChannelPerformance, r)
		}
	}
	for _, r := range s.SegmentPerformance {
		if r.Date.Equal(date) {
			out.SegmentPerformance = append(out.SegmentPerformance, r)
		}
	}
	for _, r := range s.SegmentCAC {
		if r.Date.Equal(date) {
			out.SegmentCAC = append(out.SegmentCAC, r)
		}
	}
	for _, r := range s.ChannelROAS {
		if r.Date.Equal(date) {
			out.ChannelROAS = append(out.ChannelROAS, r)
		}
	}
	return out
}

// ===========================================
// KPI
// ===========================================

// KPISummary holds the headline numbers for a reporting window.
type KPISummary struct {
	CAC            float64 `json:"cac"`
	CLV            float64 `json:"clv"`
	ROAS           float64 `json:"roas"`
	ConversionRate float64 `json:"conversion_rate"`
}

// KPIChange is the percent change of each KPI between two summaries.
type KPIChange struct {
	CACChange            float64 `json:"cac_change"`
	CLVChange            float64 `json:"clv_change"`
	ROASChange           float64 `json:"roas_change"`
	ConversionRateChange float64 `json:"conversion_rate_change"`
}
