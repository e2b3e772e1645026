package models

import (
	"time"
)

// Event names with special meaning for the aggregates.
const (
	EventImpression = "impression"
	EventClick      = "click"
	EventPageView   = "page_view"
	EventAddToCart  = "add_to_cart"
	EventPurchase   = "purchase"
	EventOpen       = "open"
)

// Conversion types.
const (
	ConversionPurchase     = "purchase"
	ConversionSubscription = "subscription"
	ConversionLead         = "lead"
)

// ===========================================
// USER EVENT
// ===========================================

// Event is an append-only user interaction fact.
type Event struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	CampaignID int64     `json:"campaign_id"`
	ChannelID  int64     `json:"channel_id"`

	// Descriptive attributes
	Referrer string `json:"referrer,omitempty"`
	Device   string `json:"device,omitempty"`
	Browser  string `json:"browser,omitempty"`
	Location string `json:"location,omitempty"`

	Properties map[string]any `json:"properties,omitempty"`
}

// ===========================================
// CONVERSION
// ===========================================

// Conversion is an append-only fact carrying a currency value.
type Conversion struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	Type       string    `json:"type"`
	Value      float64   `json:"value"`
	CampaignID int64     `json:"campaign_id"`
	ChannelID  int64     `json:"channel_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// ===========================================
// HOURLY BUCKET
// ===========================================

// HourlyKey identifies a row of the hourly_events table.
type HourlyKey struct {
	CampaignID int64     `json:"campaign_id"`
	ChannelID  int64     `json:"channel_id"`
	Date       time.Time `json:"event_date"`
	Hour       int       `json:"event_hour"`
	EventName  string    `json:"event_name"`
}

// HourlyEvent is an hourly-granularity twin of the daily channel view.
type HourlyEvent struct {
	HourlyKey
	UniqueUsers int64 `json:"unique_users"`
	EventCount  int64 `json:"event_count"`
}
