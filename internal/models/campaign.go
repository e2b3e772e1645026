package models

import (
	"errors"
	"time"
)

// SpendAmortizationDays is the fixed window campaign spend is spread over
// when attributing it to a single day.
const SpendAmortizationDays = 30

type CampaignStatus string

const (
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// ===========================================
// CHANNEL
// ===========================================

type ChannelType string

const (
	ChannelTypeSocial  ChannelType = "social"
	ChannelTypeSearch  ChannelType = "search"
	ChannelTypeEmail   ChannelType = "email"
	ChannelTypeDisplay ChannelType = "display"
)

// Channel is immutable reference data for a marketing channel.
type Channel struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Type      ChannelType `json:"type"`
	CostModel *string     `json:"cost_model,omitempty"` // CPC, CPM or nil
}

// ===========================================
// CAMPAIGN
// ===========================================

// Campaign is owned by a single channel. Status is persisted as generated
// and is not recomputed from EndDate.
type Campaign struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	ChannelID   int64          `json:"channel_id"`
	StartDate   time.Time      `json:"start_date"`
	EndDate     *time.Time     `json:"end_date,omitempty"`
	Budget      float64        `json:"budget"`
	SpendToDate float64        `json:"spend"`
	Status      CampaignStatus `json:"status"`
}

// DailySpend returns spend to date amortized over SpendAmortizationDays.
// It ignores the real campaign duration.
func (c *Campaign) DailySpend() float64 {
	return c.SpendToDate / SpendAmortizationDays
}

// Validate checks campaign invariants.
func (c *Campaign) Validate() error {
	if c.ID <= 0 {
		return errors.New("campaign id is required")
	}
	if c.ChannelID <= 0 {
		return errors.New("campaign channel_id is required")
	}
	if c.SpendToDate < 0 {
		return errors.New("spend must be >= 0")
	}
	if c.EndDate != nil && c.EndDate.Before(c.StartDate) {
		return errors.New("end_date must not be before start_date")
	}
	return nil
}

// ===========================================
// SEGMENT
// ===========================================

type Segment struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// UserSegment assigns a user to a segment. A user may belong to many segments.
type UserSegment struct {
	UserID    string `json:"user_id"`
	SegmentID int64  `json:"segment_id"`
}
