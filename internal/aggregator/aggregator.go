// Package aggregator turns a window of event and conversion facts into the
// daily campaign, channel and segment views plus segment CAC and channel
// ROAS. Aggregate has no side effects.
package aggregator

import (
	"math"
	"sort"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/models"
)

// Facts is a batch of raw facts read from the fact store.
type Facts struct {
	Events      []models.Event
	Conversions []models.Conversion
}

// groupKey is a (date, entity) composite key. date is unix seconds of the
// UTC day.
type groupKey struct {
	date int64
	id   int64
}

func keyOf(ts time.Time, id int64) groupKey {
	return groupKey{date: models.DateOf(ts).Unix(), id: id}
}

func (k groupKey) day() time.Time {
	return time.Unix(k.date, 0).UTC()
}

func (k groupKey) less(o groupKey) bool {
	if k.date != o.date {
		return k.date < o.date
	}
	return k.id < o.id
}

type userSet map[string]struct{}

type idSet map[int64]struct{}

// Aggregate computes the five daily views over the facts inside window.
func Aggregate(window models.Window, facts Facts, ref *Reference) *models.AggregateSet {
	events, conversions, skipped := prepare(window, facts, ref)

	return &models.AggregateSet{
		Dates:               window.Dates(),
		CampaignPerformance: campaignPerformance(conversions, ref),
		ChannelPerformance:  channelPerformance(events, ref),
		SegmentPerformance:  segmentPerformance(conversions, ref),
		SegmentCAC:          segmentCAC(events, conversions, ref),
		ChannelROAS:         channelROAS(events, conversions, ref),
		Skipped:             skipped,
	}
}

// prepare keeps the in-window facts whose references resolve and orders
// them by (timestamp, id) so float sums are reproducible.
func prepare(window models.Window, facts Facts, ref *Reference) ([]models.Event, []models.Conversion, models.SkipCounts) {
	var skipped models.SkipCounts

	events := make([]models.Event, 0, len(facts.Events))
	for _, e := range facts.Events {
		if !window.Contains(e.Timestamp) {
			continue
		}
		if e.UserID == "" || !ref.knownFact(e.CampaignID, e.ChannelID) {
			skipped.Events++
			continue
		}
		events = append(events, e)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})

	conversions := make([]models.Conversion, 0, len(facts.Conversions))
	for _, c := range facts.Conversions {
		if !window.Contains(c.Timestamp) {
			continue
		}
		if c.UserID == "" || c.Value < 0 || math.IsNaN(c.Value) || !ref.knownFact(c.CampaignID, c.ChannelID) {
			skipped.Conversions++
			continue
		}
		conversions = append(conversions, c)
	}
	sort.SliceStable(conversions, func(i, j int) bool {
		if !conversions[i].Timestamp.Equal(conversions[j].Timestamp) {
			return conversions[i].Timestamp.Before(conversions[j].Timestamp)
		}
		return conversions[i].ID < conversions[j].ID
	})

	return events, conversions, skipped
}

// ratio returns num/den, or 0 when den is not positive.
func ratio(num, den float64) float64 {
	if den > 0 {
		return num / den
	}
	return 0
}

type valueGroup struct {
	users userSet
	total float64
}

func (g *valueGroup) add(userID string, value float64) {
	g.users[userID] = struct{}{}
	g.total += value
}

func newValueGroup() *valueGroup {
	return &valueGroup{users: make(userSet)}
}

func sortedKeys[V any](m map[groupKey]V) []groupKey {
	keys := make([]groupKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// ===========================================
// CAMPAIGN PERFORMANCE
// ===========================================

func campaignPerformance(conversions []models.Conversion, ref *Reference) []models.CampaignPerformance {
	groups := make(map[groupKey]*valueGroup)
	for _, c := range conversions {
		k := keyOf(c.Timestamp, c.CampaignID)
		g, ok := groups[k]
		if !ok {
			g = newValueGroup()
			groups[k] = g
		}
		g.add(c.UserID, c.Value)
	}

	rows := make([]models.CampaignPerformance, 0, len(groups))
	for _, k := range sortedKeys(groups) {
		g := groups[k]
		camp := ref.Campaigns[k.id]
		ch := ref.Channels[camp.ChannelID]
		n := int64(len(g.users))
		rows = append(rows, models.CampaignPerformance{
			Date:                 k.day(),
			CampaignID:           camp.ID,
			CampaignName:         camp.Name,
			ChannelID:            ch.ID,
			ChannelName:          ch.Name,
			Conversions:          n,
			TotalConversionValue: g.total,
			AvgConversionValue:   ratio(g.total, float64(n)),
		})
	}
	return rows
}

// ===========================================
// CHANNEL PERFORMANCE
// ===========================================

type channelGroup struct {
	events      int64
	users       userSet
	clicks      int64
	impressions int64
}

func channelPerformance(events []models.Event, ref *Reference) []models.ChannelPerformance {
	groups := make(map[groupKey]*channelGroup)
	for _, e := range events {
		k := keyOf(e.Timestamp, e.ChannelID)
		g, ok := groups[k]
		if !ok {
			g = &channelGroup{users: make(userSet)}
			groups[k] = g
		}
		g.events++
		g.users[e.UserID] = struct{}{}
		switch e.Name {
		case models.EventClick:
			g.clicks++
		case models.EventImpression:
			g.impressions++
		}
	}

	rows := make([]models.ChannelPerformance, 0, len(groups))
	for _, k := range sortedKeys(groups) {
		g := groups[k]
		rows = append(rows, models.ChannelPerformance{
			Date:        k.day(),
			ChannelID:   k.id,
			ChannelName: ref.Channels[k.id].Name,
			Events:      g.events,
			UniqueUsers: int64(len(g.users)),
			Clicks:      g.clicks,
			Impressions: g.impressions,
			CTR:         ratio(float64(g.clicks), float64(g.impressions)),
		})
	}
	return rows
}

// ===========================================
// SEGMENT PERFORMANCE
// ===========================================

// segmentPerformance counts a conversion once for every segment its user
// belongs to.
func segmentPerformance(conversions []models.Conversion, ref *Reference) []models.SegmentPerformance {
	groups := make(map[groupKey]*valueGroup)
	for _, c := range conversions {
		for _, segID := range ref.SegmentsOf(c.UserID) {
			k := keyOf(c.Timestamp, segID)
			g, ok := groups[k]
			if !ok {
				g = newValueGroup()
				groups[k] = g
			}
			g.add(c.UserID, c.Value)
		}
	}

	rows := make([]models.SegmentPerformance, 0, len(groups))
	for _, k := range sortedKeys(groups) {
		g := groups[k]
		n := int64(len(g.users))
		rows = append(rows, models.SegmentPerformance{
			Date:                 k.day(),
			SegmentID:            k.id,
			SegmentName:          ref.Segments[k.id].Name,
			Conversions:          n,
			TotalConversionValue: g.total,
			AvgConversionValue:   ratio(g.total, float64(n)),
		})
	}
	return rows
}

// ===========================================
// SEGMENT CAC
// ===========================================

// segmentCAC is keyed on the spend side: a (date, segment) whose users saw
// campaign events gets a row even without purchases.
func segmentCAC(events []models.Event, conversions []models.Conversion, ref *Reference) []models.SegmentCAC {
	touched := make(map[groupKey]idSet)
	for _, e := range events {
		for _, segID := range ref.SegmentsOf(e.UserID) {
			k := keyOf(e.Timestamp, segID)
			if touched[k] == nil {
				touched[k] = make(idSet)
			}
			touched[k][e.CampaignID] = struct{}{}
		}
	}

	buyers := make(map[groupKey]userSet)
	for _, c := range conversions {
		if c.Type != models.ConversionPurchase {
			continue
		}
		for _, segID := range ref.SegmentsOf(c.UserID) {
			k := keyOf(c.Timestamp, segID)
			if buyers[k] == nil {
				buyers[k] = make(userSet)
			}
			buyers[k][c.UserID] = struct{}{}
		}
	}

	rows := make([]models.SegmentCAC, 0, len(touched))
	for _, k := range sortedKeys(touched) {
		spend := amortizedSpend(touched[k], ref)
		rows = append(rows, models.SegmentCAC{
			Date:        k.day(),
			SegmentID:   k.id,
			SegmentName: ref.Segments[k.id].Name,
			CAC:         ratio(spend, float64(len(buyers[k]))),
		})
	}
	return rows
}

// ===========================================
// CHANNEL ROAS
// ===========================================

// channelROAS is keyed on the spend side: campaigns with events on the
// channel that day. Campaign Status, StartDate and EndDate are not
// consulted; an event is what makes a campaign active for the day.
// Missing revenue counts as 0.
func channelROAS(events []models.Event, conversions []models.Conversion, ref *Reference) []models.ChannelROAS {
	active := make(map[groupKey]idSet)
	for _, e := range events {
		k := keyOf(e.Timestamp, e.ChannelID)
		if active[k] == nil {
			active[k] = make(idSet)
		}
		active[k][e.CampaignID] = struct{}{}
	}

	revenue := make(map[groupKey]float64)
	for _, c := range conversions {
		revenue[keyOf(c.Timestamp, c.ChannelID)] += c.Value
	}

	rows := make([]models.ChannelROAS, 0, len(active))
	for _, k := range sortedKeys(active) {
		spend := amortizedSpend(active[k], ref)
		rows = append(rows, models.ChannelROAS{
			Date:        k.day(),
			ChannelID:   k.id,
			ChannelName: ref.Channels[k.id].Name,
			ROAS:        ratio(revenue[k], spend),
		})
	}
	return rows
}

// amortizedSpend sums the daily spend of each campaign once, in id order.
func amortizedSpend(campaigns idSet, ref *Reference) float64 {
	ids := make([]int64, 0, len(campaigns))
	for id := range campaigns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var total float64
	for _, id := range ids {
		total += ref.Campaigns[id].DailySpend()
	}
	return total
}
