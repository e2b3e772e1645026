package aggregator

import (
	"sort"

	"github.com/radiusdt/marketing-analytics/internal/models"
)

// Reference indexes the reference data an aggregation run joins against.
type Reference struct {
	Channels  map[int64]*models.Channel
	Campaigns map[int64]*models.Campaign
	Segments  map[int64]*models.Segment

	// user id -> sorted, deduplicated ids of known segments
	userSegments map[string][]int64
}

// NewReference builds a Reference. Assignments to unknown segments are
// dropped.
func NewReference(
	channels []*models.Channel,
	campaigns []*models.Campaign,
	segments []*models.Segment,
	userSegments []models.UserSegment,
) *Reference {
	ref := &Reference{
		Channels:     make(map[int64]*models.Channel, len(channels)),
		Campaigns:    make(map[int64]*models.Campaign, len(campaigns)),
		Segments:     make(map[int64]*models.Segment, len(segments)),
		userSegments: make(map[string][]int64),
	}
	for _, ch := range channels {
		ref.Channels[ch.ID] = ch
	}
	for _, c := range campaigns {
		ref.Campaigns[c.ID] = c
	}
	for _, s := range segments {
		ref.Segments[s.ID] = s
	}

	seen := make(map[models.UserSegment]struct{}, len(userSegments))
	for _, us := range userSegments {
		if _, ok := ref.Segments[us.SegmentID]; !ok {
			continue
		}
		if _, dup := seen[us]; dup {
			continue
		}
		seen[us] = struct{}{}
		ref.userSegments[us.UserID] = append(ref.userSegments[us.UserID], us.SegmentID)
	}
	for _, ids := range ref.userSegments {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	return ref
}

// SegmentsOf returns the segments a user belongs to.
func (r *Reference) SegmentsOf(userID string) []int64 {
	return r.userSegments[userID]
}

// knownFact reports whether a fact's campaign, channel and the campaign's
// own channel all exist.
func (r *Reference) knownFact(campaignID, channelID int64) bool {
	camp, ok := r.Campaigns[campaignID]
	if !ok {
		return false
	}
	if _, ok := r.Channels[channelID]; !ok {
		return false
	}
	_, ok = r.Channels[camp.ChannelID]
	return ok
}
