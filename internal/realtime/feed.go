package realtime

import (
	"context"

	"github.com/google/uuid"

	"github.com/bravethewaves/backend/internal/models"
)

// EventDonation is the feed event name for a newly recorded donation.
const EventDonation = "donation"

// DonationEvent is the public payload pushed to feed subscribers.
type DonationEvent struct {
	models.DonationPublic
	TeamID *uuid.UUID `json:"team_id,omitempty"`
}

// Feed publishes recorded donations to the global room and, when the
// recipient is on a team, to that team's room.
type Feed struct {
	hub *Hub
}

// NewFeed returns a feed backed by hub.
func NewFeed(hub *Hub) *Feed {
	return &Feed{hub: hub}
}

// DonationRecorded masks anonymous donors before anything leaves the process.
func (f *Feed) DonationRecorded(_ context.Context, d *models.Donation, teamID *uuid.UUID) {
	if d == nil {
		return
	}
	ev := DonationEvent{DonationPublic: d.ToPublic(), TeamID: teamID}
	f.hub.Publish(RoomAll, EventDonation, ev)
	if teamID != nil {
		f.hub.Publish(TeamRoom(*teamID), EventDonation, ev)
	}
}
