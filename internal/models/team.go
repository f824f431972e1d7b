package models

import (
	"time"

	"github.com/google/uuid"
)

// Division is the category a team competes in.
type Division string

const (
	DivisionCommunity Division = "Community"
	DivisionCorporate Division = "Corporate"
	DivisionSurvivor  Division = "Survivor"
	DivisionStudent   Division = "Student"
)

// ParseDivision returns the division for s, defaulting to Community when empty.
func ParseDivision(s string) (Division, bool) {
	switch Division(s) {
	case "":
		return DivisionCommunity, true
	case DivisionCommunity, DivisionCorporate, DivisionSurvivor, DivisionStudent:
		return Division(s), true
	}
	return "", false
}

// Team is a fundraising team. Membership is the set of users whose TeamID points here.
type Team struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	InviteCode   string    `json:"invite_code,omitempty"`
	CaptainID    string    `json:"captain_id"`
	Division     Division  `json:"division"`
	Description  string    `json:"description"`
	TotalRaised  int64     `json:"total_raised_cents"`
	DonationGoal int64     `json:"donation_goal_cents"`
	MemberCount  int       `json:"member_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WithoutInviteCode returns a copy safe for viewers other than the captain.
func (t Team) WithoutInviteCode() Team {
	t.InviteCode = ""
	return t
}
