package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role represents a user's role in the event.
type Role string

const (
	RoleUser    Role = "user"
	RolePaddler Role = "paddler"
)

// User is an identity-linked account. ID is the identity provider subject.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          Role       `json:"role"`
	AmountRaised  int64      `json:"amount_raised_cents"`
	AmountDonated int64      `json:"amount_donated_cents"`
	DonationCode  string     `json:"donation_code,omitempty"`
	TeamID        *uuid.UUID `json:"team_id,omitempty"`
	Bio           string     `json:"bio"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsPaddler reports whether the user has completed registration.
func (u *User) IsPaddler() bool { return u.Role == RolePaddler }

// UserPublic is the participant view exposed on public listings.
type UserPublic struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	AmountRaised int64      `json:"amount_raised_cents"`
	DonationCode string     `json:"donation_code,omitempty"`
	TeamID       *uuid.UUID `json:"team_id,omitempty"`
	Bio          string     `json:"bio"`
}

// ToPublic converts User to UserPublic.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:           u.ID,
		Name:         u.Name,
		AmountRaised: u.AmountRaised,
		DonationCode: u.DonationCode,
		TeamID:       u.TeamID,
		Bio:          u.Bio,
	}
}

// NormalizeEmail lowercases and trims an email for index lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
