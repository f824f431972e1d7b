// Package ledger persists users, teams, registrations and donations.
//
// Every method is atomic on a single record. Aggregate counters (user amount
// raised/donated, team total raised) are caches over the donation ledger and are
// updated with atomic increments; the Rebuild* methods recompute them from source.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/bravethewaves/backend/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key (team name, invite code) is taken.
	ErrConflict = errors.New("conflict")
	// ErrDonationCodeTaken is returned when a generated donation code collides.
	ErrDonationCodeTaken = errors.New("donation code taken")
	// ErrAlreadyOnTeam is returned when a user with a team joins or creates another.
	ErrAlreadyOnTeam = errors.New("user already on a team")
)

// UserSync carries identity fields applied when a user is first seen.
type UserSync struct {
	ID    string
	Email string
	Name  string
}

// ProfileUpdate holds optional profile changes; nil fields are left alone.
type ProfileUpdate struct {
	Name *string
	Bio  *string
}

// ListQuery filters and bounds participant and team listings.
type ListQuery struct {
	Search string // case-insensitive substring of the name
	Limit  int    // 0 means no limit
	// ByRaised orders by amount raised (descending) instead of name.
	ByRaised bool
}

// TeamUpdate holds optional team changes; nil fields are left alone.
type TeamUpdate struct {
	Name         *string
	Division     *models.Division
	Description  *string
	DonationGoal *int64
}

// RegistrationPayment is applied by MarkRegistrationPaid.
type RegistrationPayment struct {
	UserID        string
	CustomerID    string
	TransactionID string
	AmountPaid    int64
	Currency      string
	PaidBy        *string
	BundleEmails  []string
}

// Users is the user half of the store.
type Users interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	// SyncUser creates the user with defaults if absent; an existing user is returned unchanged.
	SyncUser(ctx context.Context, s UserSync) (user *models.User, created bool, err error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByDonationCode(ctx context.Context, code string) (*models.User, error)
	// PromoteToPaddler sets role paddler and assigns code only if the user has none.
	PromoteToPaddler(ctx context.Context, id, code string) (*models.User, error)
	IncrementAmountRaised(ctx context.Context, id string, cents int64) error
	IncrementAmountDonated(ctx context.Context, id string, cents int64) error
	UpdateProfile(ctx context.Context, id string, u ProfileUpdate) (*models.User, error)
	ListParticipants(ctx context.Context, q ListQuery) ([]models.User, error)
}

// Teams is the team half of the store.
type Teams interface {
	// CreateTeam inserts team and links the captain to it; the captain must not be on a team.
	CreateTeam(ctx context.Context, team *models.Team) error
	GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error)
	GetTeamByName(ctx context.Context, name string) (*models.Team, error)
	GetTeamByInviteCode(ctx context.Context, code string) (*models.Team, error)
	UpdateTeam(ctx context.Context, id uuid.UUID, u TeamUpdate) (*models.Team, error)
	// DeleteTeam removes the team and clears the team reference on all members.
	DeleteTeam(ctx context.Context, id uuid.UUID) error
	JoinTeam(ctx context.Context, userID string, teamID uuid.UUID) error
	// LeaveTeam clears userID's team reference if it points at teamID.
	LeaveTeam(ctx context.Context, userID string, teamID uuid.UUID) error
	ListTeams(ctx context.Context, q ListQuery) ([]models.Team, error)
	ListTeamMembers(ctx context.Context, teamID uuid.UUID) ([]models.User, error)
	IncrementTeamRaised(ctx context.Context, teamID uuid.UUID, cents int64) error
}

// Registrations is the registration half of the store.
type Registrations interface {
	GetRegistration(ctx context.Context, userID string) (*models.Registration, error)
	// MarkRegistrationPaid creates the registration if absent and sets has-paid.
	// transitioned is true only when has-paid went from false to true. On an
	// already-paid record the processor ids are refreshed and PaidBy is kept.
	MarkRegistrationPaid(ctx context.Context, p RegistrationPayment) (transitioned bool, err error)
	// FindBundleOwnerByEmail returns a paid registration whose bundle emails contain email.
	FindBundleOwnerByEmail(ctx context.Context, email string) (*models.Registration, error)
}

// Donations is the donation ledger.
type Donations interface {
	// CreateDonation inserts d; created is false when the payment intent already exists.
	CreateDonation(ctx context.Context, d *models.Donation) (created bool, err error)
	GetDonation(ctx context.Context, paymentIntentID string) (*models.Donation, error)
	SetDonationStatus(ctx context.Context, paymentIntentID string, status models.DonationStatus) error
	ListDonationsForUser(ctx context.Context, userID string) ([]models.Donation, error)
	ListDonationsForTeam(ctx context.Context, teamID uuid.UUID) ([]models.Donation, error)
	ListDonationsByDonorEmail(ctx context.Context, email string) ([]models.Donation, error)
}

// Rebuilder recomputes aggregate caches from the donation ledger.
type Rebuilder interface {
	RebuildUserAggregates(ctx context.Context, userID string) error
	RebuildTeamTotal(ctx context.Context, teamID uuid.UUID) error
	RebuildAll(ctx context.Context) error
}

// Store is the full ledger.
type Store interface {
	Users
	Teams
	Registrations
	Donations
	Rebuilder
}
