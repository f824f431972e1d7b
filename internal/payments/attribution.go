package payments

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/models"
)

// PartyRole is how a user relates to a payment.
type PartyRole string

const (
	RolePayer       PartyRole = "payer"
	RoleBeneficiary PartyRole = "beneficiary"
	RoleTarget      PartyRole = "target"
	RoleDonor       PartyRole = "donor"
)

// Miss records a soft link that did not resolve. Misses are diagnostics, not failures.
type Miss struct {
	Role PartyRole
	Key  string // user id, donation code or email that was looked up
}

// Attribution is the set of accounts one payment affects.
type Attribution struct {
	Intent Intent

	// registration and bundle
	Payer         *models.User
	Beneficiaries []*models.User
	// Deferred are bundle emails with no account yet; they are claimed when
	// that email first syncs.
	Deferred []string

	// donation
	Target *models.User
	Donor  *models.User

	Unresolved []Miss
}

func (a *Attribution) miss(role PartyRole, key string) {
	a.Unresolved = append(a.Unresolved, Miss{Role: role, Key: key})
}

// Resolver turns the soft links carried by a payment into user references.
type Resolver struct {
	users  ledger.Users
	logger *zap.Logger
}

// NewResolver creates a resolver over the user store.
func NewResolver(users ledger.Users, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{users: users, logger: logger}
}

// Resolve looks up every party named by ev. Only store failures are returned
// as errors; a reference that matches nothing is recorded in Unresolved.
func (r *Resolver) Resolve(ctx context.Context, ev CompletedCheckout) (*Attribution, error) {
	a := &Attribution{Intent: ev.Intent}
	var err error
	switch in := ev.Intent.(type) {
	case RegistrationIntent:
		a.Payer, err = r.lookup(ctx, a, RolePayer, in.UserID, r.users.GetUser)
	case BundleIntent:
		a.Payer, err = r.lookup(ctx, a, RolePayer, in.UserID, r.users.GetUser)
		if err == nil && a.Payer != nil {
			err = r.resolveBeneficiaries(ctx, a, in.Emails)
		}
	case DonationIntent:
		// target and donor are independent; either may resolve without the other
		if in.DonationCode != "" {
			a.Target, err = r.lookup(ctx, a, RoleTarget, in.DonationCode, r.users.FindUserByDonationCode)
		}
		if err == nil && ev.PayerEmail != "" {
			a.Donor, err = r.lookup(ctx, a, RoleDonor, ev.PayerEmail, r.users.FindUserByEmail)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported intent %T", ErrInvalidEvent, ev.Intent)
	}
	if err != nil {
		return nil, err
	}
	for _, m := range a.Unresolved {
		r.logger.Info("attribution miss",
			zap.String("payment_intent", ev.PaymentIntentID),
			zap.String("role", string(m.Role)),
			zap.String("key", m.Key),
		)
	}
	return a, nil
}

func (r *Resolver) resolveBeneficiaries(ctx context.Context, a *Attribution, emails []string) error {
	seen := map[string]struct{}{a.Payer.ID: {}}
	for _, email := range emails {
		u, err := r.lookup(ctx, a, RoleBeneficiary, email, r.users.FindUserByEmail)
		if err != nil {
			return err
		}
		if u == nil {
			a.Deferred = append(a.Deferred, email)
			continue
		}
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		a.Beneficiaries = append(a.Beneficiaries, u)
	}
	return nil
}

// lookup returns (nil, nil) and records a miss when key matches nothing.
func (r *Resolver) lookup(
	ctx context.Context,
	a *Attribution,
	role PartyRole,
	key string,
	find func(context.Context, string) (*models.User, error),
) (*models.User, error) {
	u, err := find(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		a.miss(role, key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", role, err)
	}
	return u, nil
}
