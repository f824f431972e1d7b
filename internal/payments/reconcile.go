package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/models"
	"github.com/bravethewaves/backend/pkg/queue"
)

// maxCodeAttempts bounds donation-code generation when codes collide.
const maxCodeAttempts = 5

// Jobs receives follow-up work. Implemented by *queue.Queue.
type Jobs interface {
	EnqueueDonationReceipt(ctx context.Context, p queue.DonationReceiptPayload) error
	EnqueueAggregateRebuild(ctx context.Context, p queue.AggregateRebuildPayload) error
}

// Notifier is told about newly recorded donations. Implemented by the live feed.
type Notifier interface {
	DonationRecorded(ctx context.Context, d *models.Donation, teamID *uuid.UUID)
}

// Outcome reports what Apply did with one event.
type Outcome struct {
	Type PaymentType
	// Duplicate is true when the event had already been applied.
	Duplicate bool
	// Donation is set when this call recorded a new donation.
	Donation *models.Donation
	// Paid lists users whose registration went from unpaid to paid.
	Paid        []string
	Attribution *Attribution
}

// Engine applies resolved payments to the ledger exactly once per payment.
//
// Donations are keyed by payment intent: the ledger entry is created first and
// counters are only incremented by the call that created it. Registrations are
// keyed by user: has-paid flips once and re-delivery is a no-op.
type Engine struct {
	store    ledger.Store
	resolver *Resolver
	jobs     Jobs
	notifier Notifier
	logger   *zap.Logger
	newCode  func() (string, error)
}

// NewEngine creates a reconciliation engine. jobs and notifier may be nil.
func NewEngine(store ledger.Store, jobs Jobs, notifier Notifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		resolver: NewResolver(store, logger),
		jobs:     jobs,
		notifier: notifier,
		logger:   logger,
		newCode:  models.NewCode,
	}
}

// Apply reconciles one completed checkout. Resolution misses and duplicates
// are not errors; an error means the store failed and the event should be retried.
func (e *Engine) Apply(ctx context.Context, ev CompletedCheckout) (*Outcome, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	attr, err := e.resolver.Resolve(ctx, ev)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Type: ev.Intent.Type(), Attribution: attr}
	switch in := ev.Intent.(type) {
	case RegistrationIntent:
		err = e.applyRegistration(ctx, ev, attr, nil, out)
	case BundleIntent:
		err = e.applyRegistration(ctx, ev, attr, in.Emails, out)
	case DonationIntent:
		err = e.applyDonation(ctx, ev, in, attr, out)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) applyRegistration(ctx context.Context, ev CompletedCheckout, attr *Attribution, bundle []string, out *Outcome) error {
	payer := attr.Payer
	if payer == nil {
		e.logger.Warn("registration payment for unknown user",
			zap.String("payment_intent", ev.PaymentIntentID),
			zap.String("session", ev.SessionID),
		)
		return nil
	}
	transitioned, err := e.store.MarkRegistrationPaid(ctx, ledger.RegistrationPayment{
		UserID:        payer.ID,
		CustomerID:    ev.CustomerID,
		TransactionID: ev.PaymentIntentID,
		AmountPaid:    ev.AmountCents,
		Currency:      ev.Currency,
		BundleEmails:  bundle,
	})
	if err != nil {
		return fmt.Errorf("mark payer paid: %w", err)
	}
	if transitioned {
		out.Paid = append(out.Paid, payer.ID)
	} else {
		out.Duplicate = true
	}
	if err := e.promote(ctx, payer); err != nil {
		return err
	}

	for _, b := range attr.Beneficiaries {
		paidBy := payer.ID
		transitioned, err := e.store.MarkRegistrationPaid(ctx, ledger.RegistrationPayment{
			UserID:   b.ID,
			Currency: ev.Currency,
			PaidBy:   &paidBy,
		})
		if err != nil {
			return fmt.Errorf("mark beneficiary paid: %w", err)
		}
		if transitioned {
			out.Paid = append(out.Paid, b.ID)
		}
		if err := e.promote(ctx, b); err != nil {
			return err
		}
	}
	if len(attr.Deferred) > 0 {
		e.logger.Info("bundle beneficiaries deferred until sync",
			zap.String("payer", payer.ID),
			zap.Strings("emails", attr.Deferred),
		)
	}
	e.logger.Info("registration reconciled",
		zap.String("payment_intent", ev.PaymentIntentID),
		zap.String("payer", payer.ID),
		zap.Strings("paid", out.Paid),
		zap.Bool("duplicate", out.Duplicate),
	)
	return nil
}

// promote makes u a paddler and assigns a donation code if it has none.
func (e *Engine) promote(ctx context.Context, u *models.User) error {
	_, err := Promote(ctx, e.store, u, e.newCode)
	return err
}

// Promote sets u's role to paddler, generating a donation code when u has
// none and retrying on collisions. Already-promoted users are left alone.
func Promote(ctx context.Context, users ledger.Users, u *models.User, newCode func() (string, error)) (*models.User, error) {
	if u.IsPaddler() && u.DonationCode != "" {
		return u, nil
	}
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := newCode()
		if err != nil {
			return nil, fmt.Errorf("generate donation code: %w", err)
		}
		promoted, err := users.PromoteToPaddler(ctx, u.ID, code)
		if errors.Is(err, ledger.ErrDonationCodeTaken) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("promote %s: %w", u.ID, err)
		}
		return promoted, nil
	}
	return nil, fmt.Errorf("promote %s: %w after %d attempts", u.ID, ledger.ErrDonationCodeTaken, maxCodeAttempts)
}

func (e *Engine) applyDonation(ctx context.Context, ev CompletedCheckout, in DonationIntent, attr *Attribution, out *Outcome) error {
	d := &models.Donation{
		PaymentIntentID:   ev.PaymentIntentID,
		CustomerID:        ev.CustomerID,
		CheckoutSessionID: ev.SessionID,
		Amount:            ev.AmountCents,
		Currency:          ev.Currency,
		Status:            models.DonationCompleted,
		DonorName:         ev.PayerName,
		DonorEmail:        ev.PayerEmail,
		Message:           in.Message,
		IsAnonymous:       in.Anonymous,
	}
	if d.DonorName == "" {
		d.DonorName = "Anonymous"
	}
	if attr.Target != nil {
		d.TargetUserID = &attr.Target.ID
	}
	if attr.Donor != nil {
		d.DonorUserID = &attr.Donor.ID
	}

	created, err := e.store.CreateDonation(ctx, d)
	if err != nil {
		return fmt.Errorf("record donation: %w", err)
	}
	if !created {
		out.Duplicate = true
		e.logger.Info("donation already recorded", zap.String("payment_intent", ev.PaymentIntentID))
		return nil
	}
	out.Donation = d

	var rebuild queue.AggregateRebuildPayload
	var teamID *uuid.UUID
	if t := attr.Target; t != nil {
		if err := e.store.IncrementAmountRaised(ctx, t.ID, d.Amount); err != nil {
			e.logger.Error("increment amount raised", zap.String("user_id", t.ID), zap.Error(err))
			rebuild.UserIDs = append(rebuild.UserIDs, t.ID)
		}
		if t.TeamID != nil {
			teamID = t.TeamID
			err := e.store.IncrementTeamRaised(ctx, *t.TeamID, d.Amount)
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				e.logger.Warn("target team not found", zap.String("team_id", t.TeamID.String()))
				teamID = nil
			case err != nil:
				e.logger.Error("increment team raised", zap.String("team_id", t.TeamID.String()), zap.Error(err))
				rebuild.TeamIDs = append(rebuild.TeamIDs, *t.TeamID)
			}
		}
	}
	if donor := attr.Donor; donor != nil {
		if err := e.store.IncrementAmountDonated(ctx, donor.ID, d.Amount); err != nil {
			e.logger.Error("increment amount donated", zap.String("user_id", donor.ID), zap.Error(err))
			rebuild.UserIDs = append(rebuild.UserIDs, donor.ID)
		}
	}

	if e.jobs != nil {
		if len(rebuild.UserIDs) > 0 || len(rebuild.TeamIDs) > 0 {
			rebuild.Reason = "increment failed for " + d.PaymentIntentID
			if err := e.jobs.EnqueueAggregateRebuild(ctx, rebuild); err != nil {
				e.logger.Error("enqueue aggregate rebuild", zap.Error(err))
			}
		}
		if err := e.jobs.EnqueueDonationReceipt(ctx, queue.DonationReceiptPayload{PaymentIntentID: d.PaymentIntentID}); err != nil {
			e.logger.Warn("enqueue receipt", zap.String("payment_intent", d.PaymentIntentID), zap.Error(err))
		}
	}
	if e.notifier != nil {
		e.notifier.DonationRecorded(ctx, d, teamID)
	}

	e.logger.Info("donation reconciled",
		zap.String("payment_intent", d.PaymentIntentID),
		zap.Int64("amount_cents", d.Amount),
		zap.Bool("targeted", attr.Target != nil),
		zap.Bool("donor_matched", attr.Donor != nil),
	)
	return nil
}

// ApplyRefund marks the donation refunded once the charge is fully refunded.
// Partial refunds are logged only. Counters are monotone and are not
// decremented. An unknown payment intent is logged and ignored.
func (e *Engine) ApplyRefund(ctx context.Context, r Refund) error {
	if r.PaymentIntentID == "" {
		return fmt.Errorf("%w: refund without payment intent", ErrInvalidEvent)
	}
	if !r.Full {
		e.logger.Info("partial refund; donation status unchanged",
			zap.String("payment_intent", r.PaymentIntentID),
			zap.Int64("amount_refunded_cents", r.AmountRefunded),
		)
		return nil
	}
	err := e.store.SetDonationStatus(ctx, r.PaymentIntentID, models.DonationRefunded)
	if errors.Is(err, ledger.ErrNotFound) {
		e.logger.Info("refund for unknown donation", zap.String("payment_intent", r.PaymentIntentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	e.logger.Info("donation refunded", zap.String("payment_intent", r.PaymentIntentID), zap.Int64("amount_cents", r.AmountRefunded))
	return nil
}
