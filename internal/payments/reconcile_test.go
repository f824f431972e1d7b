package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/models"
	"github.com/bravethewaves/backend/pkg/queue"
)

type recordingJobs struct {
	mu       sync.Mutex
	receipts []string
	rebuilds []queue.AggregateRebuildPayload
}

func (j *recordingJobs) EnqueueDonationReceipt(_ context.Context, p queue.DonationReceiptPayload) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.receipts = append(j.receipts, p.PaymentIntentID)
	return nil
}

func (j *recordingJobs) EnqueueAggregateRebuild(_ context.Context, p queue.AggregateRebuildPayload) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rebuilds = append(j.rebuilds, p)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) DonationRecorded(_ context.Context, d *models.Donation, _ *uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, d.PaymentIntentID)
}

type fixture struct {
	store    *ledger.Memory
	jobs     *recordingJobs
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: ledger.NewMemory(), jobs: &recordingJobs{}, notifier: &recordingNotifier{}}
	f.engine = NewEngine(f.store, f.jobs, f.notifier, nil)
	return f
}

func (f *fixture) user(t *testing.T, id, email string) *models.User {
	t.Helper()
	u, _, err := f.store.SyncUser(context.Background(), ledger.UserSync{ID: id, Email: email, Name: id})
	require.NoError(t, err)
	return u
}

func (f *fixture) paddler(t *testing.T, id, email string) *models.User {
	t.Helper()
	u := f.user(t, id, email)
	p, err := Promote(context.Background(), f.store, u, models.NewCode)
	require.NoError(t, err)
	return p
}

func donationEvent(pi, code, payerEmail string, cents int64) CompletedCheckout {
	return CompletedCheckout{
		EventID:         "evt_" + pi,
		SessionID:       "cs_" + pi,
		PaymentIntentID: pi,
		CustomerID:      "cus_1",
		AmountCents:     cents,
		Currency:        "CAD",
		PayerEmail:      payerEmail,
		PayerName:       "Dana Donor",
		Intent:          DonationIntent{DonationCode: code, Message: "paddle hard"},
	}
}

func TestTargetedDonationUpdatesUserAndTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.paddler(t, "u", "u@example.com")
	team := &models.Team{Name: "Waves", InviteCode: "INV234", CaptainID: u.ID, Division: models.DivisionCommunity}
	require.NoError(t, f.store.CreateTeam(ctx, team))
	u, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)

	out, err := f.engine.Apply(ctx, donationEvent("pi_1", u.DonationCode, "", 5000))
	require.NoError(t, err)
	require.False(t, out.Duplicate)
	require.NotNil(t, out.Donation)

	d, err := f.store.GetDonation(ctx, "pi_1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), d.Amount)
	require.Equal(t, models.DonationCompleted, d.Status)
	require.Equal(t, u.ID, *d.TargetUserID)

	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5000), got.AmountRaised)
	gotTeam, err := f.store.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5000), gotTeam.TotalRaised)

	require.Equal(t, []string{"pi_1"}, f.jobs.receipts)
	require.Equal(t, []string{"pi_1"}, f.notifier.events)
}

func TestRedeliveredDonationCountsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.paddler(t, "u", "u@example.com")
	ev := donationEvent("pi_1", u.DonationCode, "", 2500)

	_, err := f.engine.Apply(ctx, ev)
	require.NoError(t, err)
	out, err := f.engine.Apply(ctx, ev)
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.Nil(t, out.Donation)

	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2500), got.AmountRaised)
	require.Len(t, f.jobs.receipts, 1)
}

func TestConcurrentDeliveriesRecordOneDonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.paddler(t, "u", "u@example.com")
	ev := donationEvent("pi_race", u.DonationCode, "", 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	recorded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.engine.Apply(ctx, ev)
			if err == nil && out.Donation != nil {
				mu.Lock()
				recorded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, recorded)
	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.AmountRaised)
	list, err := f.store.ListDonationsForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestConcurrentDifferentDonationsAllApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.paddler(t, "u", "u@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Apply(ctx, donationEvent(uuid.NewString(), u.DonationCode, "", 100))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2000), got.AmountRaised)
}

func TestUntargetedDonationCreditsDonor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	donor := f.user(t, "d", "Donor@Example.com")

	out, err := f.engine.Apply(ctx, donationEvent("pi_2", "", "donor@example.COM", 1500))
	require.NoError(t, err)
	require.Nil(t, out.Attribution.Target)
	require.NotNil(t, out.Attribution.Donor)

	d, err := f.store.GetDonation(ctx, "pi_2")
	require.NoError(t, err)
	require.Nil(t, d.TargetUserID)
	require.Equal(t, donor.ID, *d.DonorUserID)

	got, err := f.store.GetUser(ctx, donor.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1500), got.AmountDonated)
	require.Zero(t, got.AmountRaised)
}

func TestUnknownDonationCodeIsRecordedUntargeted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.engine.Apply(ctx, donationEvent("pi_3", "NOPE22", "stranger@example.com", 700))
	require.NoError(t, err)
	require.NotNil(t, out.Donation)
	require.ElementsMatch(t, []Miss{
		{Role: RoleTarget, Key: "NOPE22"},
		{Role: RoleDonor, Key: "stranger@example.com"},
	}, out.Attribution.Unresolved)

	d, err := f.store.GetDonation(ctx, "pi_3")
	require.NoError(t, err)
	require.Nil(t, d.TargetUserID)
	require.Nil(t, d.DonorUserID)
}

func TestRegistrationPromotesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "u", "u@example.com")
	ev := CompletedCheckout{
		SessionID: "cs_r", PaymentIntentID: "pi_r", CustomerID: "cus_r",
		AmountCents: 2500, Currency: "CAD", Intent: RegistrationIntent{UserID: "u"},
	}

	out, err := f.engine.Apply(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, []string{"u"}, out.Paid)

	u, err := f.store.GetUser(ctx, "u")
	require.NoError(t, err)
	require.True(t, u.IsPaddler())
	require.Len(t, u.DonationCode, models.CodeLength)
	code := u.DonationCode

	out, err = f.engine.Apply(ctx, ev)
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.Empty(t, out.Paid)

	u, err = f.store.GetUser(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, code, u.DonationCode)
	reg, err := f.store.GetRegistration(ctx, "u")
	require.NoError(t, err)
	require.True(t, reg.HasPaid)
	require.Equal(t, int64(2500), reg.AmountPaid)
	require.Equal(t, "pi_r", reg.TransactionID)
}

func TestRegistrationForUnknownUserIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.engine.Apply(ctx, CompletedCheckout{
		SessionID: "cs_x", PaymentIntentID: "pi_x", AmountCents: 2500, Currency: "CAD",
		Intent: RegistrationIntent{UserID: "ghost"},
	})
	require.NoError(t, err)
	require.Empty(t, out.Paid)
	require.Equal(t, []Miss{{Role: RolePayer, Key: "ghost"}}, out.Attribution.Unresolved)

	_, err = f.store.GetRegistration(ctx, "ghost")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestBundleRegistrationMarksBeneficiaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "p", "payer@example.com")
	f.user(t, "b", "Ben@Example.com")

	out, err := f.engine.Apply(ctx, CompletedCheckout{
		SessionID: "cs_b", PaymentIntentID: "pi_b", AmountCents: 5000, Currency: "CAD",
		Intent: BundleIntent{UserID: "p", Emails: []string{"ben@example.com", "later@example.com", "payer@example.com"}},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"p", "b"}, out.Paid)
	require.Equal(t, []string{"later@example.com"}, out.Attribution.Deferred)

	for _, id := range []string{"p", "b"} {
		u, err := f.store.GetUser(ctx, id)
		require.NoError(t, err)
		require.True(t, u.IsPaddler(), id)
		reg, err := f.store.GetRegistration(ctx, id)
		require.NoError(t, err)
		require.True(t, reg.HasPaid, id)
	}
	ben, err := f.store.GetRegistration(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "p", *ben.PaidBy)
	payer, err := f.store.GetRegistration(ctx, "p")
	require.NoError(t, err)
	require.Nil(t, payer.PaidBy)

	owner, err := f.store.FindBundleOwnerByEmail(ctx, "LATER@example.com")
	require.NoError(t, err)
	require.Equal(t, "p", owner.UserID)
}

func TestPromoteRetriesOnCodeCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.user(t, "a", "a@example.com")
	_, err := f.store.PromoteToPaddler(ctx, first.ID, "AAAAAA")
	require.NoError(t, err)
	second := f.user(t, "b", "b@example.com")

	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	next := func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	got, err := Promote(ctx, f.store, second, next)
	require.NoError(t, err)
	require.Equal(t, "BBBBBB", got.DonationCode)
}

func TestRefundMarksDonationWithoutDecrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.paddler(t, "u", "u@example.com")
	_, err := f.engine.Apply(ctx, donationEvent("pi_1", u.DonationCode, "", 900))
	require.NoError(t, err)

	require.NoError(t, f.engine.ApplyRefund(ctx, Refund{PaymentIntentID: "pi_1", AmountRefunded: 900, Full: true}))
	require.NoError(t, f.engine.ApplyRefund(ctx, Refund{PaymentIntentID: "pi_unknown", Full: true}))

	d, err := f.store.GetDonation(ctx, "pi_1")
	require.NoError(t, err)
	require.Equal(t, models.DonationRefunded, d.Status)
	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(900), got.AmountRaised)
}

func TestApplyRejectsDonationWithoutPaymentIntent(t *testing.T) {
	f := newFixture(t)
	ev := donationEvent("", "", "", 100)
	ev.SessionID = "cs_1"
	_, err := f.engine.Apply(context.Background(), ev)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestApplyRejectsZeroAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.paddler(t, "u", "u@example.com")

	_, err := f.engine.Apply(ctx, donationEvent("pi_zero", u.DonationCode, "", 0))
	require.ErrorIs(t, err, ErrInvalidEvent)
	_, err = f.store.GetDonation(ctx, "pi_zero")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.engine.Apply(ctx, CompletedCheckout{
		SessionID: "cs_r", PaymentIntentID: "pi_r", Currency: "CAD",
		Intent: RegistrationIntent{UserID: "u"},
	})
	require.ErrorIs(t, err, ErrInvalidEvent)
	require.Empty(t, f.jobs.receipts)
}

func TestPartialRefundLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Apply(ctx, donationEvent("pi_1", "", "", 900))
	require.NoError(t, err)

	require.NoError(t, f.engine.ApplyRefund(ctx, Refund{PaymentIntentID: "pi_1", AmountRefunded: 300}))
	d, err := f.store.GetDonation(ctx, "pi_1")
	require.NoError(t, err)
	require.Equal(t, models.DonationCompleted, d.Status)
}

func TestSecondBundleKeepsEarlierBeneficiariesClaimable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "p", "payer@example.com")

	for i, email := range []string{"a@example.com", "c@example.com"} {
		pi := []string{"pi_b1", "pi_b2"}[i]
		_, err := f.engine.Apply(ctx, CompletedCheckout{
			SessionID: "cs_" + pi, PaymentIntentID: pi, AmountCents: 2500, Currency: "CAD",
			Intent: BundleIntent{UserID: "p", Emails: []string{email}},
		})
		require.NoError(t, err)
	}

	for _, email := range []string{"a@example.com", "C@example.com"} {
		owner, err := f.store.FindBundleOwnerByEmail(ctx, email)
		require.NoError(t, err, email)
		require.Equal(t, "p", owner.UserID)
	}
	reg, err := f.store.GetRegistration(ctx, "p")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a@example.com", "c@example.com"}, reg.BundleEmails)
}

// failingCounters fails chosen increments so the rebuild fallback runs.
type failingCounters struct {
	*ledger.Memory
	failRaised bool
	failTeam   bool
}

func (s *failingCounters) IncrementAmountRaised(ctx context.Context, id string, cents int64) error {
	if s.failRaised {
		return errors.New("connection reset")
	}
	return s.Memory.IncrementAmountRaised(ctx, id, cents)
}

func (s *failingCounters) IncrementTeamRaised(ctx context.Context, id uuid.UUID, cents int64) error {
	if s.failTeam {
		return errors.New("connection reset")
	}
	return s.Memory.IncrementTeamRaised(ctx, id, cents)
}

func TestFailedIncrementEnqueuesRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.paddler(t, "u", "u@example.com")
	team := &models.Team{Name: "Waves", InviteCode: "INV234", CaptainID: u.ID, Division: models.DivisionCommunity}
	require.NoError(t, f.store.CreateTeam(ctx, team))

	store := &failingCounters{Memory: f.store, failRaised: true, failTeam: true}
	engine := NewEngine(store, f.jobs, f.notifier, nil)

	out, err := engine.Apply(ctx, donationEvent("pi_f", u.DonationCode, "", 1200))
	require.NoError(t, err)
	require.NotNil(t, out.Donation)

	_, err = f.store.GetDonation(ctx, "pi_f")
	require.NoError(t, err)
	require.Len(t, f.jobs.rebuilds, 1)
	require.Equal(t, []string{u.ID}, f.jobs.rebuilds[0].UserIDs)
	require.Equal(t, []uuid.UUID{team.ID}, f.jobs.rebuilds[0].TeamIDs)
	require.Contains(t, f.jobs.rebuilds[0].Reason, "pi_f")
	require.Equal(t, []string{"pi_f"}, f.jobs.receipts)
	require.Equal(t, []string{"pi_f"}, f.notifier.events)

	// a successful redelivery applies nothing and schedules nothing more
	out, err = engine.Apply(ctx, donationEvent("pi_f", u.DonationCode, "", 1200))
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.Len(t, f.jobs.rebuilds, 1)
}

func TestDeletedTeamSkipsTeamCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.paddler(t, "u", "u@example.com")
	team := &models.Team{Name: "Waves", InviteCode: "INV234", CaptainID: u.ID, Division: models.DivisionCommunity}
	require.NoError(t, f.store.CreateTeam(ctx, team))
	u, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, u.TeamID)

	// the team disappears between resolution and the increment
	store := &vanishingTeam{Memory: f.store}
	engine := NewEngine(store, f.jobs, f.notifier, nil)
	out, err := engine.Apply(ctx, donationEvent("pi_t", u.DonationCode, "", 800))
	require.NoError(t, err)
	require.NotNil(t, out.Donation)
	require.Empty(t, f.jobs.rebuilds)

	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(800), got.AmountRaised)
}

type vanishingTeam struct {
	*ledger.Memory
}

func (s *vanishingTeam) IncrementTeamRaised(ctx context.Context, id uuid.UUID, _ int64) error {
	if err := s.Memory.DeleteTeam(ctx, id); err != nil {
		return err
	}
	return ledger.ErrNotFound
}
