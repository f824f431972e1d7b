package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bravethewaves/backend/config"
	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/middleware"
	"github.com/bravethewaves/backend/internal/models"
	"github.com/bravethewaves/backend/pkg/money"
	"github.com/bravethewaves/backend/pkg/response"
)

// SessionRequest describes one checkout session.
type SessionRequest struct {
	AmountCents   int64
	Currency      string // ISO code, lowercase for the processor
	ProductName   string
	Description   string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Intent        Intent
}

// Session is a created checkout session.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// SessionCreator creates hosted checkout sessions. Implemented by *Stripe.
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// CheckoutHandler creates checkout sessions for donations and registrations.
type CheckoutHandler struct {
	sessions  SessionCreator
	store     ledger.Store
	fee       int64
	currency  string
	clientURL string
	logger    *zap.Logger
}

// NewCheckoutHandler creates a checkout handler. The registration fee comes from cfg.
func NewCheckoutHandler(sessions SessionCreator, store ledger.Store, cfg config.StripeConfig, clientURL string, logger *zap.Logger) (*CheckoutHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fee, err := money.ParseDollars(cfg.RegistrationFee)
	if err != nil {
		return nil, fmt.Errorf("registration fee: %w", err)
	}
	currency, ok := parseCurrency(cfg.Currency)
	if !ok {
		return nil, fmt.Errorf("invalid default currency %q", cfg.Currency)
	}
	return &CheckoutHandler{
		sessions:  sessions,
		store:     store,
		fee:       fee,
		currency:  currency,
		clientURL: strings.TrimRight(clientURL, "/"),
		logger:    logger,
	}, nil
}

type donationCheckoutRequest struct {
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	DonationID  string      `json:"donationId"`
	Message     string      `json:"message"`
	IsAnonymous bool        `json:"isAnonymous"`
}

// CreateDonation handles POST /api/create-checkout-session. Authentication is optional.
func (h *CheckoutHandler) CreateDonation(c *gin.Context) {
	var req donationCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Amount == "" || req.Currency == "" {
		response.BadRequest(c, "amount and currency are required")
		return
	}
	cents, err := money.ParseDollars(req.Amount.String())
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	currency, ok := parseCurrency(req.Currency)
	if !ok {
		response.BadRequest(c, "invalid currency")
		return
	}

	intent := DonationIntent{Message: req.Message, Anonymous: req.IsAnonymous}
	product := "Donation to Brave The Waves"
	if code := strings.TrimSpace(req.DonationID); code != "" {
		paddler, err := h.store.FindUserByDonationCode(c.Request.Context(), code)
		switch {
		case err == nil && paddler.IsPaddler():
			intent.DonationCode = code
			product = "Donation to " + paddler.Name
		case err == nil, errors.Is(err, ledger.ErrNotFound):
			h.logger.Info("checkout with unknown donation code", zap.String("donation_code", code))
		default:
			h.logger.Error("lookup donation code", zap.Error(err))
			response.Internal(c, "failed to create checkout session")
			return
		}
	}

	var email string
	if id := middleware.CurrentIdentity(c); id != nil {
		email = id.Email
	}
	h.create(c, SessionRequest{
		AmountCents:   cents,
		Currency:      currency,
		ProductName:   product,
		Description:   "Charity Event Donation",
		CustomerEmail: email,
		SuccessURL:    h.clientURL + "/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     h.clientURL + "/cancel",
		Intent:        intent,
	})
}

// CreateRegistration handles POST /api/create-registration-checkout.
func (h *CheckoutHandler) CreateRegistration(c *gin.Context) {
	user, ok := h.unpaidCaller(c)
	if !ok {
		return
	}
	h.create(c, SessionRequest{
		AmountCents:   h.fee,
		Currency:      h.currency,
		ProductName:   "Brave The Waves - Registration Fee",
		Description:   "Event registration payment",
		CustomerEmail: user.Email,
		SuccessURL:    h.clientURL + "/registration?status=success",
		CancelURL:     h.clientURL + "/registration?status=cancel",
		Intent:        RegistrationIntent{UserID: user.ID},
	})
}

type bundleCheckoutRequest struct {
	Amount       json.Number `json:"amount"`
	Currency     string      `json:"currency"`
	BundleEmails []string    `json:"bundleEmails"`
}

// CreateBundle handles POST /api/create-bundle-registration-checkout.
func (h *CheckoutHandler) CreateBundle(c *gin.Context) {
	var req bundleCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Amount == "" {
		response.BadRequest(c, "amount is required for bundle registration")
		return
	}
	cents, err := money.ParseDollars(req.Amount.String())
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	currency := h.currency
	if req.Currency != "" {
		cur, ok := parseCurrency(req.Currency)
		if !ok {
			response.BadRequest(c, "invalid currency")
			return
		}
		currency = cur
	}
	if len(req.BundleEmails) == 0 {
		response.BadRequest(c, "bundle emails are required")
		return
	}
	emails := NormalizeEmails(req.BundleEmails)
	if len(emails) != len(dedupe(req.BundleEmails)) {
		response.BadRequest(c, fmt.Sprintf("bundle emails must be valid addresses, at most %d", MaxBundleEmails))
		return
	}

	user, ok := h.unpaidCaller(c)
	if !ok {
		return
	}
	intent := BundleIntent{UserID: user.ID, Emails: emails}
	if len(intent.Metadata()[metaEmails]) > MaxMetadataValue {
		response.BadRequest(c, "too many bundle emails for one checkout")
		return
	}
	h.create(c, SessionRequest{
		AmountCents:   cents,
		Currency:      currency,
		ProductName:   fmt.Sprintf("Brave The Waves - Bundle Registration (%d participants)", len(emails)),
		Description:   "Group event registration payment",
		CustomerEmail: user.Email,
		SuccessURL:    h.clientURL + "/registration?status=success",
		CancelURL:     h.clientURL + "/registration?status=cancel",
		Intent:        intent,
	})
}

// unpaidCaller loads the authenticated user and rejects callers who already paid.
func (h *CheckoutHandler) unpaidCaller(c *gin.Context) (*models.User, bool) {
	ctx := c.Request.Context()
	user, err := h.store.GetUser(ctx, middleware.Subject(c))
	if errors.Is(err, ledger.ErrNotFound) {
		response.NotFound(c, "user not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get user", zap.Error(err))
		response.Internal(c, "failed to load user")
		return nil, false
	}
	reg, err := h.store.GetRegistration(ctx, user.ID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		h.logger.Error("get registration", zap.Error(err))
		response.Internal(c, "failed to load registration")
		return nil, false
	}
	if reg != nil && reg.HasPaid {
		response.BadRequest(c, "registration fee already paid")
		return nil, false
	}
	return user, true
}

func (h *CheckoutHandler) create(c *gin.Context, req SessionRequest) {
	sess, err := h.sessions.CreateCheckoutSession(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("create checkout session", zap.String("type", string(req.Intent.Type())), zap.Error(err))
		response.Internal(c, "failed to create checkout session")
		return
	}
	response.OK(c, gin.H{"url": sess.URL})
}

func parseCurrency(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 3 {
		return "", false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return "", false
		}
	}
	return s, true
}

func dedupe(emails []string) map[string]struct{} {
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		set[models.NormalizeEmail(e)] = struct{}{}
	}
	return set
}
