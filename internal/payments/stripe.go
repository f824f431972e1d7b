package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/bravethewaves/backend/config"
)

// Stripe event types handled by the webhook.
const (
	eventCheckoutCompleted = "checkout.session.completed"
	eventChargeRefunded    = "charge.refunded"
)

// Stripe creates checkout sessions and verifies webhook deliveries.
type Stripe struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
	logger        *zap.Logger
}

// NewStripe creates a Stripe client from config.
func NewStripe(cfg config.StripeConfig, logger *zap.Logger) *Stripe {
	if logger == nil {
		logger = zap.NewNop()
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Stripe{
		api:           client.New(cfg.SecretKey, nil),
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
		logger:        logger,
	}
}

// CreateCheckoutSession creates a one-item payment-mode session carrying the intent as metadata.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerCreation:   stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(req.ProductName),
					Description: stripe.String(req.Description),
				},
				UnitAmount: stripe.Int64(req.AmountCents),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for k, v := range req.Intent.Metadata() {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout session: %w", err)
	}
	s.logger.Info("checkout session created",
		zap.String("session", sess.ID),
		zap.String("type", string(req.Intent.Type())),
		zap.Int64("amount_cents", req.AmountCents),
	)
	return &Session{ID: sess.ID, URL: sess.URL}, nil
}

// VerifyEvent checks the Stripe-Signature header against the webhook secret.
func (s *Stripe) VerifyEvent(payload []byte, signature string) (stripe.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ev, nil
}

// CheckoutFromEvent converts a checkout.session.completed event.
func CheckoutFromEvent(ev stripe.Event) (CompletedCheckout, error) {
	if ev.Data == nil {
		return CompletedCheckout{}, fmt.Errorf("%w: no data", ErrInvalidEvent)
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return CompletedCheckout{}, fmt.Errorf("%w: decode session: %v", ErrInvalidEvent, err)
	}
	intent, err := ParseIntent(sess.Metadata)
	if err != nil {
		return CompletedCheckout{}, err
	}
	out := CompletedCheckout{
		EventID:     ev.ID,
		SessionID:   sess.ID,
		AmountCents: sess.AmountTotal,
		Currency:    normalizeCurrency(string(sess.Currency)),
		Intent:      intent,
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.CustomerDetails != nil {
		out.PayerEmail = sess.CustomerDetails.Email
		out.PayerName = sess.CustomerDetails.Name
	}
	if out.PayerEmail == "" {
		out.PayerEmail = sess.CustomerEmail
	}
	return out, out.Validate()
}

// RefundFromEvent converts a charge.refunded event.
func RefundFromEvent(ev stripe.Event) (Refund, error) {
	if ev.Data == nil {
		return Refund{}, fmt.Errorf("%w: no data", ErrInvalidEvent)
	}
	var ch stripe.Charge
	if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
		return Refund{}, fmt.Errorf("%w: decode charge: %v", ErrInvalidEvent, err)
	}
	r := Refund{EventID: ev.ID, AmountRefunded: ch.AmountRefunded, Full: ch.Refunded}
	if ch.PaymentIntent != nil {
		r.PaymentIntentID = ch.PaymentIntent.ID
	}
	return r, nil
}
