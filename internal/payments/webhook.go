package payments

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/bravethewaves/backend/pkg/response"
)

// maxWebhookBody bounds the raw webhook payload.
const maxWebhookBody = 64 << 10

// EventVerifier authenticates a raw webhook delivery. Implemented by *Stripe.
type EventVerifier interface {
	VerifyEvent(payload []byte, signature string) (stripe.Event, error)
}

// WebhookHandler handles POST /api/stripe-webhook.
type WebhookHandler struct {
	verifier EventVerifier
	engine   *Engine
	events   EventLog
	logger   *zap.Logger
}

// NewWebhookHandler creates a webhook handler. events may be nil.
func NewWebhookHandler(verifier EventVerifier, engine *Engine, events EventLog, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{verifier: verifier, engine: engine, events: events, logger: logger}
}

// Handle verifies the signature over the raw body, then reconciles the event.
// Every verified event is acknowledged unless the store fails, so the
// processor only retries what a retry can fix.
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		response.BadRequest(c, "could not read body")
		return
	}
	if len(body) > maxWebhookBody {
		response.TooLarge(c, "payload too large")
		return
	}
	ev, err := h.verifier.VerifyEvent(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		response.BadRequest(c, "invalid signature")
		return
	}
	ctx := c.Request.Context()
	log := h.logger.With(zap.String("event_id", ev.ID), zap.String("event_type", string(ev.Type)))

	if h.events != nil && ev.ID != "" {
		seen, err := h.events.Seen(ctx, ev.ID)
		if err != nil {
			log.Warn("event log lookup failed", zap.Error(err))
		} else if seen {
			log.Info("event already processed")
			response.Received(c)
			return
		}
	}

	switch string(ev.Type) {
	case eventCheckoutCompleted:
		checkout, err := CheckoutFromEvent(ev)
		if err != nil {
			log.Warn("rejecting checkout event", zap.Error(err))
			response.BadRequest(c, err.Error())
			return
		}
		if _, err := h.engine.Apply(ctx, checkout); err != nil {
			if errors.Is(err, ErrInvalidEvent) {
				response.BadRequest(c, err.Error())
				return
			}
			log.Error("reconcile checkout", zap.String("payment_intent", checkout.PaymentIntentID), zap.Error(err))
			response.Internal(c, "reconciliation failed")
			return
		}
	case eventChargeRefunded:
		refund, err := RefundFromEvent(ev)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.engine.ApplyRefund(ctx, refund); err != nil {
			if errors.Is(err, ErrInvalidEvent) {
				response.BadRequest(c, err.Error())
				return
			}
			log.Error("apply refund", zap.Error(err))
			response.Internal(c, "refund failed")
			return
		}
	default:
		log.Debug("ignoring event")
	}

	if h.events != nil && ev.ID != "" {
		if err := h.events.Mark(ctx, ev.ID); err != nil {
			log.Warn("event log mark failed", zap.Error(err))
		}
	}
	response.Received(c)
}
