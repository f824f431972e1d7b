// Package payments reconciles checkout-completed webhooks against the ledger
// and creates the checkout sessions that carry the metadata it consumes.
package payments

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSignature is returned when a webhook fails signature verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidEvent is returned for a verified event missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidMetadata is returned when checkout metadata fails validation.
	ErrInvalidMetadata = errors.New("invalid checkout metadata")
)

// CompletedCheckout is a verified checkout-completed event with its metadata parsed.
type CompletedCheckout struct {
	EventID         string
	SessionID       string
	PaymentIntentID string
	CustomerID      string
	AmountCents     int64
	Currency        string
	PayerEmail      string
	PayerName       string
	Intent          Intent
}

// Validate checks the fields reconciliation depends on.
func (e CompletedCheckout) Validate() error {
	switch {
	case e.Intent == nil:
		return fmt.Errorf("%w: no intent", ErrInvalidEvent)
	case e.SessionID == "":
		return fmt.Errorf("%w: missing checkout session id", ErrInvalidEvent)
	case e.AmountCents <= 0:
		return fmt.Errorf("%w: missing or non-positive amount", ErrInvalidEvent)
	case e.Currency == "":
		return fmt.Errorf("%w: missing currency", ErrInvalidEvent)
	}
	// the payment intent is the donation idempotency key
	if e.Intent.Type() == TypeDonation && e.PaymentIntentID == "" {
		return fmt.Errorf("%w: donation without payment intent", ErrInvalidEvent)
	}
	return nil
}

// Refund is a verified refund notification for a payment intent.
type Refund struct {
	EventID         string
	PaymentIntentID string
	AmountRefunded  int64
	// Full is false for partial refunds, which leave the donation completed.
	Full bool
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
