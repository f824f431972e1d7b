package models

import "time"

// DonationStatus is the processor-driven lifecycle of a donation.
type DonationStatus string

const (
	DonationPending   DonationStatus = "pending"
	DonationCompleted DonationStatus = "completed"
	DonationFailed    DonationStatus = "failed"
	DonationRefunded  DonationStatus = "refunded"
)

// MaxDonationMessage is the longest message stored with a donation.
const MaxDonationMessage = 500

// Donation is an immutable ledger entry for one completed inbound payment.
// PaymentIntentID is the idempotency key.
type Donation struct {
	PaymentIntentID   string         `json:"payment_intent_id"`
	CustomerID        string         `json:"customer_id,omitempty"`
	CheckoutSessionID string         `json:"checkout_session_id,omitempty"`
	Amount            int64          `json:"amount_cents"`
	Currency          string         `json:"currency"`
	Status            DonationStatus `json:"status"`
	DonorName         string         `json:"donor_name"`
	DonorEmail        string         `json:"donor_email"`
	DonorUserID       *string        `json:"donor_user_id,omitempty"`
	TargetUserID      *string        `json:"target_user_id"`
	Message           string         `json:"message"`
	IsAnonymous       bool           `json:"is_anonymous"`
	CreatedAt         time.Time      `json:"created_at"`
}

// DonationPublic is the donation as shown on paddler and team pages.
type DonationPublic struct {
	PaymentIntentID string    `json:"payment_intent_id"`
	TargetUserID    *string   `json:"target_user_id"`
	Amount          int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	Message         string    `json:"message"`
	IsAnonymous     bool      `json:"is_anonymous"`
	DonorName       string    `json:"donor_name"`
	CreatedAt       time.Time `json:"created_at"`
}

// ToPublic masks the donor when the donation is anonymous.
func (d *Donation) ToPublic() DonationPublic {
	name := d.DonorName
	if d.IsAnonymous {
		name = "Anonymous"
	}
	return DonationPublic{
		PaymentIntentID: d.PaymentIntentID,
		TargetUserID:    d.TargetUserID,
		Amount:          d.Amount,
		Currency:        d.Currency,
		Message:         d.Message,
		IsAnonymous:     d.IsAnonymous,
		DonorName:       name,
		CreatedAt:       d.CreatedAt,
	}
}
