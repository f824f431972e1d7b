package worker

import (
	"time"

	"github.com/bravethewaves/backend/internal/models"
	"github.com/bravethewaves/backend/pkg/money"
)

// Receipt is the JSON document stored for each recorded donation.
type Receipt struct {
	ReceiptNumber   string    `json:"receipt_number"`
	PaymentIntentID string    `json:"payment_intent_id"`
	AmountCents     int64     `json:"amount_cents"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	DonorName       string    `json:"donor_name"`
	DonorEmail      string    `json:"donor_email,omitempty"`
	Recipient       string    `json:"recipient"`
	Message         string    `json:"message,omitempty"`
	Status          string    `json:"status"`
	DonatedAt       time.Time `json:"donated_at"`
	IssuedAt        time.Time `json:"issued_at"`
}

const generalRecipient = "Brave The Waves"

// BuildReceipt renders d. target is the attributed paddler, or nil.
func BuildReceipt(d *models.Donation, target *models.User, issued time.Time) Receipt {
	recipient := generalRecipient
	if target != nil && target.Name != "" {
		recipient = generalRecipient + " (on behalf of " + target.Name + ")"
	}
	return Receipt{
		ReceiptNumber:   "BTW-" + d.CreatedAt.UTC().Format("20060102") + "-" + receiptSuffix(d.PaymentIntentID),
		PaymentIntentID: d.PaymentIntentID,
		AmountCents:     d.Amount,
		Amount:          money.FormatCents(d.Amount),
		Currency:        d.Currency,
		DonorName:       d.DonorName,
		DonorEmail:      d.DonorEmail,
		Recipient:       recipient,
		Message:         d.Message,
		Status:          string(d.Status),
		DonatedAt:       d.CreatedAt.UTC(),
		IssuedAt:        issued.UTC(),
	}
}

func receiptSuffix(id string) string {
	const n = 8
	if len(id) <= n {
		return id
	}
	return id[len(id)-n:]
}
