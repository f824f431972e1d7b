package models

import "time"

// Registration records whether a user has paid the event entry fee. Keyed by user ID.
type Registration struct {
	UserID        string    `json:"user_id"`
	HasPaid       bool      `json:"has_paid"`
	CustomerID    string    `json:"customer_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	AmountPaid    int64     `json:"amount_paid_cents"`
	Currency      string    `json:"currency"`
	PaidBy        *string   `json:"paid_by,omitempty"`
	BundleEmails  []string  `json:"bundle_emails,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
