package payments

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strconv"
	"unicode/utf8"

	"github.com/bravethewaves/backend/internal/models"
)

// PaymentType tags what a checkout session pays for.
type PaymentType string

const (
	TypeDonation           PaymentType = "donation"
	TypeRegistration       PaymentType = "registration"
	TypeBundleRegistration PaymentType = "bundle_registration"
)

// Checkout metadata keys. The processor hands them back verbatim on the webhook.
const (
	metaType         = "type"
	metaDonationCode = "donationId"
	metaMessage      = "message"
	metaAnonymous    = "isAnonymous"
	metaUserID       = "userId"
	metaEmails       = "emails"
)

const (
	// MaxMetadataValue is the processor's per-value metadata limit.
	MaxMetadataValue = 500
	// MaxBundleEmails bounds the beneficiaries of one bundle payment.
	MaxBundleEmails = 50
)

// Intent is what a checkout session was created for. It is a closed set:
// DonationIntent, RegistrationIntent and BundleIntent.
type Intent interface {
	Type() PaymentType
	// Metadata renders the intent as the checkout metadata bag.
	Metadata() map[string]string
	intent()
}

// DonationIntent is a donation, optionally attributed to a paddler by donation code.
type DonationIntent struct {
	DonationCode string
	Message      string
	Anonymous    bool
}

// RegistrationIntent pays the entry fee for UserID.
type RegistrationIntent struct {
	UserID string
}

// BundleIntent pays the entry fee for UserID and every beneficiary email.
type BundleIntent struct {
	UserID string
	Emails []string
}

func (DonationIntent) Type() PaymentType     { return TypeDonation }
func (RegistrationIntent) Type() PaymentType { return TypeRegistration }
func (BundleIntent) Type() PaymentType       { return TypeBundleRegistration }

func (DonationIntent) intent()     {}
func (RegistrationIntent) intent() {}
func (BundleIntent) intent()       {}

func (i DonationIntent) Metadata() map[string]string {
	m := map[string]string{
		metaType:      string(TypeDonation),
		metaMessage:   truncate(i.Message, models.MaxDonationMessage),
		metaAnonymous: strconv.FormatBool(i.Anonymous),
	}
	if i.DonationCode != "" {
		m[metaDonationCode] = i.DonationCode
	}
	return m
}

func (i RegistrationIntent) Metadata() map[string]string {
	return map[string]string{
		metaType:   string(TypeRegistration),
		metaUserID: i.UserID,
	}
}

func (i BundleIntent) Metadata() map[string]string {
	emails := i.Emails
	if emails == nil {
		emails = []string{}
	}
	raw, _ := json.Marshal(emails)
	return map[string]string{
		metaType:   string(TypeBundleRegistration),
		metaUserID: i.UserID,
		metaEmails: string(raw),
	}
}

// ParseIntent validates an untrusted metadata bag. A missing type means a
// donation. The donation message is truncated; any other oversized value is
// rejected.
func ParseIntent(meta map[string]string) (Intent, error) {
	for k, v := range meta {
		if k != metaMessage && len(v) > MaxMetadataValue {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidMetadata, k, MaxMetadataValue)
		}
	}
	switch PaymentType(meta[metaType]) {
	case "", TypeDonation:
		anon, _ := strconv.ParseBool(meta[metaAnonymous])
		return DonationIntent{
			DonationCode: meta[metaDonationCode],
			Message:      truncate(meta[metaMessage], models.MaxDonationMessage),
			Anonymous:    anon,
		}, nil
	case TypeRegistration:
		if meta[metaUserID] == "" {
			return nil, fmt.Errorf("%w: registration without userId", ErrInvalidMetadata)
		}
		return RegistrationIntent{UserID: meta[metaUserID]}, nil
	case TypeBundleRegistration:
		if meta[metaUserID] == "" {
			return nil, fmt.Errorf("%w: bundle registration without userId", ErrInvalidMetadata)
		}
		return BundleIntent{UserID: meta[metaUserID], Emails: parseEmails(meta[metaEmails])}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMetadata, meta[metaType])
	}
}

// parseEmails decodes the serialized beneficiary list. Malformed input yields
// an empty list so the payer's own registration still applies.
func parseEmails(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return []string{}
	}
	return NormalizeEmails(list)
}

// NormalizeEmails lowercases and trims each address, drops invalid entries and
// duplicates, and keeps at most MaxBundleEmails.
func NormalizeEmails(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, e := range in {
		norm := models.NormalizeEmail(e)
		if !validEmail(norm) {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
		if len(out) == MaxBundleEmails {
			break
		}
	}
	return out
}

func validEmail(s string) bool {
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
