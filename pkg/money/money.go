// Package money converts between user-entered dollar amounts and integer cents.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for unparseable, zero or negative amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// MaxCents bounds a single checkout (1,000,000.00).
const MaxCents int64 = 100_000_000

// ParseDollars converts a decimal dollar string ("25", "50.5", "12.345") to cents,
// rounding half away from zero to two places.
func ParseDollars(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return toCents(d)
}

// FromFloat converts a JSON number already decoded as float64.
func FromFloat(f float64) (int64, error) {
	return toCents(decimal.NewFromFloat(f))
}

func toCents(d decimal.Decimal) (int64, error) {
	cents := d.Round(2).Shift(2)
	if !cents.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if cents.GreaterThan(decimal.NewFromInt(MaxCents)) {
		return 0, fmt.Errorf("%w: exceeds maximum", ErrInvalidAmount)
	}
	return cents.IntPart(), nil
}

// FormatCents renders cents as a fixed two-decimal dollar string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
