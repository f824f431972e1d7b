package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReceiptKey(t *testing.T) {
	require.Equal(t, "receipts/pi_123.json", ReceiptKey("pi_123"))
	// ids never escape the receipts prefix
	require.Equal(t, "receipts/evil.json", ReceiptKey("../../evil"))
}

func TestPresignExpireDefault(t *testing.T) {
	require.Equal(t, 15*time.Minute, (&S3{}).PresignExpire())
	require.Equal(t, 5*time.Minute, (&S3{cfg: S3Config{PresignExpireMinutes: 5}}).PresignExpire())
}
