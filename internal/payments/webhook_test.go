package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/bravethewaves/backend/config"
	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/models"
)

const testWebhookSecret = "whsec_test_secret"

type memoryEventLog struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *memoryEventLog) Seen(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[id], nil
}

func (l *memoryEventLog) Mark(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[id] = true
	return nil
}

type webhookFixture struct {
	store  *ledger.Memory
	events *memoryEventLog
	router *gin.Engine
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := ledger.NewMemory()
	events := &memoryEventLog{seen: map[string]bool{}}
	stripeClient := NewStripe(config.StripeConfig{WebhookSecret: testWebhookSecret, WebhookTolerance: 5 * time.Minute}, nil)
	h := NewWebhookHandler(stripeClient, NewEngine(store, nil, nil, nil), events, nil)
	r := gin.New()
	r.POST("/api/stripe-webhook", h.Handle)
	return &webhookFixture{store: store, events: events, router: r}
}

func checkoutPayload(t *testing.T, eventID, pi string, metadata map[string]string) []byte {
	t.Helper()
	ev := map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        "checkout.session.completed",
		"api_version": "2023-10-16",
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_" + pi,
				"object":         "checkout.session",
				"amount_total":   5000,
				"currency":       "cad",
				"payment_intent": pi,
				"customer":       "cus_1",
				"customer_details": map[string]any{
					"email": "donor@example.com",
					"name":  "Dana Donor",
				},
				"metadata": metadata,
			},
		},
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}

func (f *webhookFixture) deliver(t *testing.T, payload []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestWebhookRecordsDonationOnce(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	_, _, err := f.store.SyncUser(ctx, ledger.UserSync{ID: "p", Email: "p@example.com", Name: "Pat"})
	require.NoError(t, err)
	paddler, err := f.store.PromoteToPaddler(ctx, "p", "PAT234")
	require.NoError(t, err)

	payload := checkoutPayload(t, "evt_1", "pi_1", map[string]string{"type": "donation", "donationId": paddler.DonationCode})
	w := f.deliver(t, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"received":true}`, w.Body.String())

	// same payment intent under a new event id still counts once
	w = f.deliver(t, checkoutPayload(t, "evt_2", "pi_1", map[string]string{"donationId": paddler.DonationCode}), testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.deliver(t, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	d, err := f.store.GetDonation(ctx, "pi_1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), d.Amount)
	require.Equal(t, "CAD", d.Currency)
	require.Equal(t, "Dana Donor", d.DonorName)
	u, err := f.store.GetUser(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, int64(5000), u.AmountRaised)
	require.True(t, f.events.seen["evt_1"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	payload := checkoutPayload(t, "evt_1", "pi_1", nil)

	w := f.deliver(t, payload, "whsec_wrong")
	require.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewReader(payload))
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	_, err := f.store.GetDonation(context.Background(), "pi_1")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestWebhookAcknowledgesUnknownUser(t *testing.T) {
	f := newWebhookFixture(t)
	payload := checkoutPayload(t, "evt_1", "pi_1", map[string]string{"type": "registration", "userId": "ghost"})

	w := f.deliver(t, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)
	_, err := f.store.GetRegistration(context.Background(), "ghost")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestWebhookRejectsInvalidMetadata(t *testing.T) {
	f := newWebhookFixture(t)
	payload := checkoutPayload(t, "evt_1", "pi_1", map[string]string{"type": "subscription"})

	w := f.deliver(t, payload, testWebhookSecret)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.False(t, f.events.seen["evt_1"])
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	f := newWebhookFixture(t)
	payload := []byte(`{"id":"evt_9","object":"event","type":"customer.created","api_version":"2023-10-16","data":{"object":{"id":"cus_1","object":"customer"}}}`)

	w := f.deliver(t, payload, testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookRefund(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	w := f.deliver(t, checkoutPayload(t, "evt_1", "pi_1", nil), testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	refund := []byte(`{"id":"evt_r","object":"event","type":"charge.refunded","api_version":"2023-10-16",
		"data":{"object":{"id":"ch_1","object":"charge","amount_refunded":5000,"refunded":true,"payment_intent":"pi_1"}}}`)
	w = f.deliver(t, refund, testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	d, err := f.store.GetDonation(ctx, "pi_1")
	require.NoError(t, err)
	require.Equal(t, models.DonationRefunded, d.Status)
}

func TestWebhookPartialRefundKeepsDonationCompleted(t *testing.T) {
	f := newWebhookFixture(t)
	w := f.deliver(t, checkoutPayload(t, "evt_1", "pi_1", nil), testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	refund := []byte(`{"id":"evt_p","object":"event","type":"charge.refunded","api_version":"2023-10-16",
		"data":{"object":{"id":"ch_1","object":"charge","amount":5000,"amount_refunded":1000,"refunded":false,"payment_intent":"pi_1"}}}`)
	w = f.deliver(t, refund, testWebhookSecret)
	require.Equal(t, http.StatusOK, w.Code)

	d, err := f.store.GetDonation(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, models.DonationCompleted, d.Status)
}

func TestWebhookRejectsMissingAmount(t *testing.T) {
	f := newWebhookFixture(t)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(checkoutPayload(t, "evt_z", "pi_zero", nil), &ev))
	delete(ev["data"].(map[string]any)["object"].(map[string]any), "amount_total")
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	w := f.deliver(t, payload, testWebhookSecret)
	require.Equal(t, http.StatusBadRequest, w.Code)
	_, err = f.store.GetDonation(context.Background(), "pi_zero")
	require.ErrorIs(t, err, ledger.ErrNotFound)
	require.False(t, f.events.seen["evt_z"])
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	f := newWebhookFixture(t)
	w := f.deliver(t, bytes.Repeat([]byte("x"), maxWebhookBody+10), testWebhookSecret)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
