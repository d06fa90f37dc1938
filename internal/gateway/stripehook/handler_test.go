package stripehook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/renewal/domain"
)

const testSecret = "whsec_test_secret"

type call struct {
	orderID uuid.UUID
	status  domain.OrderStatus
}

type fakeResults struct {
	calls []call
	err   error
}

func (f *fakeResults) OnGatewayPaymentResult(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error {
	f.calls = append(f.calls, call{orderID, status})
	return f.err
}

func sign(payload []byte, secret string, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func invoiceEvent(eventType, orderID string) []byte {
	metadata := "{}"
	if orderID != "" {
		metadata = fmt.Sprintf(`{"%s":"%s"}`, MetadataOrderID, orderID)
	}
	return []byte(fmt.Sprintf(`{
  "id": "evt_1OpQ2x",
  "object": "event",
  "api_version": "2023-10-16",
  "created": %d,
  "type": "%s",
  "data": {"object": {"id": "in_1OpQ2x", "object": "invoice", "currency": "usd", "amount_paid": 1500, "metadata": %s}}
}`, time.Now().Unix(), eventType, metadata))
}

func post(t *testing.T, h *Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhook_InvoiceResults(t *testing.T) {
	tests := []struct {
		eventType string
		want      domain.OrderStatus
	}{
		{"invoice.payment_succeeded", domain.OrderStatusCompleted},
		{"invoice.payment_failed", domain.OrderStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			results := &fakeResults{}
			h := NewHandler(testSecret, results, zap.NewNop())
			orderID := uuid.New()
			payload := invoiceEvent(tt.eventType, orderID.String())

			rec := post(t, h, payload, sign(payload, testSecret, time.Now()))

			assert.Equal(t, http.StatusOK, rec.Code)
			require.Len(t, results.calls, 1)
			assert.Equal(t, call{orderID, tt.want}, results.calls[0])
		})
	}
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	results := &fakeResults{}
	h := NewHandler(testSecret, results, zap.NewNop())
	payload := invoiceEvent("invoice.payment_succeeded", uuid.NewString())

	rec := post(t, h, payload, sign(payload, "whsec_other", time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, payload, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, payload, sign(payload, testSecret, time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, results.calls)
}

func TestStripeWebhook_IgnoresUnrelatedEvents(t *testing.T) {
	results := &fakeResults{}
	h := NewHandler(testSecret, results, zap.NewNop())

	for _, payload := range [][]byte{
		invoiceEvent("customer.created", uuid.NewString()),
		invoiceEvent("invoice.payment_succeeded", ""),
	} {
		rec := post(t, h, payload, sign(payload, testSecret, time.Now()))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Empty(t, results.calls)
}

func TestStripeWebhook_MalformedOrderID(t *testing.T) {
	h := NewHandler(testSecret, &fakeResults{}, zap.NewNop())
	payload := invoiceEvent("invoice.payment_failed", "not-a-uuid")

	rec := post(t, h, payload, sign(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhook_ProcessingErrorAsksForRedelivery(t *testing.T) {
	results := &fakeResults{err: domain.NewRecordUnavailableError("renewal order", "x", context.DeadlineExceeded)}
	h := NewHandler(testSecret, results, zap.NewNop())
	payload := invoiceEvent("invoice.payment_succeeded", uuid.NewString())

	rec := post(t, h, payload, sign(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "order processing error")
}

func TestStripeWebhook_MethodNotAllowed(t *testing.T) {
	h := NewHandler(testSecret, &fakeResults{}, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
