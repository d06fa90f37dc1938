// Package stripehook turns Stripe invoice webhooks into renewal order
// payment results. Invoices for renewal orders carry the order id in
// metadata.renewal_order_id.
package stripehook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/gateway"
	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
)

// MetadataOrderID is the invoice metadata key holding the renewal order id
const MetadataOrderID = "renewal_order_id"

const maxPayloadBytes = 65536

var invoiceResults = map[string]domain.OrderStatus{
	string(stripe.EventTypeInvoicePaymentSucceeded): domain.OrderStatusCompleted,
	string(stripe.EventTypeInvoicePaymentFailed):    domain.OrderStatusFailed,
}

// Handler receives Stripe webhooks
type Handler struct {
	webhookSecret string
	results       gateway.PaymentResultHandler
	logger        *zap.Logger
}

// NewHandler creates a new Stripe webhook handler
func NewHandler(webhookSecret string, results gateway.PaymentResultHandler, logger *zap.Logger) *Handler {
	return &Handler{
		webhookSecret: webhookSecret,
		results:       results,
		logger:        logger,
	}
}

// ServeHTTP handles POST /webhooks/stripe
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		gateway.WriteResult(w, fmt.Errorf("%w: failed to read body", gateway.ErrBadRequest))
		return
	}

	err = h.Process(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if gateway.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error("Failed to process Stripe webhook", zap.Error(err))
	}
	gateway.WriteResult(w, err)
}

// Process verifies and applies one webhook payload
func (h *Handler) Process(ctx context.Context, payload []byte, signature string) error {
	if h.webhookSecret == "" {
		return fmt.Errorf("stripe webhook secret not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.RecordWebhookReceived("stripe", "unknown", "invalid_signature")
		h.logger.Warn("Rejected Stripe webhook", zap.Error(err))
		return fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}

	eventType := string(event.Type)
	status, ok := invoiceResults[eventType]
	if !ok {
		metrics.RecordWebhookReceived("stripe", eventType, "ignored")
		h.logger.Debug("Ignoring Stripe event", zap.String("event_id", event.ID), zap.String("event_type", eventType))
		return nil
	}

	orderID, ok, err := renewalOrderID(event)
	if err != nil {
		metrics.RecordWebhookReceived("stripe", eventType, "malformed")
		return err
	}
	if !ok {
		metrics.RecordWebhookReceived("stripe", eventType, "ignored")
		h.logger.Debug("Stripe invoice is not for a renewal order", zap.String("event_id", event.ID))
		return nil
	}

	h.logger.Info("Processing Stripe invoice event",
		zap.String("event_id", event.ID),
		zap.String("event_type", eventType),
		zap.String("order_id", orderID.String()))

	if err := h.results.OnGatewayPaymentResult(ctx, orderID, status); err != nil {
		metrics.RecordWebhookReceived("stripe", eventType, "error")
		return err
	}
	metrics.RecordWebhookReceived("stripe", eventType, "processed")
	return nil
}

func renewalOrderID(event stripe.Event) (uuid.UUID, bool, error) {
	if event.Data == nil {
		return uuid.Nil, false, fmt.Errorf("%w: event has no data", gateway.ErrBadRequest)
	}

	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: invalid invoice object: %v", gateway.ErrBadRequest, err)
	}

	raw, ok := invoice.Metadata[MetadataOrderID]
	if !ok || raw == "" {
		return uuid.Nil, false, nil
	}
	orderID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: invalid %s %q", gateway.ErrBadRequest, MetadataOrderID, raw)
	}
	return orderID, true, nil
}
