// Package paypalipn applies PayPal Instant Payment Notifications for
// recurring payment profiles to subscriptions and renewal orders.
package paypalipn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/gateway"
	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo"
	"github.com/jia-app/renewalservice/internal/renewal/subscription"
)

// Recurring payment IPN transaction types
const (
	TxnRecurringPayment            = "recurring_payment"
	TxnRecurringPaymentFailed      = "recurring_payment_failed"
	TxnRecurringPaymentSkipped     = "recurring_payment_skipped"
	TxnRecurringPaymentSuspended   = "recurring_payment_suspended"
	TxnSuspendedDueToMaxFailedPays = "recurring_payment_suspended_due_to_max_failed_payment"
)

const maxPayloadBytes = 65536

// earlyChargeWindow is how far ahead of the due date a PayPal charge may land
const earlyChargeWindow = 24 * time.Hour

// Notification is the part of an IPN message the handler uses
type Notification struct {
	TxnType            string
	TxnID              string
	RecurringPaymentID string
	PaymentStatus      string
	ReceiverEmail      string
}

// ParseNotification decodes a form encoded IPN body
func ParseNotification(body []byte) (Notification, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: invalid IPN body: %v", gateway.ErrBadRequest, err)
	}
	n := Notification{
		TxnType:            values.Get("txn_type"),
		TxnID:              values.Get("txn_id"),
		RecurringPaymentID: values.Get("recurring_payment_id"),
		PaymentStatus:      values.Get("payment_status"),
		ReceiverEmail:      values.Get("receiver_email"),
	}
	if n.TxnType == "" {
		return Notification{}, fmt.Errorf("%w: missing txn_type", gateway.ErrBadRequest)
	}
	return n, nil
}

// Verifier confirms an IPN message really came from PayPal
type Verifier interface {
	Verify(ctx context.Context, body []byte) error
}

// OrderCreator creates the renewal order for a subscription's current cycle
type OrderCreator interface {
	CreateRenewalOrder(ctx context.Context, subscriptionID uuid.UUID) (*domain.RenewalOrder, error)
}

// Handler receives PayPal IPN messages
type Handler struct {
	store         repo.Store
	lifecycle     *subscription.LifecycleManager
	orders        OrderCreator
	results       gateway.PaymentResultHandler
	verifier      Verifier
	receiverEmail string
	logger        *zap.Logger
	now           func() time.Time
}

// NewHandler creates a new IPN handler. A nil verifier skips verification.
func NewHandler(
	store repo.Store,
	lifecycle *subscription.LifecycleManager,
	orders OrderCreator,
	results gateway.PaymentResultHandler,
	verifier Verifier,
	receiverEmail string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:         store,
		lifecycle:     lifecycle,
		orders:        orders,
		results:       results,
		verifier:      verifier,
		receiverEmail: receiverEmail,
		logger:        logger,
		now:           time.Now,
	}
}

// WithClock replaces the time source
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// ServeHTTP handles POST /webhooks/paypal
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		gateway.WriteResult(w, fmt.Errorf("%w: failed to read body", gateway.ErrBadRequest))
		return
	}

	err = h.Process(r.Context(), body)
	if gateway.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error("Failed to process PayPal IPN", zap.Error(err))
	}
	gateway.WriteResult(w, err)
}

// Process verifies and applies one IPN message
func (h *Handler) Process(ctx context.Context, body []byte) error {
	n, err := ParseNotification(body)
	if err != nil {
		metrics.RecordWebhookReceived("paypal", "unknown", "malformed")
		return err
	}

	if h.receiverEmail != "" && !strings.EqualFold(n.ReceiverEmail, h.receiverEmail) {
		metrics.RecordWebhookReceived("paypal", n.TxnType, "wrong_receiver")
		h.logger.Warn("IPN for another receiver", zap.String("receiver_email", n.ReceiverEmail))
		return fmt.Errorf("%w: unexpected receiver_email", gateway.ErrBadRequest)
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(ctx, body); err != nil {
			metrics.RecordWebhookReceived("paypal", n.TxnType, "unverified")
			return err
		}
	}

	switch n.TxnType {
	case TxnRecurringPaymentSuspended, TxnSuspendedDueToMaxFailedPays,
		TxnRecurringPayment, TxnRecurringPaymentFailed, TxnRecurringPaymentSkipped:
	default:
		metrics.RecordWebhookReceived("paypal", n.TxnType, "ignored")
		return nil
	}

	sub, err := h.store.FindByExternalRef(ctx, domain.PaymentMethodPayPal, n.RecurringPaymentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.RecordWebhookReceived("paypal", n.TxnType, "unknown_profile")
			h.logger.Warn("IPN for unknown recurring payment profile",
				zap.String("recurring_payment_id", n.RecurringPaymentID),
				zap.String("txn_type", n.TxnType))
			return nil
		}
		return err
	}

	switch n.TxnType {
	case TxnRecurringPaymentSuspended, TxnSuspendedDueToMaxFailedPays:
		err = h.suspend(ctx, sub, n)
	case TxnRecurringPayment:
		err = h.paid(ctx, sub, n)
	default:
		err = h.failed(ctx, sub, n)
	}
	if err != nil {
		metrics.RecordWebhookReceived("paypal", n.TxnType, "error")
		return err
	}
	metrics.RecordWebhookReceived("paypal", n.TxnType, "processed")
	return nil
}

func (h *Handler) suspend(ctx context.Context, sub *domain.Subscription, n Notification) error {
	if sub.Status != domain.SubscriptionStatusActive {
		h.logger.Info("Suspension IPN for subscription that is not active",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("status", string(sub.Status)))
		return nil
	}

	rc := domain.ReconcileContext{Source: domain.SourceGateway}
	_, err := h.lifecycle.Suspend(ctx, rc, sub.ID,
		fmt.Sprintf("PayPal suspended recurring payment profile %s.", n.RecurringPaymentID))
	return err
}

func (h *Handler) paid(ctx context.Context, sub *domain.Subscription, n Notification) error {
	if !strings.EqualFold(n.PaymentStatus, "Completed") {
		h.logger.Info("Recurring payment not completed yet",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("payment_status", n.PaymentStatus))
		return nil
	}

	// A charge for a cycle that is not due yet repeats an earlier IPN.
	if sub.Schedule.NextPayment.After(h.now().Add(earlyChargeWindow)) {
		if latest, err := h.store.LatestOrderFor(ctx, sub.ID); err == nil && latest.Status.IsPaid() {
			h.logger.Info("Ignoring repeated recurring payment IPN",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("txn_id", n.TxnID))
			return nil
		}
	}

	order, ok, err := h.currentOrder(ctx, sub)
	if err != nil || !ok {
		return err
	}
	return h.results.OnGatewayPaymentResult(ctx, order.ID, domain.OrderStatusCompleted)
}

func (h *Handler) failed(ctx context.Context, sub *domain.Subscription, n Notification) error {
	order, ok, err := h.currentOrder(ctx, sub)
	if err != nil || !ok {
		return err
	}
	return h.results.OnGatewayPaymentResult(ctx, order.ID, domain.OrderStatusFailed)
}

// currentOrder returns the open renewal order of the subscription, creating
// one for the current cycle when there is none. ok is false when no order
// can be made, for example for an ended subscription.
func (h *Handler) currentOrder(ctx context.Context, sub *domain.Subscription) (*domain.RenewalOrder, bool, error) {
	latest, err := h.store.LatestOrderFor(ctx, sub.ID)
	switch {
	case err == nil && !latest.Status.IsTerminal():
		return latest, true, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, false, err
	}

	order, err := h.orders.CreateRenewalOrder(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, domain.ErrCreation) {
			h.logger.Warn("No renewal order for PayPal IPN",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err))
			return nil, false, nil
		}
		return nil, false, err
	}
	return order, true, nil
}
