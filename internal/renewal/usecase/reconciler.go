package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/events"
	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo"
	"github.com/jia-app/renewalservice/internal/renewal/subscription"
	"github.com/jia-app/renewalservice/internal/tracing"
)

// Reconciler maps renewal order status changes onto subscription state.
// Events for one order are assumed to arrive in the order they happened.
type Reconciler struct {
	store     repo.Store
	lifecycle *subscription.LifecycleManager
	factory   *OrderFactory
	notifier  events.Notifier
	now       func() time.Time
}

// NewReconciler creates a new status reconciler
func NewReconciler(store repo.Store, lifecycle *subscription.LifecycleManager, factory *OrderFactory, notifier events.Notifier) *Reconciler {
	if notifier == nil {
		notifier = events.NoopNotifier{}
	}
	return &Reconciler{
		store:     store,
		lifecycle: lifecycle,
		factory:   factory,
		notifier:  notifier,
		now:       time.Now,
	}
}

// WithClock overrides the time source
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// OnRenewalOrderStatusChanged handles an order status change event. Orders
// that are unknown or renew no subscription are ignored. Errors other than a
// missing subscription are returned so the event source can redeliver.
func (r *Reconciler) OnRenewalOrderStatusChanged(ctx context.Context, orderID uuid.UUID, oldStatus, newStatus domain.OrderStatus) (err error) {
	ctx, span := tracing.StartSpan(ctx, "renewal.reconcile_status_change",
		attribute.String("order_id", orderID.String()),
		attribute.String("old_status", string(oldStatus)),
		attribute.String("new_status", string(newStatus)))
	defer func() { tracing.End(span, err) }()

	if !newStatus.IsValid() {
		return domain.NewInvalidInputError("unknown order status", string(newStatus))
	}

	order, ok, err := r.loadOrder(ctx, orderID)
	if err != nil || !ok {
		return err
	}

	rc := domain.ReconcileContext{Source: domain.SourceOrderStatus, OrderID: orderID}
	return r.reconcile(ctx, rc, order, oldStatus, newStatus)
}

// OnGatewayPaymentResult applies a payment result reported by a gateway
// callback. The order's persisted status is the old status.
func (r *Reconciler) OnGatewayPaymentResult(ctx context.Context, orderID uuid.UUID, newStatus domain.OrderStatus) (err error) {
	ctx, span := tracing.StartSpan(ctx, "renewal.reconcile_gateway_result",
		attribute.String("order_id", orderID.String()),
		attribute.String("new_status", string(newStatus)))
	defer func() { tracing.End(span, err) }()

	return r.applyStatus(ctx, domain.SourceGateway, orderID, newStatus)
}

// SetOrderStatus applies a status an operator set on a renewal order
func (r *Reconciler) SetOrderStatus(ctx context.Context, orderID uuid.UUID, newStatus domain.OrderStatus) (err error) {
	ctx, span := tracing.StartSpan(ctx, "renewal.reconcile_admin_status",
		attribute.String("order_id", orderID.String()),
		attribute.String("new_status", string(newStatus)))
	defer func() { tracing.End(span, err) }()

	return r.applyStatus(ctx, domain.SourceAdmin, orderID, newStatus)
}

func (r *Reconciler) applyStatus(ctx context.Context, source domain.Source, orderID uuid.UUID, newStatus domain.OrderStatus) error {
	if !newStatus.IsValid() {
		return domain.NewInvalidInputError("unknown order status", string(newStatus))
	}

	order, ok, err := r.loadOrder(ctx, orderID)
	if err != nil || !ok {
		return err
	}

	rc := domain.ReconcileContext{Source: source, OrderID: orderID}
	return r.reconcile(ctx, rc, order, order.Status, newStatus)
}

// OnPaymentComplete handles a generic payment completed event. It may arrive
// in addition to the status change for the same payment; activation is
// recorded once per order either way.
func (r *Reconciler) OnPaymentComplete(ctx context.Context, orderID uuid.UUID) (err error) {
	ctx, span := tracing.StartSpan(ctx, "renewal.reconcile_payment_complete",
		attribute.String("order_id", orderID.String()))
	defer func() { tracing.End(span, err) }()

	order, ok, err := r.loadOrder(ctx, orderID)
	if err != nil || !ok {
		return err
	}

	rc := domain.ReconcileContext{Source: domain.SourcePaymentComplete, OrderID: orderID}
	r.notifier.Notify(ctx, events.Notification{
		Kind:       events.KindRenewalPaymentComplete,
		Context:    rc,
		OrderID:    order.ID,
		Order:      order.Clone(),
		OccurredAt: r.now(),
	})

	if order.Status.IsPaid() {
		return r.activateAll(ctx, rc, order, false)
	}
	return r.reconcile(ctx, rc, order, order.Status, domain.OrderStatusCompleted)
}

// loadOrder reports ok=false for orders the engine does not track
func (r *Reconciler) loadOrder(ctx context.Context, orderID uuid.UUID) (*domain.RenewalOrder, bool, error) {
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug(ctx, "Ignoring event for unknown renewal order", zap.String("order_id", orderID.String()))
			metrics.RecordReconciliation("order", "ignored")
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(order.SubscriptionIDs) == 0 {
		log.Debug(ctx, "Ignoring event for order without subscriptions", zap.String("order_id", orderID.String()))
		metrics.RecordReconciliation("order", "ignored")
		return nil, false, nil
	}
	return order, true, nil
}

func (r *Reconciler) reconcile(ctx context.Context, rc domain.ReconcileContext, order *domain.RenewalOrder, oldStatus, newStatus domain.OrderStatus) error {
	ctx = log.WithOrderID(ctx, order.ID.String())

	// A failed order keeps its status. Payment arriving for it is recorded on
	// a replacement order for the same cycle.
	if order.Status == domain.OrderStatusFailed && newStatus.IsPaid() {
		replacement, err := r.factory.replace(ctx, order, newStatus)
		if err != nil {
			return err
		}
		if _, err := r.persistStatus(ctx, replacement, newStatus); err != nil {
			return err
		}
		log.Info(ctx, "Payment for failed renewal order recorded on replacement",
			zap.String("replacement_order_id", replacement.ID.String()))
		rc.OrderID = replacement.ID
		return r.activateAll(ctx, rc, replacement, true)
	}

	changed, err := r.persistStatus(ctx, order, newStatus)
	if err != nil {
		return err
	}

	switch {
	case newStatus.IsPaid():
		if !paysFrom(oldStatus) {
			metrics.RecordReconciliation(string(rc.Source), "none")
			return nil
		}
		return r.activateAll(ctx, rc, order, oldStatus == domain.OrderStatusFailed)
	case newStatus == domain.OrderStatusFailed:
		return r.failAll(ctx, rc, order, changed)
	default:
		metrics.RecordReconciliation(string(rc.Source), "none")
		return nil
	}
}

func paysFrom(old domain.OrderStatus) bool {
	switch old {
	case domain.OrderStatusPending, domain.OrderStatusOnHold, domain.OrderStatusFailed:
		return true
	}
	return false
}

// persistStatus moves the order to status. A repeated status is not a change.
func (r *Reconciler) persistStatus(ctx context.Context, order *domain.RenewalOrder, status domain.OrderStatus) (bool, error) {
	changed, err := order.TransitionTo(status, r.now())
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return false, fmt.Errorf("failed to save renewal order status: %w", err)
	}
	return true, nil
}

func (r *Reconciler) activateAll(ctx context.Context, rc domain.ReconcileContext, order *domain.RenewalOrder, paidForFailed bool) error {
	for _, subID := range order.SubscriptionIDs {
		sub, skip, err := r.liveSubscription(ctx, subID, order,
			fmt.Sprintf("Renewal order %s was paid but the subscription has ended; no change made.", order.ID))
		if err != nil {
			return err
		}
		if skip {
			continue
		}

		updated, applied, err := r.lifecycle.MarkPaymentComplete(ctx, rc, sub.ID, order)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return err
		}
		if !applied {
			metrics.RecordReconciliation(string(rc.Source), "duplicate")
			continue
		}
		metrics.RecordReconciliation(string(rc.Source), "activated")

		if paidForFailed {
			r.notifier.Notify(ctx, events.Notification{
				Kind:         events.KindRenewalPaidForFailed,
				Context:      rc,
				OrderID:      order.ID,
				Order:        order.Clone(),
				Subscription: updated,
				OccurredAt:   r.now(),
			})
		}
	}
	return nil
}

func (r *Reconciler) failAll(ctx context.Context, rc domain.ReconcileContext, order *domain.RenewalOrder, changed bool) error {
	for _, subID := range order.SubscriptionIDs {
		sub, skip, err := r.liveSubscription(ctx, subID, order,
			fmt.Sprintf("Renewal order %s failed but the subscription has ended; no change made.", order.ID))
		if err != nil {
			return err
		}
		if skip {
			continue
		}

		// Redelivered failure for a subscription already on hold.
		if !changed && sub.Status == domain.SubscriptionStatusOnHold {
			metrics.RecordReconciliation(string(rc.Source), "duplicate")
			continue
		}

		_, err = r.lifecycle.PaymentFailed(ctx, rc, sub.ID, fmt.Sprintf("Payment for renewal order %s failed.", order.ID))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return err
		}
		metrics.RecordReconciliation(string(rc.Source), "payment_failed")
	}
	return nil
}

// liveSubscription loads a linked subscription. Missing subscriptions are
// skipped. Ended subscriptions get endedNote and are skipped.
func (r *Reconciler) liveSubscription(ctx context.Context, id uuid.UUID, order *domain.RenewalOrder, endedNote string) (*domain.Subscription, bool, error) {
	sub, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn(ctx, "Renewal order links a missing subscription",
				zap.String("order_id", order.ID.String()),
				zap.String("subscription_id", id.String()))
			return nil, true, nil
		}
		return nil, false, err
	}

	if sub.Status.IsEnded() {
		log.Warn(ctx, "Renewal order event for ended subscription",
			zap.String("order_id", order.ID.String()),
			zap.String("subscription_id", id.String()),
			zap.String("status", string(sub.Status)))
		if err := r.lifecycle.AddNote(ctx, id, endedNote); err != nil {
			return nil, false, err
		}
		metrics.RecordReconciliation("order", "ended")
		return nil, true, nil
	}
	return sub, false, nil
}
