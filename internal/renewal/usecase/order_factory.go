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

// OrderFactory materialises renewal orders from a subscription's current
// billing line items. The snapshot is copied, so later edits to the
// subscription never change past orders.
type OrderFactory struct {
	store     repo.Store
	lifecycle *subscription.LifecycleManager
	notifier  events.Notifier
	now       func() time.Time
}

// NewOrderFactory creates a new renewal order factory
func NewOrderFactory(store repo.Store, lifecycle *subscription.LifecycleManager, notifier events.Notifier) *OrderFactory {
	if notifier == nil {
		notifier = events.NoopNotifier{}
	}
	return &OrderFactory{
		store:     store,
		lifecycle: lifecycle,
		notifier:  notifier,
		now:       time.Now,
	}
}

// WithClock overrides the time source
func (f *OrderFactory) WithClock(now func() time.Time) *OrderFactory {
	f.now = now
	return f
}

// CreateRenewalOrder creates the renewal order for the subscription's next
// payment. If a live order already exists for that cycle it is returned
// instead of creating a second one.
func (f *OrderFactory) CreateRenewalOrder(ctx context.Context, subscriptionID uuid.UUID) (*domain.RenewalOrder, error) {
	order, _, err := f.renewalOrderFor(ctx, []uuid.UUID{subscriptionID})
	return order, err
}

// CreateCombinedRenewalOrder bills several subscriptions due in the same
// cycle with one renewal order. All subscriptions must share a currency.
func (f *OrderFactory) CreateCombinedRenewalOrder(ctx context.Context, subscriptionIDs []uuid.UUID) (*domain.RenewalOrder, error) {
	order, _, err := f.renewalOrderFor(ctx, subscriptionIDs)
	return order, err
}

func (f *OrderFactory) renewalOrderFor(ctx context.Context, subscriptionIDs []uuid.UUID) (order *domain.RenewalOrder, created bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "renewal.create_renewal_order",
		attribute.Int("subscription_count", len(subscriptionIDs)))
	defer func() { tracing.End(span, err) }()

	if len(subscriptionIDs) == 0 {
		return nil, false, domain.NewCreationError("renewal order needs at least one subscription", "")
	}

	subs := make([]*domain.Subscription, 0, len(subscriptionIDs))
	for _, id := range subscriptionIDs {
		sub, err := f.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if sub.Status.IsEnded() {
			return nil, false, domain.NewCreationError("subscription has ended",
				fmt.Sprintf("subscription %s is %s", sub.ID, sub.Status))
		}
		subs = append(subs, sub)
	}

	cycle := subs[0].Schedule.NextPayment
	if !cycle.IsZero() {
		existing, err := f.store.FindOrderForCycle(ctx, subs[0].ID, domain.OrderKindRenewal, cycle)
		switch {
		case err == nil:
			log.Info(ctx, "Renewal order already exists for cycle",
				zap.String("subscription_id", subs[0].ID.String()),
				zap.String("order_id", existing.ID.String()),
				zap.Time("cycle_due", cycle))
			return existing, false, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, false, err
		}
	}

	order, err = f.build(domain.OrderKindRenewal, subs, cycle)
	if err != nil {
		return nil, false, err
	}

	if err := f.persist(ctx, order, subs, "Order %s created to record renewal."); err != nil {
		return nil, false, err
	}
	return order, true, nil
}

// CreateRetryOrder creates a new pending order for the cycle a failed order
// tried to pay. The failed order is never modified; the new order points to
// it through ReplacesOrderID. Retrying an order that already has a
// replacement returns the replacement.
func (f *OrderFactory) CreateRetryOrder(ctx context.Context, failedOrderID uuid.UUID) (*domain.RenewalOrder, error) {
	failed, err := f.store.GetOrder(ctx, failedOrderID)
	if err != nil {
		return nil, err
	}
	return f.replace(ctx, failed, domain.OrderStatusPending)
}

// replace creates the order that supersedes a failed one, starting in status.
func (f *OrderFactory) replace(ctx context.Context, failed *domain.RenewalOrder, status domain.OrderStatus) (order *domain.RenewalOrder, err error) {
	ctx, span := tracing.StartSpan(ctx, "renewal.create_retry_order",
		attribute.String("replaces_order_id", failed.ID.String()))
	defer func() { tracing.End(span, err) }()

	if failed.Status != domain.OrderStatusFailed {
		return nil, domain.NewInvalidTransitionError("renewal order", string(failed.Status), "retry")
	}

	existing, err := f.store.FindReplacement(ctx, failed.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := f.now()
	failedID := failed.ID
	order = failed.Clone()
	order.ID = uuid.New()
	order.Status = status
	order.ReplacesOrderID = &failedID
	order.CreatedAt = now
	order.UpdatedAt = now

	subs := make([]*domain.Subscription, 0, len(order.SubscriptionIDs))
	for _, id := range order.SubscriptionIDs {
		sub, err := f.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	note := "Order %s created to retry failed renewal order " + failed.ID.String() + "."
	if err := f.persist(ctx, order, subs, note); err != nil {
		return nil, err
	}
	return order, nil
}

// CreateResubscribeOrder bills a customer coming back after their
// subscription ended. The order becomes the subscription's parent order and
// the subscription reopens as pending; it activates when the order is paid.
func (f *OrderFactory) CreateResubscribeOrder(ctx context.Context, subscriptionID uuid.UUID) (order *domain.RenewalOrder, err error) {
	ctx, span := tracing.StartSpan(ctx, "renewal.create_resubscribe_order",
		attribute.String("subscription_id", subscriptionID.String()))
	defer func() { tracing.End(span, err) }()

	sub, err := f.store.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Status.IsEnded() {
		return nil, domain.NewCreationError("only ended subscriptions can resubscribe",
			fmt.Sprintf("subscription %s is %s", sub.ID, sub.Status))
	}

	order, err = f.build(domain.OrderKindResubscribe, []*domain.Subscription{sub}, f.now())
	if err != nil {
		return nil, err
	}

	rc := domain.ReconcileContext{Source: domain.SourceAdmin, OrderID: order.ID}
	reopened, err := f.lifecycle.Resubscribe(ctx, rc, sub.ID, order)
	if err != nil {
		return nil, err
	}

	if err := f.persist(ctx, order, []*domain.Subscription{reopened}, "Order %s created to record resubscription."); err != nil {
		return nil, err
	}
	return order, nil
}

func (f *OrderFactory) build(kind domain.OrderKind, subs []*domain.Subscription, cycle time.Time) (*domain.RenewalOrder, error) {
	now := f.now()
	order := &domain.RenewalOrder{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    domain.OrderStatusPending,
		Currency:  subs[0].Currency,
		CycleDue:  cycle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, sub := range subs {
		if sub.Currency != order.Currency {
			return nil, domain.NewCreationError("subscriptions billed together must share a currency",
				fmt.Sprintf("%s vs %s", order.Currency, sub.Currency))
		}
		items := sub.BillableItems()
		if len(items) == 0 {
			return nil, domain.NewCreationError("subscription has no billable line items", sub.ID.String())
		}
		order.LineItems = append(order.LineItems, items...)
		order.AmountCents += sub.RecurringTotalCents()
		order.SubscriptionIDs = append(order.SubscriptionIDs, sub.ID)
	}
	return order, nil
}

// persist stores the order, notes it on every subscription and announces it.
// noteFormat receives the order id.
func (f *OrderFactory) persist(ctx context.Context, order *domain.RenewalOrder, subs []*domain.Subscription, noteFormat string) error {
	if err := f.store.CreateOrder(ctx, order); err != nil {
		return err
	}
	metrics.RenewalOrdersCreatedTotal.WithLabelValues(string(order.Kind)).Inc()

	for _, sub := range subs {
		if err := f.lifecycle.AddNote(ctx, sub.ID, fmt.Sprintf(noteFormat, order.ID)); err != nil {
			log.Warn(ctx, "Failed to add renewal order note",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
		}

		f.notifier.Notify(ctx, events.Notification{
			Kind:         events.KindRenewalOrderCreated,
			Context:      domain.ReconcileContext{Source: domain.SourceScheduler, OrderID: order.ID},
			OrderID:      order.ID,
			Order:        order.Clone(),
			Subscription: sub,
			OccurredAt:   f.now(),
		})
	}

	log.Info(ctx, "Renewal order created",
		zap.String("order_id", order.ID.String()),
		zap.String("kind", string(order.Kind)),
		zap.Int64("amount_cents", order.AmountCents),
		zap.String("currency", order.Currency),
		zap.Int("subscription_count", len(order.SubscriptionIDs)))
	return nil
}
