package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/events"
	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo"
)

// LifecycleManager owns every subscription status change. Each operation
// loads the subscription, applies the transition, appends an audit note,
// saves it and announces the change.
type LifecycleManager struct {
	subscriptionRepo repo.SubscriptionRepository
	notifier         events.Notifier
	now              func() time.Time
}

// NewLifecycleManager creates a new subscription lifecycle manager
func NewLifecycleManager(subscriptionRepo repo.SubscriptionRepository, notifier events.Notifier) *LifecycleManager {
	if notifier == nil {
		notifier = events.NoopNotifier{}
	}
	return &LifecycleManager{
		subscriptionRepo: subscriptionRepo,
		notifier:         notifier,
		now:              time.Now,
	}
}

// WithClock overrides the time source
func (lm *LifecycleManager) WithClock(now func() time.Time) *LifecycleManager {
	lm.now = now
	return lm
}

// Activate moves a pending or on-hold subscription to active
func (lm *LifecycleManager) Activate(ctx context.Context, rc domain.ReconcileContext, id uuid.UUID, reason string) (*domain.Subscription, error) {
	return lm.transition(ctx, rc, id, domain.TransitionActivate, reason)
}

// Suspend puts an active subscription on hold
func (lm *LifecycleManager) Suspend(ctx context.Context, rc domain.ReconcileContext, id uuid.UUID, reason string) (*domain.Subscription, error) {
	return lm.transition(ctx, rc, id, domain.TransitionSuspend, reason)
}

// PaymentFailed puts the subscription on hold after a failed renewal payment
func (lm *LifecycleManager) PaymentFailed(ctx context.Context, rc domain.ReconcileContext, id uuid.UUID, reason string) (*domain.Subscription, error) {
	return lm.transition(ctx, rc, id, domain.TransitionPaymentFailed, reason)
}

// Cancel cancels a subscription
func (lm *LifecycleManager) Cancel(ctx context.Context, rc domain.ReconcileContext, id uuid.UUID, reason string) (*domain.Subscription, error) {
	return lm.transition(ctx, rc, id, domain.TransitionCancel, reason)
}

// Expire ends a subscription
func (lm *LifecycleManager) Expire(ctx context.Context, rc domain.ReconcileContext, id uuid.UUID, reason string) (*domain.Subscription, error) {
	return lm.transition(ctx, rc, id, domain.TransitionExpire, reason)
}

func (lm *LifecycleManager) transition(ctx context.Context, rc domain.ReconcileContext, id uuid.UUID, op domain.Transition, reason string) (*domain.Subscription, error) {
	sub, err := lm.subscriptionRepo.Get(ctx, id)
	if err != nil {
		metrics.RecordTransition(string(op), err)
		return nil, err
	}

	oldStatus, err := sub.Apply(op, reason, lm.now())
	metrics.RecordTransition(string(op), err)
	if err != nil {
		return nil, err
	}

	// Activating an active subscription changes nothing.
	if op == domain.TransitionActivate && oldStatus == domain.SubscriptionStatusActive {
		return sub, nil
	}

	if err := lm.subscriptionRepo.Save(ctx, sub); err != nil {
		return nil, err
	}

	lm.announce(ctx, rc, sub, oldStatus, reason)

	log.Info(ctx, "Subscription status updated",
		zap.String("subscription_id", id.String()),
		zap.String("transition", string(op)),
		zap.String("old_status", string(oldStatus)),
		zap.String("new_status", string(sub.Status)),
		zap.String("source", string(rc.Source)),
		zap.String("reason", reason))

	return sub, nil
}

// MarkPaymentComplete records that order paid the subscription's current
// cycle and activates it. Repeating the call for the same order is a no-op
// and reports false.
func (lm *LifecycleManager) MarkPaymentComplete(ctx context.Context, rc domain.ReconcileContext, id uuid.UUID, order *domain.RenewalOrder) (*domain.Subscription, bool, error) {
	sub, err := lm.subscriptionRepo.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	oldStatus := sub.Status
	applied, err := sub.RecordPayment(order, lm.now())
	metrics.RecordTransition(string(domain.TransitionActivate), err)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		log.Debug(ctx, "Payment already recorded for order",
			zap.String("subscription_id", id.String()),
			zap.String("order_id", order.ID.String()))
		return sub, false, nil
	}

	if err := lm.subscriptionRepo.Save(ctx, sub); err != nil {
		return nil, false, err
	}

	lm.announce(ctx, rc, sub, oldStatus, "renewal payment complete")

	log.Info(ctx, "Subscription payment recorded",
		zap.String("subscription_id", id.String()),
		zap.String("order_id", order.ID.String()),
		zap.String("old_status", string(oldStatus)),
		zap.Time("next_payment", sub.Schedule.NextPayment),
		zap.String("source", string(rc.Source)))

	return sub, true, nil
}

// Resubscribe reopens an ended subscription as pending under order. It
// activates when order is paid.
func (lm *LifecycleManager) Resubscribe(ctx context.Context, rc domain.ReconcileContext, id uuid.UUID, order *domain.RenewalOrder) (*domain.Subscription, error) {
	sub, err := lm.subscriptionRepo.Get(ctx, id)
	if err != nil {
		metrics.RecordTransition(string(domain.TransitionResubscribe), err)
		return nil, err
	}

	oldStatus, err := sub.Resubscribe(order, lm.now())
	metrics.RecordTransition(string(domain.TransitionResubscribe), err)
	if err != nil {
		return nil, err
	}
	if err := lm.subscriptionRepo.Save(ctx, sub); err != nil {
		return nil, err
	}

	lm.announce(ctx, rc, sub, oldStatus, "customer resubscribed")

	log.Info(ctx, "Subscription resubscribed",
		zap.String("subscription_id", id.String()),
		zap.String("parent_order_id", order.ID.String()),
		zap.String("old_status", string(oldStatus)),
		zap.String("source", string(rc.Source)))

	return sub, nil
}

// AddNote appends an audit note without changing the status
func (lm *LifecycleManager) AddNote(ctx context.Context, id uuid.UUID, note string) error {
	sub, err := lm.subscriptionRepo.Get(ctx, id)
	if err != nil {
		return err
	}
	sub.AddNote(note, lm.now())
	return lm.subscriptionRepo.Save(ctx, sub)
}

func (lm *LifecycleManager) announce(ctx context.Context, rc domain.ReconcileContext, sub *domain.Subscription, oldStatus domain.SubscriptionStatus, reason string) {
	if oldStatus == sub.Status {
		return
	}
	lm.notifier.Notify(ctx, events.Notification{
		Kind:         events.KindSubscriptionStatusChanged,
		Context:      rc,
		OrderID:      rc.OrderID,
		Subscription: sub.Clone(),
		OldStatus:    oldStatus,
		NewStatus:    sub.Status,
		Reason:       reason,
		OccurredAt:   lm.now(),
	})
}
