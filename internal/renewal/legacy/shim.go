// Package legacy keeps the old subscription-key based entry points working on
// top of the id based renewal engine. Nothing in the engine imports it, so it
// can be removed once no caller uses subscription keys.
package legacy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/events"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo"
	"github.com/jia-app/renewalservice/internal/renewal/subscription"
	"github.com/jia-app/renewalservice/internal/renewal/usecase"
)

// RenewalOrderCreatedName is the legacy name of the renewal order created hook
const RenewalOrderCreatedName = "legacy.renewal_order_created"

// RenewalOrderCreatedFunc receives the legacy renewal order created hook
type RenewalOrderCreatedFunc func(ctx context.Context, orderID uuid.UUID, subscriptionKey string)

// Shim translates subscription-key calls onto the renewal engine
type Shim struct {
	store      repo.Store
	lifecycle  *subscription.LifecycleManager
	factory    *usecase.OrderFactory
	reconciler *usecase.Reconciler
	logger     *zap.Logger

	warned sync.Map

	mu        sync.RWMutex
	listeners []RenewalOrderCreatedFunc
}

// New creates a new legacy shim
func New(store repo.Store, lifecycle *subscription.LifecycleManager, factory *usecase.OrderFactory, reconciler *usecase.Reconciler, logger *zap.Logger) *Shim {
	return &Shim{
		store:      store,
		lifecycle:  lifecycle,
		factory:    factory,
		reconciler: reconciler,
		logger:     logger,
	}
}

// GetSubscriptionKey returns the legacy key of a subscription:
// "<parent order id>_<product id>" of its first line item.
func GetSubscriptionKey(sub *domain.Subscription) string {
	if sub == nil || sub.ParentOrderID == nil || len(sub.LineItems) == 0 {
		return ""
	}
	return sub.ParentOrderID.String() + "_" + sub.LineItems[0].ProductID
}

// ParseSubscriptionKey splits a legacy key into parent order id and product id
func ParseSubscriptionKey(key string) (uuid.UUID, string, error) {
	orderPart, productID, ok := strings.Cut(key, "_")
	if !ok || productID == "" {
		return uuid.Nil, "", domain.NewInvalidInputError("malformed subscription key", key)
	}
	orderID, err := uuid.Parse(orderPart)
	if err != nil {
		return uuid.Nil, "", domain.NewInvalidInputError("malformed subscription key", key)
	}
	return orderID, productID, nil
}

// GetSubscriptionKey is the deprecated method form of the package function
func (s *Shim) GetSubscriptionKey(sub *domain.Subscription) string {
	s.deprecated("GetSubscriptionKey", "the subscription id")
	return GetSubscriptionKey(sub)
}

// FindSubscriptionByKey resolves a legacy key to its subscription
func (s *Shim) FindSubscriptionByKey(ctx context.Context, key string) (*domain.Subscription, error) {
	s.deprecated("FindSubscriptionByKey", "SubscriptionRepository.Get")
	return s.find(ctx, key)
}

// ProcessSubscriptionPayment reports the subscription's latest renewal order
// as paid
func (s *Shim) ProcessSubscriptionPayment(ctx context.Context, key string) error {
	s.deprecated("ProcessSubscriptionPayment", "Reconciler.OnPaymentComplete")

	sub, err := s.find(ctx, key)
	if err != nil {
		return err
	}
	order, err := s.store.LatestOrderFor(ctx, sub.ID)
	if err != nil {
		return err
	}
	return s.reconciler.OnPaymentComplete(ctx, order.ID)
}

// ProcessSubscriptionPaymentFailure records a failed payment for the subscription
func (s *Shim) ProcessSubscriptionPaymentFailure(ctx context.Context, key string) error {
	s.deprecated("ProcessSubscriptionPaymentFailure", "Reconciler.OnRenewalOrderStatusChanged")

	sub, err := s.find(ctx, key)
	if err != nil {
		return err
	}

	rc := domain.ReconcileContext{Source: domain.SourceLegacy}
	_, err = s.lifecycle.PaymentFailed(ctx, rc, sub.ID,
		fmt.Sprintf("Payment failure reported for subscription %s.", key))
	return err
}

// CreateRenewalOrderForKey creates the renewal order for the subscription
func (s *Shim) CreateRenewalOrderForKey(ctx context.Context, key string) (*domain.RenewalOrder, error) {
	s.deprecated("CreateRenewalOrderForKey", "OrderFactory.CreateRenewalOrder")

	sub, err := s.find(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.factory.CreateRenewalOrder(ctx, sub.ID)
}

// OnRenewalOrderCreated adds a listener for the legacy hook
func (s *Shim) OnRenewalOrderCreated(fn RenewalOrderCreatedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Register subscribes the shim to engine notifications
func (s *Shim) Register(registry *events.Registry) error {
	return registry.Register(events.KindRenewalOrderCreated, "legacy-shim", s.handleRenewalOrderCreated)
}

func (s *Shim) handleRenewalOrderCreated(ctx context.Context, n events.Notification) error {
	key := GetSubscriptionKey(n.Subscription)
	if key == "" {
		return nil
	}

	s.mu.RLock()
	listeners := append([]RenewalOrderCreatedFunc(nil), s.listeners...)
	s.mu.RUnlock()

	s.logger.Debug(RenewalOrderCreatedName,
		zap.String("order_id", n.OrderID.String()),
		zap.String("subscription_key", key))
	for _, fn := range listeners {
		fn(ctx, n.OrderID, key)
	}
	return nil
}

func (s *Shim) find(ctx context.Context, key string) (*domain.Subscription, error) {
	parentID, productID, err := ParseSubscriptionKey(key)
	if err != nil {
		return nil, err
	}

	subs, err := s.store.FindByParentOrder(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		for _, item := range sub.LineItems {
			if item.ProductID == productID {
				return sub, nil
			}
		}
	}
	return nil, domain.NewNotFoundError("subscription", key)
}

// deprecated warns the first time a deprecated function is used
func (s *Shim) deprecated(fn, replacement string) {
	if _, loaded := s.warned.LoadOrStore(fn, struct{}{}); loaded {
		return
	}
	s.logger.Warn("Deprecated function called",
		zap.String("function", fn),
		zap.String("replacement", replacement))
}
