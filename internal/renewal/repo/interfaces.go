package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jia-app/renewalservice/internal/renewal/domain"
)

// SubscriptionFilter selects subscriptions for batch jobs. Zero-valued fields
// do not constrain the query.
type SubscriptionFilter struct {
	Status        domain.SubscriptionStatus
	PaymentMethod string
	// ExcludeExternalRefPrefix drops subscriptions whose external reference
	// starts with the prefix. Empty and missing references are kept.
	ExcludeExternalRefPrefix string
	// NextPaymentOnOrBefore keeps subscriptions with a next payment at or
	// before the timestamp; subscriptions without one are dropped.
	NextPaymentOnOrBefore time.Time
	// MissingRenewalOrder keeps only subscriptions with no renewal order for
	// the cycle their next payment belongs to.
	MissingRenewalOrder bool
}

// SubscriptionRepository defines the interface for subscription data operations
type SubscriptionRepository interface {
	// Find returns up to limit subscription ids matching the filter, oldest next payment first
	Find(ctx context.Context, filter SubscriptionFilter, limit int) ([]uuid.UUID, error)

	// Get retrieves a subscription by ID
	Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)

	// Save creates or updates a subscription
	Save(ctx context.Context, sub *domain.Subscription) error

	// FindByParentOrder returns the subscriptions created by a parent order
	FindByParentOrder(ctx context.Context, parentOrderID uuid.UUID) ([]*domain.Subscription, error)

	// FindByExternalRef retrieves a subscription by its payment processor reference
	FindByExternalRef(ctx context.Context, paymentMethod, externalRef string) (*domain.Subscription, error)
}

// RenewalOrderRepository defines the interface for renewal order data operations
type RenewalOrderRepository interface {
	// CreateOrder persists a new renewal order and its subscription links
	CreateOrder(ctx context.Context, order *domain.RenewalOrder) error

	// GetOrder retrieves a renewal order by ID
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.RenewalOrder, error)

	// SaveOrder updates an existing renewal order's status
	SaveOrder(ctx context.Context, order *domain.RenewalOrder) error

	// FindOrderForCycle returns the newest order of the given kind for the
	// subscription's billing cycle. The newest order of a replacement chain is
	// the only non-replaced one.
	FindOrderForCycle(ctx context.Context, subscriptionID uuid.UUID, kind domain.OrderKind, cycle time.Time) (*domain.RenewalOrder, error)

	// FindReplacement returns the order that replaces the given order
	FindReplacement(ctx context.Context, orderID uuid.UUID) (*domain.RenewalOrder, error)

	// LatestOrderFor returns the most recently created order for a subscription
	LatestOrderFor(ctx context.Context, subscriptionID uuid.UUID) (*domain.RenewalOrder, error)
}

// Store groups the repositories used by the renewal engine
type Store interface {
	SubscriptionRepository
	RenewalOrderRepository
}
