package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus represents the status of a renewal order
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusOnHold     OrderStatus = "on-hold"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// IsValid checks the status is one of the known order statuses
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusCompleted,
		OrderStatusFailed, OrderStatusOnHold, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed || s == OrderStatusCancelled
}

// IsPaid reports whether the status means the payment was collected
func (s OrderStatus) IsPaid() bool {
	return s == OrderStatusProcessing || s == OrderStatusCompleted
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled, OrderStatusOnHold},
	OrderStatusOnHold:     {OrderStatusProcessing, OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled},
}

// CanTransitionOrder reports whether an order may move from one status to another
func CanTransitionOrder(from, to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// OrderKind distinguishes scheduled renewals from manual resubscriptions
type OrderKind string

const (
	OrderKindRenewal     OrderKind = "renewal"
	OrderKindResubscribe OrderKind = "resubscribe"
)

// RenewalOrder is one payment attempt against one or more subscriptions
type RenewalOrder struct {
	ID              uuid.UUID   `json:"id"`
	Kind            OrderKind   `json:"kind"`
	Status          OrderStatus `json:"status"`
	AmountCents     int64       `json:"amount_cents"`
	Currency        string      `json:"currency"`
	LineItems       []LineItem  `json:"line_items"`
	SubscriptionIDs []uuid.UUID `json:"subscription_ids"`
	CycleDue        time.Time   `json:"cycle_due"`
	ReplacesOrderID *uuid.UUID  `json:"replaces_order_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the order
func (o *RenewalOrder) Clone() *RenewalOrder {
	c := *o
	c.LineItems = append([]LineItem(nil), o.LineItems...)
	c.SubscriptionIDs = append([]uuid.UUID(nil), o.SubscriptionIDs...)
	if o.ReplacesOrderID != nil {
		id := *o.ReplacesOrderID
		c.ReplacesOrderID = &id
	}
	return &c
}

// TransitionTo moves the order to a new status. Moving to the current status
// is a no-op (a redelivered event) and reports false. Terminal orders never move.
func (o *RenewalOrder) TransitionTo(to OrderStatus, at time.Time) (bool, error) {
	if !to.IsValid() {
		return false, NewInvalidInputError("unknown order status", string(to))
	}
	if o.Status == to {
		return false, nil
	}
	if !CanTransitionOrder(o.Status, to) {
		return false, NewInvalidTransitionError("renewal order", string(o.Status), string(to))
	}
	o.Status = to
	o.UpdatedAt = at
	return true, nil
}

// Renews reports whether the order is linked to the subscription
func (o *RenewalOrder) Renews(subscriptionID uuid.UUID) bool {
	for _, id := range o.SubscriptionIDs {
		if id == subscriptionID {
			return true
		}
	}
	return false
}
