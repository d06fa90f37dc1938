package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the persisted state of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusOnHold    SubscriptionStatus = "on-hold"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// IsEnded reports whether the subscription can no longer renew
func (s SubscriptionStatus) IsEnded() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

// Payment method identifiers
const (
	PaymentMethodPayPal = "paypal"
	PaymentMethodStripe = "stripe"
	PaymentMethodManual = "manual"
)

// Transition names a subscription status operation
type Transition string

const (
	TransitionActivate      Transition = "activate"
	TransitionSuspend       Transition = "suspend"
	TransitionPaymentFailed Transition = "payment_failed"
	TransitionCancel        Transition = "cancel"
	TransitionExpire        Transition = "expire"
	TransitionResubscribe   Transition = "resubscribe"
)

// subscriptionTransitions maps an operation to the statuses it may start from
// and the status it leads to.
var subscriptionTransitions = map[Transition]map[SubscriptionStatus]SubscriptionStatus{
	TransitionActivate: {
		SubscriptionStatusPending: SubscriptionStatusActive,
		SubscriptionStatusOnHold:  SubscriptionStatusActive,
		SubscriptionStatusActive:  SubscriptionStatusActive,
	},
	TransitionSuspend: {
		SubscriptionStatusActive: SubscriptionStatusOnHold,
	},
	TransitionPaymentFailed: {
		SubscriptionStatusPending: SubscriptionStatusOnHold,
		SubscriptionStatusActive:  SubscriptionStatusOnHold,
		SubscriptionStatusOnHold:  SubscriptionStatusOnHold,
	},
	TransitionCancel: {
		SubscriptionStatusPending: SubscriptionStatusCancelled,
		SubscriptionStatusActive:  SubscriptionStatusCancelled,
		SubscriptionStatusOnHold:  SubscriptionStatusCancelled,
	},
	TransitionExpire: {
		SubscriptionStatusActive:    SubscriptionStatusExpired,
		SubscriptionStatusOnHold:    SubscriptionStatusExpired,
		SubscriptionStatusCancelled: SubscriptionStatusExpired,
	},
	TransitionResubscribe: {
		SubscriptionStatusCancelled: SubscriptionStatusPending,
		SubscriptionStatusExpired:   SubscriptionStatusPending,
	},
}

// NextStatus returns the status op leads to from the given status
func NextStatus(op Transition, from SubscriptionStatus) (SubscriptionStatus, bool) {
	to, ok := subscriptionTransitions[op][from]
	return to, ok
}

// LineItem is one billable product line
type LineItem struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// TotalCents returns the line total
func (li LineItem) TotalCents() int64 {
	return int64(li.Quantity) * li.UnitPriceCents
}

// Note is one entry of a subscription's audit trail
type Note struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is a long-lived billing agreement
type Subscription struct {
	ID              uuid.UUID          `json:"id"`
	Status          SubscriptionStatus `json:"status"`
	Schedule        BillingSchedule    `json:"schedule"`
	PaymentMethod   string             `json:"payment_method"`
	ExternalRef     string             `json:"external_ref,omitempty"`
	Currency        string             `json:"currency"`
	LineItems       []LineItem         `json:"line_items"`
	ParentOrderID   *uuid.UUID         `json:"parent_order_id,omitempty"`
	LastPaidOrderID *uuid.UUID         `json:"last_paid_order_id,omitempty"`
	SuspensionCount int                `json:"suspension_count"`
	Notes           []Note             `json:"notes"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the subscription
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.LineItems = append([]LineItem(nil), s.LineItems...)
	c.Notes = append([]Note(nil), s.Notes...)
	if s.ParentOrderID != nil {
		id := *s.ParentOrderID
		c.ParentOrderID = &id
	}
	if s.LastPaidOrderID != nil {
		id := *s.LastPaidOrderID
		c.LastPaidOrderID = &id
	}
	return &c
}

// BillableItems returns the line items with a positive quantity
func (s *Subscription) BillableItems() []LineItem {
	var items []LineItem
	for _, li := range s.LineItems {
		if li.Quantity > 0 {
			items = append(items, li)
		}
	}
	return items
}

// RecurringTotalCents returns the sum of the billable line totals
func (s *Subscription) RecurringTotalCents() int64 {
	var total int64
	for _, li := range s.BillableItems() {
		total += li.TotalCents()
	}
	return total
}

// HasAgreementRef reports whether the external reference carries the
// gateway's agreement id prefix (PayPal billing agreements start with "B-").
func (s *Subscription) HasAgreementRef(prefix string) bool {
	return prefix != "" && strings.HasPrefix(s.ExternalRef, prefix)
}

// AddNote appends an audit note
func (s *Subscription) AddNote(message string, at time.Time) {
	s.Notes = append(s.Notes, Note{Message: message, CreatedAt: at})
	s.UpdatedAt = at
}

// Apply runs a status operation. It returns the previous status. An
// operation not allowed from the current status returns an
// InvalidTransition error and leaves the subscription untouched.
func (s *Subscription) Apply(op Transition, reason string, at time.Time) (SubscriptionStatus, error) {
	old := s.Status
	if strings.TrimSpace(reason) == "" {
		return old, NewInvalidInputError("transition reason is required", string(op))
	}

	to, ok := NextStatus(op, old)
	if !ok {
		return old, NewInvalidTransitionError("subscription", string(old), string(op))
	}

	// Activating an active subscription is a no-op.
	if op == TransitionActivate && old == SubscriptionStatusActive {
		return old, nil
	}

	s.Status = to
	if op == TransitionSuspend {
		s.SuspensionCount++
	}

	if old == to {
		s.AddNote(reason, at)
	} else {
		s.AddNote(fmt.Sprintf("%s Status changed from %s to %s.", reason, old, to), at)
	}
	return old, nil
}

// Resubscribe reopens an ended subscription as pending with order as its new
// parent order. The old schedule is cleared; paying order starts a new one.
func (s *Subscription) Resubscribe(order *RenewalOrder, at time.Time) (SubscriptionStatus, error) {
	if _, ok := NextStatus(TransitionResubscribe, s.Status); !ok {
		return s.Status, NewInvalidTransitionError("subscription", string(s.Status), string(TransitionResubscribe))
	}

	orderID := order.ID
	s.ParentOrderID = &orderID
	s.Schedule.NextPayment = time.Time{}
	s.SuspensionCount = 0
	return s.Apply(TransitionResubscribe, fmt.Sprintf("Customer resubscribed in order %s.", order.ID), at)
}

// RecordPayment records that order paid the subscription's current cycle:
// the next payment moves one interval past the cycle the order paid for,
// suspensions are cleared and the subscription is activated. It is
// idempotent per order and reports whether anything changed.
func (s *Subscription) RecordPayment(order *RenewalOrder, at time.Time) (bool, error) {
	if s.LastPaidOrderID != nil && *s.LastPaidOrderID == order.ID {
		return false, nil
	}
	if _, ok := NextStatus(TransitionActivate, s.Status); !ok {
		return false, NewInvalidTransitionError("subscription", string(s.Status), string(TransitionActivate))
	}

	cycle := order.CycleDue
	if cycle.IsZero() {
		cycle = s.Schedule.NextPayment
	}
	if cycle.IsZero() {
		cycle = at
	}

	orderID := order.ID
	s.Schedule.NextPayment = s.Schedule.Interval.Next(cycle)
	s.Schedule.LastPayment = at
	s.LastPaidOrderID = &orderID
	s.SuspensionCount = 0
	s.AddNote(fmt.Sprintf("Payment received for order %s. Next payment due %s.",
		order.ID, s.Schedule.NextPayment.UTC().Format(time.RFC3339)), at)

	if _, err := s.Apply(TransitionActivate, fmt.Sprintf("Renewal order %s paid.", order.ID), at); err != nil {
		return true, err
	}
	return true, nil
}
