package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
)

// Kind identifies a notification
type Kind string

const (
	KindRenewalOrderCreated       Kind = "renewal_order.created"
	KindRenewalPaidForFailed      Kind = "renewal.paid_for_failed"
	KindRenewalPaymentComplete    Kind = "renewal.payment_complete"
	KindSubscriptionStatusChanged Kind = "subscription.status_changed"
)

// Notification is delivered to every handler registered for its kind.
// Fields not relevant to a kind are left zero.
type Notification struct {
	Kind         Kind
	Context      domain.ReconcileContext
	OrderID      uuid.UUID
	Order        *domain.RenewalOrder
	Subscription *domain.Subscription
	OldStatus    domain.SubscriptionStatus
	NewStatus    domain.SubscriptionStatus
	Reason       string
	OccurredAt   time.Time
}

// Handler reacts to a notification
type Handler func(ctx context.Context, n Notification) error

// Notifier delivers notifications to their handlers
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// ErrRegistryFrozen is returned when registering after startup
var ErrRegistryFrozen = errors.New("event registry is frozen")

type registration struct {
	name    string
	handler Handler
}

// Registry maps notification kinds to an ordered list of handlers. Handlers
// are registered during startup; Freeze ends registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind][]registration
	frozen   bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind][]registration)}
}

// Register appends a handler for kind. Handlers run in registration order.
func (r *Registry) Register(kind Kind, name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %s for %s: %w", name, kind, ErrRegistryFrozen)
	}
	r.handlers[kind] = append(r.handlers[kind], registration{name: name, handler: handler})
	return nil
}

// Freeze forbids further registration
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Handlers returns the handler names registered for kind, in order
func (r *Registry) Handlers(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers[kind]))
	for _, reg := range r.handlers[kind] {
		names = append(names, reg.name)
	}
	return names
}

// Notify runs every handler for n.Kind in order. Handler failures are logged
// and do not stop later handlers or the caller's unit of work.
func (r *Registry) Notify(ctx context.Context, n Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now()
	}

	r.mu.RLock()
	regs := r.handlers[n.Kind]
	r.mu.RUnlock()

	for _, reg := range regs {
		if err := reg.handler(ctx, n); err != nil {
			log.Warn(ctx, "Notification handler failed",
				zap.String("kind", string(n.Kind)),
				zap.String("handler", reg.name),
				zap.Error(err))
		}
	}
}

// NoopNotifier drops every notification
type NoopNotifier struct{}

// Notify implements Notifier
func (NoopNotifier) Notify(ctx context.Context, n Notification) {}
