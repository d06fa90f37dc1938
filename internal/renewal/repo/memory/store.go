package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo"
)

// Store is an in-memory implementation of repo.Store. Records are copied on
// the way in and out so callers never share state with the store.
type Store struct {
	mu            sync.RWMutex
	subscriptions map[uuid.UUID]*domain.Subscription
	orders        map[uuid.UUID]*domain.RenewalOrder
	orderSeq      map[uuid.UUID]int64 // insertion order, breaks created_at ties
	seq           int64
}

var _ repo.Store = (*Store)(nil)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		subscriptions: make(map[uuid.UUID]*domain.Subscription),
		orders:        make(map[uuid.UUID]*domain.RenewalOrder),
		orderSeq:      make(map[uuid.UUID]int64),
	}
}

// Find returns subscription ids matching the filter
func (s *Store) Find(ctx context.Context, filter repo.SubscriptionFilter, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*domain.Subscription, 0)
	for _, sub := range s.subscriptions {
		if filter.MissingRenewalOrder && s.hasOrderForCycle(sub) {
			continue
		}
		if matchesFilter(sub, filter) {
			matches = append(matches, sub)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i].Schedule.NextPayment, matches[j].Schedule.NextPayment
		if !a.Equal(b) {
			return a.Before(b)
		}
		return matches[i].ID.String() < matches[j].ID.String()
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	ids := make([]uuid.UUID, 0, len(matches))
	for _, sub := range matches {
		ids = append(ids, sub.ID)
	}
	return ids, nil
}

func matchesFilter(sub *domain.Subscription, filter repo.SubscriptionFilter) bool {
	if filter.Status != "" && sub.Status != filter.Status {
		return false
	}
	if filter.PaymentMethod != "" && sub.PaymentMethod != filter.PaymentMethod {
		return false
	}
	if filter.ExcludeExternalRefPrefix != "" && strings.HasPrefix(sub.ExternalRef, filter.ExcludeExternalRefPrefix) {
		return false
	}
	if !filter.NextPaymentOnOrBefore.IsZero() {
		if sub.Schedule.NextPayment.IsZero() || sub.Schedule.NextPayment.After(filter.NextPaymentOnOrBefore) {
			return false
		}
	}
	return true
}

// Get retrieves a subscription by ID
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", id.String())
	}
	return sub.Clone(), nil
}

// Save creates or updates a subscription
func (s *Store) Save(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == uuid.Nil {
		return domain.NewInvalidInputError("subscription id is required", "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := sub.Clone()
	if existing, ok := s.subscriptions[sub.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	s.subscriptions[sub.ID] = stored
	return nil
}

// FindByParentOrder returns the subscriptions created by a parent order
func (s *Store) FindByParentOrder(ctx context.Context, parentOrderID uuid.UUID) ([]*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.ParentOrderID != nil && *sub.ParentOrderID == parentOrderID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindByExternalRef retrieves a subscription by its payment processor reference
func (s *Store) FindByExternalRef(ctx context.Context, paymentMethod, externalRef string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if externalRef != "" && sub.PaymentMethod == paymentMethod && sub.ExternalRef == externalRef {
			return sub.Clone(), nil
		}
	}
	return nil, domain.NewNotFoundError("subscription", externalRef)
}

// CreateOrder persists a new renewal order
func (s *Store) CreateOrder(ctx context.Context, order *domain.RenewalOrder) error {
	if len(order.SubscriptionIDs) == 0 {
		return domain.NewInvalidInputError("renewal order must renew at least one subscription", order.ID.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return domain.NewInvalidInputError("renewal order already exists", order.ID.String())
	}

	stored := order.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.seq++
	s.orders[order.ID] = stored
	s.orderSeq[order.ID] = s.seq
	return nil
}

// GetOrder retrieves a renewal order by ID
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*domain.RenewalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, domain.NewNotFoundError("renewal order", id.String())
	}
	return order.Clone(), nil
}

// SaveOrder updates an existing renewal order
func (s *Store) SaveOrder(ctx context.Context, order *domain.RenewalOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.orders[order.ID]
	if !ok {
		return domain.NewNotFoundError("renewal order", order.ID.String())
	}

	stored := order.Clone()
	stored.CreatedAt = existing.CreatedAt
	s.orders[order.ID] = stored
	return nil
}

// FindOrderForCycle returns the newest order of kind for the subscription's cycle
func (s *Store) FindOrderForCycle(ctx context.Context, subscriptionID uuid.UUID, kind domain.OrderKind, cycle time.Time) (*domain.RenewalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latest(func(o *domain.RenewalOrder) bool {
		return o.Kind == kind && o.Renews(subscriptionID) && o.CycleDue.Equal(cycle)
	})
	if latest == nil {
		return nil, domain.NewNotFoundError("renewal order", subscriptionID.String())
	}
	return latest.Clone(), nil
}

// FindReplacement returns the order that replaces orderID
func (s *Store) FindReplacement(ctx context.Context, orderID uuid.UUID) (*domain.RenewalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latest(func(o *domain.RenewalOrder) bool {
		return o.ReplacesOrderID != nil && *o.ReplacesOrderID == orderID
	})
	if latest == nil {
		return nil, domain.NewNotFoundError("replacement order", orderID.String())
	}
	return latest.Clone(), nil
}

// LatestOrderFor returns the most recently created order for a subscription
func (s *Store) LatestOrderFor(ctx context.Context, subscriptionID uuid.UUID) (*domain.RenewalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latest(func(o *domain.RenewalOrder) bool { return o.Renews(subscriptionID) })
	if latest == nil {
		return nil, domain.NewNotFoundError("renewal order", subscriptionID.String())
	}
	return latest.Clone(), nil
}

// hasOrderForCycle must be called with the lock held
func (s *Store) hasOrderForCycle(sub *domain.Subscription) bool {
	for _, order := range s.orders {
		if order.Kind == domain.OrderKindRenewal && order.Renews(sub.ID) && order.CycleDue.Equal(sub.Schedule.NextPayment) {
			return true
		}
	}
	return false
}

// latest must be called with the lock held
func (s *Store) latest(match func(*domain.RenewalOrder) bool) *domain.RenewalOrder {
	var found *domain.RenewalOrder
	for id, order := range s.orders {
		if !match(order) {
			continue
		}
		if found == nil || s.orderSeq[id] > s.orderSeq[found.ID] {
			found = order
		}
	}
	return found
}
