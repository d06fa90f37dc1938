package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/events"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo/memory"
	"github.com/jia-app/renewalservice/internal/renewal/subscription"
)

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

// flakyStore fails Get for selected subscriptions
type flakyStore struct {
	*memory.Store
	failGet map[uuid.UUID]bool
}

func (s *flakyStore) Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	if s.failGet[id] {
		return nil, domain.NewRecordUnavailableError("subscription", id.String(), context.DeadlineExceeded)
	}
	return s.Store.Get(ctx, id)
}

// fakeScheduler keeps at most one pending run per job
type fakeScheduler struct {
	mu      sync.Mutex
	pending map[string]time.Time
	calls   int
	err     error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{pending: make(map[string]time.Time)}
}

func (f *fakeScheduler) Schedule(ctx context.Context, job string, runAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.pending[job]; ok {
		return false, nil
	}
	f.pending[job] = runAt
	return true, nil
}

type recorder struct {
	mu   sync.Mutex
	seen []events.Notification
}

func (r *recorder) handle(ctx context.Context, n events.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
	return nil
}

func (r *recorder) kinds(kind events.Kind) []events.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Notification
	for _, n := range r.seen {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	store      *flakyStore
	lifecycle  *subscription.LifecycleManager
	factory    *OrderFactory
	reconciler *Reconciler
	scheduler  *fakeScheduler
	repair     *RepairRunner
	events     *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := &flakyStore{Store: memory.NewStore(), failGet: map[uuid.UUID]bool{}}
	rec := &recorder{}
	registry := events.NewRegistry()
	for _, kind := range []events.Kind{
		events.KindRenewalOrderCreated,
		events.KindRenewalPaidForFailed,
		events.KindRenewalPaymentComplete,
		events.KindSubscriptionStatusChanged,
	} {
		require.NoError(t, registry.Register(kind, "recorder", rec.handle))
	}
	registry.Freeze()

	lifecycle := subscription.NewLifecycleManager(store, registry).WithClock(clock)
	factory := NewOrderFactory(store, lifecycle, registry).WithClock(clock)
	scheduler := newFakeScheduler()

	return &harness{
		store:      store,
		lifecycle:  lifecycle,
		factory:    factory,
		reconciler: NewReconciler(store, lifecycle, factory, registry).WithClock(clock),
		scheduler:  scheduler,
		repair:     newTestRepairRunner(store, lifecycle, scheduler, 30),
		events:     rec,
	}
}

func newTestRepairRunner(store *flakyStore, lifecycle *subscription.LifecycleManager, scheduler TaskScheduler, batch int) *RepairRunner {
	return NewRepairRunner(store, lifecycle, scheduler, testRepairConfig(batch)).
		WithClock(clock).
		WithLogger(zap.NewNop())
}

type subOpt func(*domain.Subscription)

func withStatus(status domain.SubscriptionStatus) subOpt {
	return func(s *domain.Subscription) { s.Status = status }
}

func withNextPayment(at time.Time) subOpt {
	return func(s *domain.Subscription) { s.Schedule.NextPayment = at }
}

func withExternalRef(ref string) subOpt {
	return func(s *domain.Subscription) { s.ExternalRef = ref }
}

func withPaymentMethod(method string) subOpt {
	return func(s *domain.Subscription) { s.PaymentMethod = method }
}

func withItems(items ...domain.LineItem) subOpt {
	return func(s *domain.Subscription) { s.LineItems = items }
}

func (h *harness) addSubscription(t *testing.T, opts ...subOpt) *domain.Subscription {
	t.Helper()
	sub := &domain.Subscription{
		ID:            uuid.New(),
		Status:        domain.SubscriptionStatusActive,
		PaymentMethod: domain.PaymentMethodPayPal,
		Currency:      "USD",
		Schedule: domain.BillingSchedule{
			Interval:    domain.BillingInterval{Unit: domain.IntervalUnitMonth, Count: 1},
			NextPayment: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		LineItems: []domain.LineItem{
			{ProductID: "plan-basic", Name: "Basic plan", Quantity: 1, UnitPriceCents: 1500},
		},
		CreatedAt: testNow.Add(-90 * 24 * time.Hour),
	}
	for _, opt := range opts {
		opt(sub)
	}
	require.NoError(t, h.store.Save(context.Background(), sub))
	return sub
}

func (h *harness) mustGet(t *testing.T, id uuid.UUID) *domain.Subscription {
	t.Helper()
	sub, err := h.store.Store.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (h *harness) mustOrder(t *testing.T, id uuid.UUID) *domain.RenewalOrder {
	t.Helper()
	order, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order
}
