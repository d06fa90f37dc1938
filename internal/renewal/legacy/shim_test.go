package legacy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jia-app/renewalservice/internal/events"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo/memory"
	"github.com/jia-app/renewalservice/internal/renewal/subscription"
	"github.com/jia-app/renewalservice/internal/renewal/usecase"
)

type fixture struct {
	shim       *Shim
	store      *memory.Store
	reconciler *usecase.Reconciler
	sub        *domain.Subscription
	key        string
	logs       *observer.ObservedLogs
	hooks      []string
	paidFailed []uuid.UUID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	parent := uuid.New()
	sub := &domain.Subscription{
		ID:            uuid.New(),
		Status:        domain.SubscriptionStatusOnHold,
		PaymentMethod: domain.PaymentMethodManual,
		Currency:      "USD",
		ParentOrderID: &parent,
		Schedule: domain.BillingSchedule{
			Interval:    domain.BillingInterval{Unit: domain.IntervalUnitYear, Count: 1},
			NextPayment: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		LineItems: []domain.LineItem{{ProductID: "family_plan", Quantity: 1, UnitPriceCents: 9900}},
	}
	require.NoError(t, store.Save(context.Background(), sub))

	core, logs := observer.New(zapcore.DebugLevel)
	registry := events.NewRegistry()
	lifecycle := subscription.NewLifecycleManager(store, registry)
	factory := usecase.NewOrderFactory(store, lifecycle, registry)
	reconciler := usecase.NewReconciler(store, lifecycle, factory, registry)
	shim := New(store, lifecycle, factory, reconciler, zap.New(core))
	require.NoError(t, shim.Register(registry))

	f := &fixture{shim: shim, store: store, reconciler: reconciler, sub: sub, key: parent.String() + "_family_plan", logs: logs}
	shim.OnRenewalOrderCreated(func(ctx context.Context, orderID uuid.UUID, key string) {
		f.hooks = append(f.hooks, orderID.String()+"|"+key)
	})
	require.NoError(t, registry.Register(events.KindRenewalPaidForFailed, "recorder", func(ctx context.Context, n events.Notification) error {
		f.paidFailed = append(f.paidFailed, n.OrderID)
		return nil
	}))
	registry.Freeze()
	return f
}

func TestSubscriptionKeyRoundTrip(t *testing.T) {
	f := setup(t)
	assert.Equal(t, f.key, GetSubscriptionKey(f.sub))

	found, err := f.shim.FindSubscriptionByKey(context.Background(), f.key)
	require.NoError(t, err)
	assert.Equal(t, f.sub.ID, found.ID)
}

func TestParseSubscriptionKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		product string
		wantErr bool
	}{
		{name: "product with underscore", key: "6f1c4f5e-8a8e-4b59-9a43-1d2b3c4d5e6f_family_plan", product: "family_plan"},
		{name: "missing product", key: "6f1c4f5e-8a8e-4b59-9a43-1d2b3c4d5e6f_", wantErr: true},
		{name: "no separator", key: "6f1c4f5e-8a8e-4b59-9a43-1d2b3c4d5e6f", wantErr: true},
		{name: "bad order id", key: "1234_family_plan", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, product, err := ParseSubscriptionKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.product, product)
		})
	}
}

func TestFindSubscriptionByKey_Unknown(t *testing.T) {
	f := setup(t)
	_, err := f.shim.FindSubscriptionByKey(context.Background(), uuid.NewString()+"_family_plan")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateRenewalOrderForKey_FiresLegacyHook(t *testing.T) {
	f := setup(t)

	order, err := f.shim.CreateRenewalOrderForKey(context.Background(), f.key)
	require.NoError(t, err)
	assert.Equal(t, []string{order.ID.String() + "|" + f.key}, f.hooks)
	assert.Equal(t, 1, f.logs.FilterMessage(RenewalOrderCreatedName).Len())
}

func TestProcessSubscriptionPayment(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	order, err := f.shim.CreateRenewalOrderForKey(ctx, f.key)
	require.NoError(t, err)

	require.NoError(t, f.shim.ProcessSubscriptionPayment(ctx, f.key))
	require.NoError(t, f.shim.ProcessSubscriptionPayment(ctx, f.key))

	got, err := f.store.Get(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), got.Schedule.NextPayment)
	require.NotNil(t, got.LastPaidOrderID)
	assert.Equal(t, order.ID, *got.LastPaidOrderID)

	paid, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, paid.Status)
}

func TestProcessSubscriptionPayment_FailedOrderGetsReplacement(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	order, err := f.shim.CreateRenewalOrderForKey(ctx, f.key)
	require.NoError(t, err)
	require.NoError(t, f.reconciler.OnRenewalOrderStatusChanged(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusFailed))

	require.NoError(t, f.shim.ProcessSubscriptionPayment(ctx, f.key))

	failed, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, failed.Status, "a failed order is never rewritten")

	replacement, err := f.store.FindReplacement(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, replacement.Status)

	got, err := f.store.Get(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	require.NotNil(t, got.LastPaidOrderID)
	assert.Equal(t, replacement.ID, *got.LastPaidOrderID)
	assert.Equal(t, []uuid.UUID{replacement.ID}, f.paidFailed)
}

func TestProcessSubscriptionPaymentFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	require.NoError(t, f.shim.ProcessSubscriptionPaymentFailure(ctx, f.key))
	got, err := f.store.Get(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusOnHold, got.Status)
	assert.Contains(t, got.Notes[len(got.Notes)-1].Message, f.key)
}

func TestDeprecationWarnedOncePerFunction(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for i := 0; i < 3; i++ {
		_, _ = f.shim.FindSubscriptionByKey(ctx, f.key)
		_ = f.shim.GetSubscriptionKey(f.sub)
	}

	warnings := f.logs.FilterMessage("Deprecated function called").All()
	require.Len(t, warnings, 2)
	assert.Equal(t, "FindSubscriptionByKey", warnings[0].ContextMap()["function"])
	assert.Equal(t, "GetSubscriptionKey", warnings[1].ContextMap()["function"])
}
