package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jia-app/renewalservice/internal/events"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo/memory"
)

func setup(t *testing.T, status domain.SubscriptionStatus) (*LifecycleManager, *memory.Store, *[]events.Notification, uuid.UUID) {
	t.Helper()
	store := memory.NewStore()
	sub := &domain.Subscription{
		ID:            uuid.New(),
		Status:        status,
		PaymentMethod: domain.PaymentMethodPayPal,
		Schedule: domain.BillingSchedule{
			Interval:    domain.BillingInterval{Unit: domain.IntervalUnitMonth, Count: 1},
			NextPayment: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	require.NoError(t, store.Save(context.Background(), sub))

	var seen []events.Notification
	registry := events.NewRegistry()
	require.NoError(t, registry.Register(events.KindSubscriptionStatusChanged, "recorder", func(ctx context.Context, n events.Notification) error {
		seen = append(seen, n)
		return nil
	}))
	registry.Freeze()

	fixed := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	lm := NewLifecycleManager(store, registry).WithClock(func() time.Time { return fixed })
	return lm, store, &seen, sub.ID
}

func TestSuspend_SavesAndAnnounces(t *testing.T) {
	ctx := context.Background()
	lm, store, seen, id := setup(t, domain.SubscriptionStatusActive)
	rc := domain.ReconcileContext{Source: domain.SourceRepair}

	sub, err := lm.Suspend(ctx, rc, id, "Gateway suspended billing.")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusOnHold, sub.Status)

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusOnHold, stored.Status)
	require.NotEmpty(t, stored.Notes)
	assert.Contains(t, stored.Notes[len(stored.Notes)-1].Message, "Gateway suspended billing.")

	require.Len(t, *seen, 1)
	n := (*seen)[0]
	assert.Equal(t, domain.SubscriptionStatusActive, n.OldStatus)
	assert.Equal(t, domain.SubscriptionStatusOnHold, n.NewStatus)
	assert.Equal(t, domain.SourceRepair, n.Context.Source)
}

func TestInvalidTransition_LeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	lm, store, seen, id := setup(t, domain.SubscriptionStatusCancelled)
	before, err := store.Get(ctx, id)
	require.NoError(t, err)

	_, err = lm.Activate(ctx, domain.ReconcileContext{Source: domain.SourceAdmin}, id, "manual reactivation")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	after, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, *seen)
}

func TestActivate_ActiveIsNoop(t *testing.T) {
	ctx := context.Background()
	lm, store, seen, id := setup(t, domain.SubscriptionStatusActive)

	_, err := lm.Activate(ctx, domain.ReconcileContext{Source: domain.SourceAdmin}, id, "manual reactivation")
	require.NoError(t, err)

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, stored.Notes)
	assert.Empty(t, *seen)
}

func TestMarkPaymentComplete_Idempotent(t *testing.T) {
	ctx := context.Background()
	lm, store, seen, id := setup(t, domain.SubscriptionStatusOnHold)
	order := &domain.RenewalOrder{ID: uuid.New(), CycleDue: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), SubscriptionIDs: []uuid.UUID{id}}
	rc := domain.ReconcileContext{Source: domain.SourceOrderStatus, OrderID: order.ID}

	_, applied, err := lm.MarkPaymentComplete(ctx, rc, id, order)
	require.NoError(t, err)
	assert.True(t, applied)
	once, err := store.Get(ctx, id)
	require.NoError(t, err)

	_, applied, err = lm.MarkPaymentComplete(ctx, rc, id, order)
	require.NoError(t, err)
	assert.False(t, applied)
	twice, err := store.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, domain.SubscriptionStatusActive, twice.Status)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), twice.Schedule.NextPayment)
	assert.Len(t, *seen, 1)
}

func TestMissingSubscription(t *testing.T) {
	lm, _, _, _ := setup(t, domain.SubscriptionStatusActive)
	_, err := lm.Suspend(context.Background(), domain.ReconcileContext{Source: domain.SourceRepair}, uuid.New(), "reason")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResubscribe_ReopensEndedSubscription(t *testing.T) {
	ctx := context.Background()
	lm, store, seen, id := setup(t, domain.SubscriptionStatusExpired)
	order := &domain.RenewalOrder{ID: uuid.New(), Kind: domain.OrderKindResubscribe}
	rc := domain.ReconcileContext{Source: domain.SourceAdmin}

	sub, err := lm.Resubscribe(ctx, rc, id, order)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPending, sub.Status)

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.ParentOrderID)
	assert.Equal(t, order.ID, *stored.ParentOrderID)

	require.Len(t, *seen, 1)
	assert.Equal(t, domain.SubscriptionStatusExpired, (*seen)[0].OldStatus)
	assert.Equal(t, domain.SubscriptionStatusPending, (*seen)[0].NewStatus)

	_, err = lm.Resubscribe(ctx, rc, id, order)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "a pending subscription cannot resubscribe")
}
