package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/config"
	"github.com/jia-app/renewalservice/internal/events"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	return &config.Config{
		AppName: "renewal-service-test",
		Storage: config.StorageConfig{Driver: "memory"},
		Redis:   config.RedisConfig{Addr: mr.Addr()},
		Repair: config.RepairConfig{
			JobName:          "repair_paypal_suspensions",
			BatchSize:        30,
			OverdueThreshold: 72 * time.Hour,
			RescheduleDelay:  5 * time.Minute,
			AgreementPrefix:  "B-",
		},
		Scheduler: config.SchedulerConfig{QueueKey: "renewal:test_tasks"},
	}
}

func TestBootstrap_WiresEngine(t *testing.T) {
	ctx := context.Background()
	c, err := Bootstrap(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"audit", "legacy-shim"}, c.Registry.Handlers(events.KindRenewalOrderCreated))
	assert.Equal(t, []string{"audit"}, c.Registry.Handlers(events.KindSubscriptionStatusChanged))
	assert.ErrorIs(t, c.Registry.Register(events.KindRenewalOrderCreated, "late", nil), events.ErrRegistryFrozen)
	assert.True(t, c.Ready(ctx))

	parent := uuid.New()
	sub := &domain.Subscription{
		ID:            uuid.New(),
		Status:        domain.SubscriptionStatusOnHold,
		PaymentMethod: domain.PaymentMethodStripe,
		Currency:      "USD",
		ParentOrderID: &parent,
		Schedule: domain.BillingSchedule{
			Interval:    domain.BillingInterval{Unit: domain.IntervalUnitMonth, Count: 1},
			NextPayment: time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		},
		LineItems: []domain.LineItem{{ProductID: "plan-family", Name: "Family plan", Quantity: 1, UnitPriceCents: 2500}},
	}
	require.NoError(t, c.Store.Save(ctx, sub))

	var hooked []string
	c.Legacy.OnRenewalOrderCreated(func(ctx context.Context, orderID uuid.UUID, key string) {
		hooked = append(hooked, key)
	})

	created, err := c.Scanner.ScanDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, created, "on-hold subscriptions are not scanned")

	order, err := c.Factory.CreateRenewalOrder(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{parent.String() + "_plan-family"}, hooked)

	require.NoError(t, c.Reconciler.OnGatewayPaymentResult(ctx, order.ID, domain.OrderStatusCompleted))

	got, err := c.Store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
}

func TestBootstrap_SchedulesRepairOnQueue(t *testing.T) {
	ctx := context.Background()
	c, err := Bootstrap(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Repair.ScheduleRepair(ctx))
	_, pending, err := c.Queue.Pending(ctx, c.Repair.JobName())
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestBootstrap_RejectsUnknownStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"

	_, err := Bootstrap(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unsupported storage driver")
}
