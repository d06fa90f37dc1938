package audit

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
)

func TestTrail_RecordsStatusChange(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	registry := events.NewRegistry()
	require.NoError(t, NewTrail(NewZapAuditLogger(zap.New(core))).Register(registry))
	registry.Freeze()

	sub := &domain.Subscription{ID: uuid.New(), Status: domain.SubscriptionStatusOnHold}
	orderID := uuid.New()
	registry.Notify(context.Background(), events.Notification{
		Kind:         events.KindSubscriptionStatusChanged,
		Context:      domain.ReconcileContext{Source: domain.SourceOrderStatus, OrderID: orderID},
		Subscription: sub,
		OldStatus:    domain.SubscriptionStatusActive,
		NewStatus:    domain.SubscriptionStatusOnHold,
		Reason:       "Payment failed.",
		OccurredAt:   time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
	})

	entries := logs.FilterMessage("Audit event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "subscription", fields["audit_resource"])
	assert.Equal(t, sub.ID.String(), fields["audit_resource_id"])
	assert.Equal(t, "status_change", fields["audit_action"])
	assert.Equal(t, "order_status", fields["audit_source"])
	assert.Contains(t, fields["audit_details"], `"new_status":"on-hold"`)
	assert.Contains(t, fields["audit_details"], orderID.String())
}

func TestTrail_RecordsOrderCreation(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	trail := NewTrail(NewZapAuditLogger(zap.New(core)))

	order := &domain.RenewalOrder{ID: uuid.New(), Kind: domain.OrderKindRenewal, AmountCents: 1500, Currency: "USD"}
	require.NoError(t, trail.Handle(context.Background(), events.Notification{
		Kind:    events.KindRenewalOrderCreated,
		Context: domain.ReconcileContext{Source: domain.SourceScheduler, OrderID: order.ID},
		OrderID: order.ID,
		Order:   order,
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "renewal_order", fields["audit_resource"])
	assert.Equal(t, order.ID.String(), fields["audit_resource_id"])
	assert.Contains(t, fields["audit_details"], `"amount_cents":1500`)
	assert.NotContains(t, fields["audit_details"], "triggering_order_id")
}

func TestTrail_RegisterAfterFreeze(t *testing.T) {
	registry := events.NewRegistry()
	registry.Freeze()

	err := NewTrail(NewZapAuditLogger(zap.NewNop())).Register(registry)
	assert.ErrorIs(t, err, events.ErrRegistryFrozen)
}
