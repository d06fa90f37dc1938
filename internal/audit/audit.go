package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/events"
)

// Event represents an audit event
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Details    map[string]interface{} `json:"details"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Logger defines the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event Event) error
}

// ZapAuditLogger implements audit logging using zap
type ZapAuditLogger struct {
	logger *zap.Logger
}

// NewZapAuditLogger creates a new zap-based audit logger
func NewZapAuditLogger(logger *zap.Logger) *ZapAuditLogger {
	return &ZapAuditLogger{
		logger: logger,
	}
}

// Log logs an audit event
func (l *ZapAuditLogger) Log(ctx context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("audit_id", event.ID),
		zap.String("audit_type", event.Type),
		zap.String("audit_source", event.Source),
		zap.String("audit_action", event.Action),
		zap.String("audit_resource", event.Resource),
		zap.String("audit_resource_id", event.ResourceID),
		zap.Time("audit_timestamp", event.Timestamp),
	}

	if len(event.Details) > 0 {
		detailsJSON, _ := json.Marshal(event.Details)
		fields = append(fields, zap.String("audit_details", string(detailsJSON)))
	}

	l.logger.Info("Audit event", fields...)
	return nil
}

// Trail turns renewal notifications into audit events
type Trail struct {
	logger Logger
}

// NewTrail creates a new audit trail
func NewTrail(logger Logger) *Trail {
	return &Trail{
		logger: logger,
	}
}

// Register subscribes the trail to every notification kind it records
func (t *Trail) Register(registry *events.Registry) error {
	for _, kind := range []events.Kind{
		events.KindSubscriptionStatusChanged,
		events.KindRenewalOrderCreated,
		events.KindRenewalPaidForFailed,
	} {
		if err := registry.Register(kind, "audit", t.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle records one notification
func (t *Trail) Handle(ctx context.Context, n events.Notification) error {
	event := Event{
		ID:        uuid.New().String(),
		Type:      string(n.Kind),
		Source:    string(n.Context.Source),
		Timestamp: n.OccurredAt,
		Details:   map[string]interface{}{},
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if n.Context.InReconciliation() {
		event.Details["triggering_order_id"] = n.Context.OrderID.String()
	}

	switch n.Kind {
	case events.KindSubscriptionStatusChanged:
		event.Action = "status_change"
		event.Resource = "subscription"
		if n.Subscription != nil {
			event.ResourceID = n.Subscription.ID.String()
		}
		event.Details["old_status"] = string(n.OldStatus)
		event.Details["new_status"] = string(n.NewStatus)
		if n.Reason != "" {
			event.Details["reason"] = n.Reason
		}
	case events.KindRenewalOrderCreated:
		event.Action = "create"
		event.Resource = "renewal_order"
		event.ResourceID = n.OrderID.String()
		if n.Order != nil {
			event.Details["kind"] = string(n.Order.Kind)
			event.Details["amount_cents"] = n.Order.AmountCents
			event.Details["currency"] = n.Order.Currency
		}
		if n.Subscription != nil {
			event.Details["subscription_id"] = n.Subscription.ID.String()
		}
	case events.KindRenewalPaidForFailed:
		event.Action = "paid_for_failed"
		event.Resource = "renewal_order"
		event.ResourceID = n.OrderID.String()
		if n.Order != nil && n.Order.ReplacesOrderID != nil {
			event.Details["replaces_order_id"] = n.Order.ReplacesOrderID.String()
		}
	default:
		event.Action = "notify"
	}

	return t.logger.Log(ctx, event)
}
