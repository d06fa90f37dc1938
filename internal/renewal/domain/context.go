package domain

import "github.com/google/uuid"

// Source identifies what triggered a subscription change
type Source string

const (
	SourceOrderStatus     Source = "order_status"
	SourcePaymentComplete Source = "payment_complete"
	SourceGateway         Source = "gateway"
	SourceRepair          Source = "repair"
	SourceScheduler       Source = "scheduler"
	SourceLegacy          Source = "legacy"
	SourceAdmin           Source = "admin"
)

// ReconcileContext is passed explicitly through a unit of work so handlers
// can tell a live reconciliation from a repair pass without process-wide flags.
type ReconcileContext struct {
	Source  Source
	OrderID uuid.UUID
}

// InReconciliation reports whether the change is driven by an order or payment event.
// Operator actions count only when they target an order.
func (rc ReconcileContext) InReconciliation() bool {
	switch rc.Source {
	case SourceOrderStatus, SourcePaymentComplete, SourceGateway:
		return true
	case SourceAdmin:
		return rc.OrderID != uuid.Nil
	default:
		return false
	}
}
