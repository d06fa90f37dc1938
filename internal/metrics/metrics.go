package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// gRPC metrics
	GRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "code"},
	)

	// Reconciliation metrics
	ReconciliationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewal_reconciliation_events_total",
			Help: "Total number of order events reconciled into subscription state",
		},
		[]string{"source", "action"},
	)

	RenewalOrdersCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewal_orders_created_total",
			Help: "Total number of renewal orders created",
		},
		[]string{"kind"},
	)

	SubscriptionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_transitions_total",
			Help: "Total number of subscription status transitions",
		},
		[]string{"transition", "result"},
	)

	DueRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewal_due_scan_records_total",
			Help: "Total number of due subscriptions handled by the renewal scanner",
		},
		[]string{"result"},
	)

	// Repair job metrics
	RepairRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repair_records_total",
			Help: "Total number of records handled by repair passes",
		},
		[]string{"job", "outcome"},
	)

	RepairPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repair_passes_total",
			Help: "Total number of repair passes",
		},
		[]string{"job", "result"},
	)

	RepairPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repair_pass_duration_seconds",
			Help:    "Repair pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// Scheduler metrics
	ScheduledTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_tasks_total",
			Help: "Total number of schedule requests for delayed tasks",
		},
		[]string{"job", "result"},
	)

	DispatchedTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatched_tasks_total",
			Help: "Total number of delayed tasks dispatched",
		},
		[]string{"job", "result"},
	)

	// Transport metrics
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_total",
			Help: "Total number of Kafka messages produced or consumed",
		},
		[]string{"direction", "result"},
	)

	WebhookReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_received_total",
			Help: "Total number of gateway callbacks received",
		},
		[]string{"gateway", "event_type", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"error_type", "component"},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordGRPCRequest records gRPC request metrics
func RecordGRPCRequest(method, code string) {
	GRPCRequestsTotal.WithLabelValues(method, code).Inc()
}

// RecordReconciliation records one reconciliation action
func RecordReconciliation(source, action string) {
	ReconciliationEventsTotal.WithLabelValues(source, action).Inc()
}

// RecordTransition records a subscription transition attempt
func RecordTransition(transition string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	SubscriptionTransitionsTotal.WithLabelValues(transition, result).Inc()
}

// RecordRepairPass records one repair pass
func RecordRepairPass(job, result string, duration time.Duration) {
	RepairPassesTotal.WithLabelValues(job, result).Inc()
	RepairPassDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordWebhookReceived records webhook received metrics
func RecordWebhookReceived(gateway, eventType, status string) {
	WebhookReceivedTotal.WithLabelValues(gateway, eventType, status).Inc()
}

// RecordError records error metrics
func RecordError(errorType, component string) {
	ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordCircuitBreakerState records the current state of a named breaker
func RecordCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
