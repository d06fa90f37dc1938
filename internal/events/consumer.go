package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/retry"
)

// Inbound order event types
const (
	OrderEventStatusChanged    = "order.status_changed"
	OrderEventPaymentCompleted = "payment.completed"
)

// OrderEvent is an order lifecycle message produced by the checkout system
type OrderEvent struct {
	Type      string `json:"type"`
	OrderID   string `json:"order_id"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
}

// OrderEventHandler receives decoded order events
type OrderEventHandler interface {
	OnRenewalOrderStatusChanged(ctx context.Context, orderID uuid.UUID, oldStatus, newStatus domain.OrderStatus) error
	OnPaymentComplete(ctx context.Context, orderID uuid.UUID) error
}

// ErrMalformedEvent marks a message that can never be processed
var ErrMalformedEvent = errors.New("malformed order event")

// OrderEventConsumer feeds order events from Kafka into the reconciliation engine.
// Messages of one partition are handled one at a time, in offset order.
type OrderEventConsumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler OrderEventHandler
	logger  *zap.Logger
	retry   retry.Config
}

// NewConsumerGroup creates a sarama consumer group starting at the oldest offset
func NewConsumerGroup(brokers []string, groupID, clientID string) (sarama.ConsumerGroup, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	return group, nil
}

// NewOrderEventConsumer creates a consumer for the given topics
func NewOrderEventConsumer(group sarama.ConsumerGroup, topics []string, handler OrderEventHandler, logger *zap.Logger) *OrderEventConsumer {
	return &OrderEventConsumer{
		group:   group,
		topics:  topics,
		handler: handler,
		logger:  logger,
		retry:   retry.DefaultConfig(),
	}
}

// Run consumes until ctx is cancelled
func (c *OrderEventConsumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("kafka consume failed: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close closes the consumer group
func (c *OrderEventConsumer) Close() error {
	return c.group.Close()
}

// Setup implements sarama.ConsumerGroupHandler
func (c *OrderEventConsumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler
func (c *OrderEventConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler. Every message is marked
// once handled; failures that outlive the retries are logged and skipped.
func (c *OrderEventConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			ctx := log.WithRequestID(session.Context(), fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset))
			err := retry.Do(ctx, c.retry, c.logger, func() error {
				return c.HandleMessage(ctx, msg.Value)
			})
			if err != nil {
				metrics.KafkaMessagesTotal.WithLabelValues("consumed", "error").Inc()
				log.Error(ctx, "Failed to process order event",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			} else {
				metrics.KafkaMessagesTotal.WithLabelValues("consumed", "success").Inc()
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// HandleMessage decodes one order event and dispatches it
func (c *OrderEventConsumer) HandleMessage(ctx context.Context, value []byte) error {
	var event OrderEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	orderID, err := uuid.Parse(event.OrderID)
	if err != nil {
		return fmt.Errorf("%w: order_id %q", ErrMalformedEvent, event.OrderID)
	}
	ctx = log.WithOrderID(ctx, orderID.String())

	switch event.Type {
	case OrderEventStatusChanged:
		oldStatus, newStatus := domain.OrderStatus(event.OldStatus), domain.OrderStatus(event.NewStatus)
		if !oldStatus.IsValid() || !newStatus.IsValid() {
			return fmt.Errorf("%w: status %q -> %q", ErrMalformedEvent, event.OldStatus, event.NewStatus)
		}
		return c.handler.OnRenewalOrderStatusChanged(ctx, orderID, oldStatus, newStatus)
	case OrderEventPaymentCompleted:
		return c.handler.OnPaymentComplete(ctx, orderID)
	default:
		c.logger.Debug("Ignoring order event", zap.String("type", event.Type))
		return nil
	}
}
