package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/retry"
)

// Event is the wire envelope for notifications sent to Kafka
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Aggregate string                 `json:"aggregate"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
	Version   int                    `json:"version"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregate string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Aggregate: aggregate,
		Data:      data,
		Timestamp: time.Now().Unix(),
		Version:   1,
	}
}

// ToEvent converts a notification into its wire envelope. The aggregate is
// the subscription id when there is one, so all events of a subscription
// land on the same partition.
func ToEvent(n Notification) *Event {
	data := map[string]interface{}{
		"source": string(n.Context.Source),
	}
	aggregate := ""

	if n.Subscription != nil {
		aggregate = n.Subscription.ID.String()
		data["subscription_id"] = aggregate
		data["subscription_status"] = string(n.Subscription.Status)
	}
	if n.Order != nil {
		data["order_id"] = n.Order.ID.String()
		data["order_status"] = string(n.Order.Status)
		data["order_kind"] = string(n.Order.Kind)
		data["amount_cents"] = n.Order.AmountCents
		data["currency"] = n.Order.Currency
		if n.Order.ReplacesOrderID != nil {
			data["replaces_order_id"] = n.Order.ReplacesOrderID.String()
		}
	} else if n.OrderID != uuid.Nil {
		data["order_id"] = n.OrderID.String()
	}
	if aggregate == "" {
		if id, ok := data["order_id"].(string); ok {
			aggregate = id
		}
	}
	if n.OldStatus != "" || n.NewStatus != "" {
		data["old_status"] = string(n.OldStatus)
		data["new_status"] = string(n.NewStatus)
	}
	if n.Reason != "" {
		data["reason"] = n.Reason
	}

	event := NewEvent(string(n.Kind), aggregate, data)
	if !n.OccurredAt.IsZero() {
		event.Timestamp = n.OccurredAt.Unix()
	}
	return event
}

// KafkaPublisher forwards notifications to a Kafka topic
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
	retry    retry.Config
}

// NewSyncProducer creates a sarama producer that waits for all in-sync replicas
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Idempotent = false

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafkaPublisher creates a new Kafka publisher
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		retry:    retry.DefaultConfig(),
	}
}

// Publish sends one event
func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Aggregate),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	err = retry.Do(ctx, p.retry, p.logger, func() error {
		_, _, sendErr := p.producer.SendMessage(msg)
		return sendErr
	})
	if err != nil {
		metrics.KafkaMessagesTotal.WithLabelValues("produced", "error").Inc()
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}

	metrics.KafkaMessagesTotal.WithLabelValues("produced", "success").Inc()
	p.logger.Debug("Published event",
		zap.String("topic", p.topic),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("aggregate", event.Aggregate))
	return nil
}

// Handle implements Handler so the publisher can be registered for any kind
func (p *KafkaPublisher) Handle(ctx context.Context, n Notification) error {
	return p.Publish(ctx, ToEvent(n))
}

// Close closes the producer
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
