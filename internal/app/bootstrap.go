package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/audit"
	"github.com/jia-app/renewalservice/internal/config"
	"github.com/jia-app/renewalservice/internal/events"
	"github.com/jia-app/renewalservice/internal/renewal/legacy"
	"github.com/jia-app/renewalservice/internal/renewal/repo"
	"github.com/jia-app/renewalservice/internal/renewal/repo/memory"
	"github.com/jia-app/renewalservice/internal/renewal/repo/postgres"
	"github.com/jia-app/renewalservice/internal/renewal/subscription"
	"github.com/jia-app/renewalservice/internal/renewal/usecase"
	"github.com/jia-app/renewalservice/internal/scheduler"
	"github.com/jia-app/renewalservice/internal/server"
)

// Components holds the wired renewal engine and the infrastructure it runs on
type Components struct {
	Store      repo.Store
	Redis      *redis.Client
	Queue      *scheduler.Queue
	Registry   *events.Registry
	Lifecycle  *subscription.LifecycleManager
	Factory    *usecase.OrderFactory
	Reconciler *usecase.Reconciler
	Repair     *usecase.RepairRunner
	Scanner    *usecase.DueRenewalScanner
	Legacy     *legacy.Shim

	HealthChecks map[string]server.HealthCheck

	closers []func() error
}

// Bootstrap connects storage, Redis and Kafka and builds the renewal engine.
// The event registry is frozen before Bootstrap returns.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *zap.Logger) (c *Components, err error) {
	c = &Components{HealthChecks: make(map[string]server.HealthCheck)}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if err := c.openStore(ctx, cfg.Storage, cfg.Postgres); err != nil {
		return nil, err
	}

	redisClient, err := scheduler.Connect(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.Redis = redisClient
	c.closers = append(c.closers, redisClient.Close)
	c.HealthChecks["redis"] = func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}
	c.Queue = scheduler.NewQueue(redisClient, cfg.Scheduler.QueueKey)

	c.Registry = events.NewRegistry()
	c.Lifecycle = subscription.NewLifecycleManager(c.Store, c.Registry)
	c.Factory = usecase.NewOrderFactory(c.Store, c.Lifecycle, c.Registry)
	c.Reconciler = usecase.NewReconciler(c.Store, c.Lifecycle, c.Factory, c.Registry)
	c.Repair = usecase.NewRepairRunner(c.Store, c.Lifecycle, c.Queue, cfg.Repair)
	c.Scanner = usecase.NewDueRenewalScanner(c.Store, c.Factory, cfg.Renewal.ScanBatchSize)
	c.Legacy = legacy.New(c.Store, c.Lifecycle, c.Factory, c.Reconciler, logger.Named("legacy"))

	if err := c.registerHandlers(cfg.Kafka, cfg.AppName, logger); err != nil {
		return nil, err
	}
	c.Registry.Freeze()

	return c, nil
}

func (c *Components) openStore(ctx context.Context, storage config.StorageConfig, pg config.PostgresConfig) error {
	switch storage.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, pg)
		if err != nil {
			return err
		}
		c.Store = store
		c.closers = append(c.closers, store.Close)
		c.HealthChecks["postgres"] = store.Health
	case "memory":
		c.Store = memory.NewStore()
	default:
		return fmt.Errorf("unsupported storage driver: %s", storage.Driver)
	}
	return nil
}

// registerHandlers subscribes the audit trail, the legacy hook and, when
// Kafka is enabled, the notification publisher.
func (c *Components) registerHandlers(kafka config.KafkaConfig, clientID string, logger *zap.Logger) error {
	if err := audit.NewTrail(audit.NewZapAuditLogger(logger.Named("audit"))).Register(c.Registry); err != nil {
		return err
	}
	if err := c.Legacy.Register(c.Registry); err != nil {
		return err
	}

	if !kafka.Enabled {
		return nil
	}

	producer, err := events.NewSyncProducer(kafka.Brokers, clientID)
	if err != nil {
		return err
	}
	publisher := events.NewKafkaPublisher(producer, kafka.NotificationTopic, logger.Named("publisher"))
	c.closers = append(c.closers, publisher.Close)

	for _, kind := range []events.Kind{
		events.KindRenewalOrderCreated,
		events.KindRenewalPaidForFailed,
		events.KindRenewalPaymentComplete,
		events.KindSubscriptionStatusChanged,
	} {
		if err := c.Registry.Register(kind, "kafka", publisher.Handle); err != nil {
			return err
		}
	}
	return nil
}

// NewOrderEventConsumer creates the Kafka consumer feeding order events into
// the reconciler
func (c *Components) NewOrderEventConsumer(kafka config.KafkaConfig, clientID string, logger *zap.Logger) (*events.OrderEventConsumer, error) {
	group, err := events.NewConsumerGroup(kafka.Brokers, kafka.GroupID, clientID)
	if err != nil {
		return nil, err
	}
	return events.NewOrderEventConsumer(group, []string{kafka.OrderEventsTopic}, c.Reconciler, logger), nil
}

// Ready reports whether every dependency answers its health check
func (c *Components) Ready(ctx context.Context) bool {
	for _, check := range c.HealthChecks {
		if err := check(ctx); err != nil {
			return false
		}
	}
	return true
}

// Close releases connections in reverse order of creation
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
