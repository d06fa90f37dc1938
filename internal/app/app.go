package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/config"
	"github.com/jia-app/renewalservice/internal/events"
	"github.com/jia-app/renewalservice/internal/gateway/paypalipn"
	"github.com/jia-app/renewalservice/internal/gateway/stripehook"
	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/ratelimit"
	"github.com/jia-app/renewalservice/internal/scheduler"
	"github.com/jia-app/renewalservice/internal/server"
	"github.com/jia-app/renewalservice/internal/tracing"
)

// App represents the renewal worker application
type App struct {
	config     *config.Config
	logger     *zap.Logger
	components *Components

	grpcServer *server.GRPCServer
	httpServer *server.HTTPServer
	dispatcher *scheduler.Dispatcher
	consumer   *events.OrderEventConsumer

	shutdownTracing func()
}

// New creates a new application instance
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := log.Init(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := log.L(ctx)

	logger.Info("Initializing renewal service application",
		zap.String("app_name", cfg.AppName),
		zap.String("grpc_address", cfg.GRPC.Address),
		zap.String("http_address", cfg.HTTP.Address),
		zap.String("storage", cfg.Storage.Driver))

	shutdownTracing, err := tracing.Init(cfg.Tracing, cfg.AppName, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	components, err := Bootstrap(ctx, cfg, logger)
	if err != nil {
		shutdownTracing()
		return nil, err
	}

	a := &App{
		config:          cfg,
		logger:          logger,
		components:      components,
		shutdownTracing: shutdownTracing,
	}

	a.dispatcher = scheduler.NewDispatcher(components.Queue, logger.Named("dispatcher"), scheduler.Config{
		Interval: cfg.Scheduler.PollInterval,
	})
	a.dispatcher.Handle(components.Repair.JobName(), components.Repair.HandleTask)

	if cfg.Kafka.Enabled {
		a.consumer, err = components.NewOrderEventConsumer(cfg.Kafka, cfg.AppName, logger.Named("consumer"))
		if err != nil {
			_ = a.Shutdown(ctx)
			return nil, err
		}
	}

	a.grpcServer = server.NewGRPCServer(cfg.GRPC, logger.Named("grpc"), components.HealthChecks)
	server.NewAdminService(components.Factory, components.Reconciler, components.Repair, components.Scanner).
		Register(a.grpcServer.GetServer())

	var verifier paypalipn.Verifier
	if cfg.Billing.PayPalVerifyURL != "" {
		verifier = paypalipn.NewPostbackVerifier(cfg.Billing.PayPalVerifyURL, nil, logger.Named("paypal"))
	}
	routes := server.Routes{
		StripeWebhook: stripehook.NewHandler(cfg.Billing.StripeWebhookSecret, components.Reconciler, logger.Named("stripe")),
		PayPalIPN: paypalipn.NewHandler(components.Store, components.Lifecycle, components.Factory,
			components.Reconciler, verifier, cfg.Billing.PayPalReceiverEmail, logger.Named("paypal")),
		Ready: components.Ready,
	}
	if cfg.HTTP.WebhookRateLimit > 0 {
		routes.WebhookLimiter = ratelimit.NewRedisRateLimiter(components.Redis, cfg.HTTP.WebhookRateLimit, time.Minute, logger.Named("ratelimit"))
	}
	a.httpServer = server.NewHTTPServer(cfg.HTTP.Address, routes, logger.Named("http"))

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting renewal service application")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cron := scheduler.NewCron(ctx, a.logger.Named("cron"))
	if err := cron.AddJob(a.config.Renewal.ScanCron, "due_renewal_scan", a.components.Scanner.Run); err != nil {
		return err
	}
	cron.Start()
	defer cron.Stop()

	a.grpcServer.StartHealthMonitoring(ctx, 30*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	start := func(name string, run func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("grpc server", a.grpcServer.Serve)
	start("http server", a.httpServer.Serve)
	start("task dispatcher", a.dispatcher.Start)
	if a.consumer != nil {
		start("order event consumer", a.consumer.Run)
	}

	<-ctx.Done()
	wg.Wait()
	close(errs)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.dispatcher.Stop(stopCtx); err != nil {
		a.logger.Error("Failed to stop task dispatcher", zap.Error(err))
	}

	var runErr error
	for err := range errs {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown releases every connection
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down renewal service application")

	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Error("Failed to close kafka consumer", zap.Error(err))
		}
	}
	if err := a.components.Close(); err != nil {
		a.logger.Error("Failed to close connections", zap.Error(err))
	}
	a.shutdownTracing()

	a.logger.Info("Application shutdown complete")
	_ = a.logger.Sync()
	return nil
}
