package usecase

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/config"
	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/metrics"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo"
	"github.com/jia-app/renewalservice/internal/renewal/subscription"
	"github.com/jia-app/renewalservice/internal/tracing"
)

// SuspensionRepairReason is the audit note left on every repaired subscription
const SuspensionRepairReason = "Subscription suspended by repair job: PayPal suspended billing but no suspension notification was received."

// TaskScheduler queues a named job to run later. Schedule reports false when
// a run of the job is already pending.
type TaskScheduler interface {
	Schedule(ctx context.Context, job string, runAt time.Time) (bool, error)
}

// RepairPassResult summarises one repair pass
type RepairPassResult struct {
	Candidates    int
	Processed     int
	Failed        int
	MoreRemaining bool
}

// RepairRunner suspends active PayPal subscriptions that stopped renewing
// because PayPal suspended the billing agreement without notifying us. It
// works in bounded batches and schedules itself until no full batch is left.
type RepairRunner struct {
	store     repo.SubscriptionRepository
	lifecycle *subscription.LifecycleManager
	scheduler TaskScheduler
	cfg       config.RepairConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewRepairRunner creates a repair runner. Progress is written to the log
// channel named in cfg.
func NewRepairRunner(store repo.SubscriptionRepository, lifecycle *subscription.LifecycleManager, scheduler TaskScheduler, cfg config.RepairConfig) *RepairRunner {
	if cfg.JobName == "" {
		cfg.JobName = "repair_paypal_suspensions"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 30
	}
	if cfg.OverdueThreshold <= 0 {
		cfg.OverdueThreshold = 72 * time.Hour
	}
	if cfg.RescheduleDelay <= 0 {
		cfg.RescheduleDelay = 5 * time.Minute
	}
	if cfg.LogChannel == "" {
		cfg.LogChannel = "paypal-suspension-repair"
	}
	return &RepairRunner{
		store:     store,
		lifecycle: lifecycle,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    log.Channel(cfg.LogChannel),
		now:       time.Now,
	}
}

// WithClock overrides the time source
func (rr *RepairRunner) WithClock(now func() time.Time) *RepairRunner {
	rr.now = now
	return rr
}

// WithLogger replaces the repair log channel
func (rr *RepairRunner) WithLogger(logger *zap.Logger) *RepairRunner {
	rr.logger = logger
	return rr
}

// JobName returns the delayed-task name the runner is scheduled under
func (rr *RepairRunner) JobName() string {
	return rr.cfg.JobName
}

// RunPass repairs one batch. Failures on single records are logged and do
// not stop the pass; RunPass fails only when candidates cannot be queried or
// the follow-up pass cannot be scheduled.
func (rr *RepairRunner) RunPass(ctx context.Context) (RepairPassResult, error) {
	result, err := rr.pass(ctx)
	if err != nil {
		return result, err
	}

	if result.MoreRemaining {
		if err := rr.ScheduleRepair(ctx); err != nil {
			return result, err
		}
		return result, nil
	}

	rr.logger.Info("PayPal suspension repair complete",
		zap.String("job", rr.cfg.JobName),
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed))
	return result, nil
}

// Drain runs passes back to back until the backlog is gone, without using
// the task scheduler. It stops early when a full pass repairs nothing.
func (rr *RepairRunner) Drain(ctx context.Context) (RepairPassResult, error) {
	var total RepairPassResult
	for {
		result, err := rr.pass(ctx)
		total.Candidates += result.Candidates
		total.Processed += result.Processed
		total.Failed += result.Failed
		total.MoreRemaining = result.MoreRemaining
		if err != nil {
			return total, err
		}
		if !result.MoreRemaining || result.Processed == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	rr.logger.Info("PayPal suspension repair drained",
		zap.String("job", rr.cfg.JobName),
		zap.Int("processed", total.Processed),
		zap.Int("failed", total.Failed),
		zap.Bool("more_remaining", total.MoreRemaining))
	return total, nil
}

// ScheduleRepair queues the next pass after the reschedule delay. A pass
// that is already pending is left alone.
func (rr *RepairRunner) ScheduleRepair(ctx context.Context) error {
	runAt := rr.now().Add(rr.cfg.RescheduleDelay)
	scheduled, err := rr.scheduler.Schedule(ctx, rr.cfg.JobName, runAt)
	if err != nil {
		rr.logger.Error("Failed to schedule repair pass",
			zap.String("job", rr.cfg.JobName),
			zap.Error(err))
		return err
	}
	if !scheduled {
		rr.logger.Info("Repair pass already scheduled", zap.String("job", rr.cfg.JobName))
		return nil
	}
	rr.logger.Info("Scheduled next repair pass",
		zap.String("job", rr.cfg.JobName),
		zap.Time("run_at", runAt))
	return nil
}

// HandleTask runs a pass when the scheduled task fires
func (rr *RepairRunner) HandleTask(ctx context.Context, job string) error {
	_, err := rr.RunPass(ctx)
	return err
}

func (rr *RepairRunner) pass(ctx context.Context) (result RepairPassResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "renewal.repair_pass", attribute.String("job", rr.cfg.JobName))
	defer func() { tracing.End(span, err) }()

	start := rr.now()
	filter := repo.SubscriptionFilter{
		Status:                   domain.SubscriptionStatusActive,
		PaymentMethod:            domain.PaymentMethodPayPal,
		ExcludeExternalRefPrefix: rr.cfg.AgreementPrefix,
		NextPaymentOnOrBefore:    start.Add(-rr.cfg.OverdueThreshold),
	}

	ids, err := rr.store.Find(ctx, filter, rr.cfg.BatchSize)
	if err != nil {
		metrics.RecordRepairPass(rr.cfg.JobName, "error", time.Since(start))
		rr.logger.Error("Failed to query repair candidates",
			zap.String("job", rr.cfg.JobName),
			zap.Error(err))
		return result, err
	}

	result.Candidates = len(ids)
	rc := domain.ReconcileContext{Source: domain.SourceRepair}
	for _, id := range ids {
		if _, err := rr.lifecycle.Suspend(ctx, rc, id, SuspensionRepairReason); err != nil {
			result.Failed++
			metrics.RepairRecordsTotal.WithLabelValues(rr.cfg.JobName, "failed").Inc()
			rr.logger.Warn("Failed to repair subscription",
				zap.String("subscription_id", id.String()),
				zap.Error(err))
			continue
		}
		result.Processed++
		metrics.RepairRecordsTotal.WithLabelValues(rr.cfg.JobName, "repaired").Inc()
		rr.logger.Info("Repaired subscription",
			zap.String("subscription_id", id.String()))
	}

	result.MoreRemaining = len(ids) == rr.cfg.BatchSize
	metrics.RecordRepairPass(rr.cfg.JobName, "success", time.Since(start))
	return result, nil
}
