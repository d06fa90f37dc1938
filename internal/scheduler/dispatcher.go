package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/metrics"
)

// Handler runs a claimed task
type Handler func(ctx context.Context, job string) error

// Dispatcher polls the queue and runs due tasks one at a time
type Dispatcher struct {
	queue      *Queue
	logger     *zap.Logger
	interval   time.Duration
	batchSize  int
	retryDelay time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Config holds dispatcher configuration
type Config struct {
	Interval   time.Duration // Interval between polls
	BatchSize  int           // Number of due tasks read per poll
	RetryDelay time.Duration // Delay before a failed task runs again
}

// DefaultConfig returns a default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		Interval:   10 * time.Second,
		BatchSize:  10,
		RetryDelay: time.Minute,
	}
}

// NewDispatcher creates a new task dispatcher
func NewDispatcher(queue *Queue, logger *zap.Logger, config Config) *Dispatcher {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	return &Dispatcher{
		queue:      queue,
		logger:     logger,
		interval:   config.Interval,
		batchSize:  config.BatchSize,
		retryDelay: config.RetryDelay,
		now:        time.Now,
		handlers:   make(map[string]Handler),
	}
}

// Handle registers the handler for job
func (d *Dispatcher) Handle(job string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[job] = handler
}

// Start polls until ctx is cancelled
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting task dispatcher",
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	if _, err := d.RunDue(ctx); err != nil {
		d.logger.Error("Failed to dispatch initial tasks", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Task dispatcher stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.RunDue(ctx); err != nil {
				d.logger.Error("Failed to dispatch due tasks", zap.Error(err))
			}
		}
	}
}

// RunDue claims and runs every task that is due and returns how many ran.
// A failing task is queued again after the retry delay.
func (d *Dispatcher) RunDue(ctx context.Context) (int, error) {
	jobs, err := d.queue.Due(ctx, d.now(), d.batchSize)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, job := range jobs {
		claimed, err := d.queue.Claim(ctx, job)
		if err != nil {
			d.logger.Error("Failed to claim task", zap.String("job", job), zap.Error(err))
		}
		if !claimed {
			continue
		}

		if err := d.run(ctx, job); err != nil {
			metrics.DispatchedTasksTotal.WithLabelValues(job, "error").Inc()
			d.logger.Error("Task failed", zap.String("job", job), zap.Error(err))
			d.requeue(ctx, job)
			continue
		}
		metrics.DispatchedTasksTotal.WithLabelValues(job, "success").Inc()
		ran++
	}
	return ran, nil
}

func (d *Dispatcher) run(ctx context.Context, job string) (err error) {
	d.mu.RLock()
	handler, ok := d.handlers[job]
	d.mu.RUnlock()
	if !ok {
		metrics.DispatchedTasksTotal.WithLabelValues(job, "unknown").Inc()
		d.logger.Warn("Dropping task without handler", zap.String("job", job))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	d.logger.Info("Running scheduled task", zap.String("job", job))
	return handler(ctx, job)
}

func (d *Dispatcher) requeue(ctx context.Context, job string) {
	runAt := d.now().Add(d.retryDelay)
	if _, err := d.queue.Schedule(ctx, job, runAt); err != nil {
		d.logger.Error("Failed to requeue task", zap.String("job", job), zap.Error(err))
	}
}

// Stop runs anything still due before shutdown
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.logger.Info("Stopping task dispatcher")

	if _, err := d.RunDue(ctx); err != nil {
		d.logger.Error("Failed to dispatch final tasks", zap.Error(err))
	}

	return nil
}
