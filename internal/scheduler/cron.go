package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron runs periodic jobs. A run that is still going when its next tick
// arrives makes that tick skip.
type Cron struct {
	cron   *cron.Cron
	ctx    context.Context
	logger *zap.Logger
}

// NewCron creates a cron runner. Jobs receive ctx.
func NewCron(ctx context.Context, logger *zap.Logger) *Cron {
	cl := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Cron{cron: c, ctx: ctx, logger: logger}
}

// AddJob registers fn under a standard five-field cron spec
func (c *Cron) AddJob(spec, name string, fn func(ctx context.Context) error) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}

	_, err := c.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := fn(c.ctx); err != nil {
			c.logger.Error("Cron job failed", zap.String("job", name), zap.Error(err))
			return
		}
		c.logger.Debug("Cron job finished",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", name, err)
	}
	return nil
}

// Start starts the cron runner in the background
func (c *Cron) Start() {
	c.logger.Info("Starting cron runner", zap.Int("jobs", len(c.cron.Entries())))
	c.cron.Start()
}

// Stop stops scheduling and waits for running jobs
func (c *Cron) Stop() {
	c.logger.Info("Stopping cron runner")
	<-c.cron.Stop().Done()
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
