package analysis

import (
	"context"
	"fmt"

	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/service/queue"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	QuotaResetSpec = "@every 1m"
	CleanupSpec    = "@hourly"
)

// Scheduler puts the maintenance jobs on their queues on a fixed cadence.
// The jobs themselves run on the queue workers like everything else.
type Scheduler struct {
	cron   *cron.Cron
	queue  Enqueuer
	logger *zap.Logger
}

func NewScheduler(q Enqueuer, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		queue:  q,
		logger: logger,
	}
}

// Start registers the maintenance entries and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	entries := []struct {
		spec    string
		queue   string
		jobType string
	}{
		{QuotaResetSpec, constants.QueueMaintenance, constants.JobTypeQuotaReset},
		{CleanupSpec, constants.QueueCleanup, constants.JobTypeCleanup},
	}

	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.spec, func() { s.trigger(ctx, e.queue, e.jobType) }); err != nil {
			return fmt.Errorf("schedule %s: %w", e.jobType, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Maintenance scheduler started",
		zap.String("quota_reset", QuotaResetSpec),
		zap.String("cleanup", CleanupSpec))
	return nil
}

// Stop halts the cron loop and waits for a running trigger to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Maintenance scheduler stopped")
}

func (s *Scheduler) trigger(ctx context.Context, queueName, jobType string) {
	if ctx.Err() != nil {
		return
	}
	id, err := s.queue.Enqueue(ctx, queueName, jobType, struct{}{}, queue.Options{MaxAttempts: 1})
	if err != nil {
		s.logger.Warn("Failed to enqueue maintenance job", zap.String("type", jobType), zap.Error(err))
		return
	}
	s.logger.Debug("Maintenance job enqueued", zap.String("type", jobType), zap.String("job_id", id))
}
