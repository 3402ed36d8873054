package analysis

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/metrics"
	"github.com/kapu/outlier-scout-go/internal/service/pipeline"
	"github.com/kapu/outlier-scout-go/internal/service/queue"
	"github.com/kapu/outlier-scout-go/internal/service/store"
	"github.com/kapu/outlier-scout-go/internal/util"
	"github.com/kapu/outlier-scout-go/pkg/errors"
	"go.uber.org/zap"
)

// maxErrorMessage bounds the message stored on a failed job.
const maxErrorMessage = 500

// RegisterHandlers binds every analysis and maintenance job type.
func (s *Service) RegisterHandlers(r Registrar) error {
	handlers := []struct {
		queue   string
		jobType string
		handler queue.Handler
	}{
		{constants.QueueAnalysis, constants.JobTypeAnalysis, s.handleRun},
		{constants.QueueBatch, constants.JobTypeAnalysisBatch, s.handleBatch},
		{constants.QueueNotifications, constants.JobTypeNotify, s.handleNotify},
		{constants.QueueMaintenance, constants.JobTypeQuotaReset, s.handleQuotaReset},
		{constants.QueueCleanup, constants.JobTypeCleanup, s.handleCleanup},
	}
	for _, h := range handlers {
		if err := r.Register(h.queue, h.jobType, h.handler); err != nil {
			return fmt.Errorf("register %s: %w", h.jobType, err)
		}
	}
	return nil
}

// handleRun drives one attempt of an analysis. The returned error is what the
// queue classifies, so the job record and the queue agree on whether another
// attempt follows.
func (s *Service) handleRun(ctx context.Context, qjob *queue.Job) error {
	var payload runPayload
	if err := qjob.Decode(&payload); err != nil {
		return errors.NewValidationError(err.Error(), "payload", qjob.ID)
	}

	job, err := s.store.GetJob(ctx, payload.AnalysisID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Queued analysis no longer exists", zap.String("analysis_id", payload.AnalysisID))
			return nil
		}
		return errors.NewTransientError("load analysis job", "analysis", err)
	}
	if job.Status.IsTerminal() {
		s.logger.Info("Analysis already finished, skipping",
			zap.String("analysis_id", job.ID),
			zap.String("status", job.Status.String()))
		return nil
	}
	if job.QueueJobID != "" && job.QueueJobID != qjob.ID {
		s.logger.Info("Analysis owned by another queue job, skipping",
			zap.String("analysis_id", job.ID),
			zap.String("queue_job_id", qjob.ID),
			zap.String("owner", job.QueueJobID))
		return nil
	}

	rules, err := pipeline.CompileRules(job.Config)
	if err != nil {
		return s.fail(ctx, qjob, job, err)
	}

	running := domain.JobStatusRunning
	attempt := qjob.Attempt()
	queueID := qjob.ID
	update := domain.JobUpdate{Status: &running, Attempts: &attempt, QueueJobID: &queueID, Owner: &queueID}
	if job.StartedAt == nil {
		started := s.now().UTC()
		update.StartedAt = &started
	}
	job, err = s.store.UpdateJob(ctx, job.ID, update)
	if err != nil {
		if superseded(err) {
			s.logger.Info("Analysis claimed elsewhere, skipping",
				zap.String("analysis_id", payload.AnalysisID),
				zap.String("queue_job_id", qjob.ID))
			return nil
		}
		return errors.NewTransientError("mark analysis running", "analysis", err)
	}

	s.logger.Info("Analysis running",
		zap.String("analysis_id", job.ID),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", qjob.MaxAttempts))

	results, err := s.runner.Run(ctx, job, rules)
	if err != nil {
		return s.fail(ctx, qjob, job, err)
	}
	return s.complete(ctx, qjob, job, results)
}

// superseded reports an update refused because the job finished or moved to
// another queue job; the caller no longer owns it.
func superseded(err error) bool {
	return stderrors.Is(err, store.ErrImmutable) || stderrors.Is(err, store.ErrSuperseded)
}

func (s *Service) complete(ctx context.Context, qjob *queue.Job, job *domain.AnalysisJob, results []domain.OutlierResult) error {
	status := domain.JobStatusCompleted
	stage := domain.StageAggregation
	progress := stage.Percentage()
	completed := s.now().UTC()
	if results == nil {
		results = []domain.OutlierResult{}
	}

	_, err := s.store.UpdateJob(ctx, job.ID, domain.JobUpdate{
		Status:      &status,
		Stage:       &stage,
		Progress:    &progress,
		Results:     results,
		SetResults:  true,
		ClearError:  true,
		CompletedAt: &completed,
		Owner:       &qjob.ID,
	})
	if err != nil {
		if superseded(err) {
			return nil
		}
		return errors.NewTransientError("record analysis results", "analysis", err)
	}

	metrics.AnalysesFinished.WithLabelValues(string(status), "").Inc()
	s.logger.Info("Analysis completed",
		zap.String("analysis_id", job.ID),
		zap.Int("results", len(results)))
	s.notify(ctx, job.ID)
	return nil
}

// fail records the attempt's error. With attempts left for a retryable error
// the job goes back to pending; otherwise it is finished as failed.
func (s *Service) fail(ctx context.Context, qjob *queue.Job, job *domain.AnalysisJob, cause error) error {
	detail := errorDetail(job, cause, qjob.Attempt())

	if qjob.WillRetry(cause) {
		pending := domain.JobStatusPending
		if _, err := s.store.UpdateJob(ctx, job.ID, domain.JobUpdate{Status: &pending, Error: detail, Owner: &qjob.ID}); err != nil {
			if superseded(err) {
				return nil
			}
			s.logger.Error("Failed to return analysis to pending", zap.String("analysis_id", job.ID), zap.Error(err))
		}
		s.logger.Warn("Analysis attempt failed, will retry",
			zap.String("analysis_id", job.ID),
			zap.Int("attempt", detail.Attempt),
			zap.String("stage", detail.StageLabel),
			zap.Error(cause))
		return cause
	}

	status := domain.JobStatusFailed
	completed := s.now().UTC()
	update := domain.JobUpdate{Status: &status, Error: detail, CompletedAt: &completed, Owner: &qjob.ID}
	if _, err := s.store.UpdateJob(ctx, job.ID, update); err != nil {
		if superseded(err) {
			return nil
		}
		s.logger.Error("Failed to mark analysis failed", zap.String("analysis_id", job.ID), zap.Error(err))
		return errors.NewTransientError("record analysis failure", "analysis", err)
	}

	metrics.AnalysesFinished.WithLabelValues(string(status), string(detail.Kind)).Inc()
	s.logger.Warn("Analysis failed",
		zap.String("analysis_id", job.ID),
		zap.String("kind", string(detail.Kind)),
		zap.String("stage", detail.StageLabel),
		zap.Int("attempt", detail.Attempt),
		zap.Error(cause))
	s.notify(ctx, job.ID)

	// a cancelled run is a clean stop for the queue
	if detail.Kind == errors.KindCancelled {
		return nil
	}
	return cause
}

func errorDetail(job *domain.AnalysisJob, cause error, attempt int) *domain.ErrorDetail {
	detail := &domain.ErrorDetail{
		Stage:      job.Stage,
		StageLabel: job.Stage.Label(),
		Kind:       errors.Classify(cause),
		Message:    util.TruncateString(cause.Error(), maxErrorMessage),
		Attempt:    attempt,
	}

	var stageErr *errors.StageError
	if stderrors.As(cause, &stageErr) {
		detail.Stage = domain.Stage(stageErr.Stage)
		detail.StageLabel = stageErr.StageLabel
		detail.Kind = stageErr.Kind
		if stageErr.Cause != nil {
			detail.Message = util.TruncateString(stageErr.Cause.Error(), maxErrorMessage)
		}
	}
	return detail
}

func (s *Service) notify(ctx context.Context, analysisID string) {
	if _, err := s.queue.Enqueue(ctx, constants.QueueNotifications, constants.JobTypeNotify,
		runPayload{AnalysisID: analysisID}, queue.Options{}); err != nil {
		s.logger.Error("Failed to enqueue notification", zap.String("analysis_id", analysisID), zap.Error(err))
	}
}

func (s *Service) handleNotify(ctx context.Context, qjob *queue.Job) error {
	var payload runPayload
	if err := qjob.Decode(&payload); err != nil {
		return errors.NewValidationError(err.Error(), "payload", qjob.ID)
	}

	job, err := s.store.GetJob(ctx, payload.AnalysisID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil
		}
		return errors.NewTransientError("load analysis job", "notify", err)
	}
	if !job.Status.IsTerminal() {
		// retried manually before the notification ran
		return nil
	}
	return s.notifier.Notify(ctx, job)
}

func (s *Service) handleBatch(ctx context.Context, qjob *queue.Job) error {
	var payload batchPayload
	if err := qjob.Decode(&payload); err != nil {
		return errors.NewValidationError(err.Error(), "payload", qjob.ID)
	}

	var failures []error
	submitted := 0
	for i, cfg := range payload.Configs {
		job, err := s.Submit(ctx, payload.UserID, cfg)
		if err != nil {
			s.logger.Warn("Batch entry rejected",
				zap.String("batch_job_id", qjob.ID),
				zap.Int("index", i),
				zap.Error(err))
			failures = append(failures, fmt.Errorf("config %d: %w", i, err))
			continue
		}
		submitted++
		s.logger.Debug("Batch entry submitted",
			zap.String("batch_job_id", qjob.ID),
			zap.Int("index", i),
			zap.String("analysis_id", job.ID))
	}

	s.logger.Info("Analysis batch processed",
		zap.String("batch_job_id", qjob.ID),
		zap.Int("submitted", submitted),
		zap.Int("rejected", len(failures)))

	if len(failures) > 0 {
		// terminal: resubmitting the batch would duplicate the accepted entries
		return errors.NewServiceError(
			fmt.Sprintf("%d of %d batch entries rejected", len(failures), len(payload.Configs)),
			"analysis", "batch", stderrors.Join(failures...))
	}
	return nil
}

func (s *Service) handleQuotaReset(ctx context.Context, _ *queue.Job) error {
	reset, err := s.ledger.ResetIfDue(ctx)
	if err != nil {
		return errors.NewTransientError("quota reset check", "quota", err)
	}
	if reset {
		s.logger.Info("Quota period rolled over")
	}
	return nil
}

func (s *Service) handleCleanup(ctx context.Context, _ *queue.Job) error {
	cutoff := s.now().Add(-s.cfg.Retention)
	removed, err := s.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return errors.NewTransientError("delete finished analyses", "cleanup", err)
	}
	if removed > 0 {
		s.logger.Info("Finished analyses cleaned up",
			zap.Int("removed", removed),
			zap.Time("cutoff", cutoff))
	}
	return nil
}
