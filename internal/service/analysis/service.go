package analysis

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/pipeline"
	"github.com/kapu/outlier-scout-go/internal/service/queue"
	"github.com/kapu/outlier-scout-go/internal/service/quota"
	"github.com/kapu/outlier-scout-go/internal/service/store"
	"github.com/kapu/outlier-scout-go/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNotFailed = stderrors.New("only failed analyses can be retried")
	ErrFinished  = stderrors.New("analysis already finished")
)

// Enqueuer is the part of the queue manager the service submits work to.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload any, opts queue.Options) (string, error)
}

// Registrar binds job handlers; *queue.Manager implements it.
type Registrar interface {
	Register(queueName, jobType string, handler queue.Handler) error
}

// Runner executes the pipeline for one job; *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, job *domain.AnalysisJob, rules *pipeline.Rules) ([]domain.OutlierResult, error)
}

type Config struct {
	MaxAttempts int
	Backoff     queue.Backoff
	Retention   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: constants.RetryConfig.MaxAttempts,
		Backoff:     queue.DefaultBackoff(),
		Retention:   constants.Retention.FinishedJobs,
	}
}

type runPayload struct {
	AnalysisID string `json:"analysis_id"`
}

type batchPayload struct {
	UserID  string                  `json:"user_id"`
	Configs []domain.AnalysisConfig `json:"configs"`
}

// Service is the entry point for submitting and inspecting analyses. It also
// owns the queue handlers that run them.
type Service struct {
	cfg      Config
	store    store.JobStore
	queue    Enqueuer
	runner   Runner
	ledger   quota.Ledger
	notifier Notifier
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(cfg Config, jobs store.JobStore, q Enqueuer, runner Runner, ledger quota.Ledger, notifier Notifier, logger *zap.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.RetryConfig.MaxAttempts
	}
	if cfg.Backoff.Delay <= 0 {
		cfg.Backoff = queue.DefaultBackoff()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = constants.Retention.FinishedJobs
	}
	return &Service{
		cfg:      cfg,
		store:    jobs,
		queue:    q,
		runner:   runner,
		ledger:   ledger,
		notifier: notifier,
		now:      time.Now,
		logger:   logger,
	}
}

// Submit validates the config, records the job and queues it. An invalid
// config is rejected before anything is stored.
func (s *Service) Submit(ctx context.Context, userID string, cfg domain.AnalysisConfig) (*domain.AnalysisJob, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.NewValidationError("user id is required", "user_id", userID)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	job, err := s.store.CreateJob(ctx, userID, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis job: %w", err)
	}

	job, err = s.enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Analysis submitted",
		zap.String("analysis_id", job.ID),
		zap.String("user_id", userID),
		zap.String("queue_job_id", job.QueueJobID))
	return job, nil
}

// SubmitBatch validates every config up front and queues one batch job that
// submits them. It returns the batch's queue job id.
func (s *Service) SubmitBatch(ctx context.Context, userID string, cfgs []domain.AnalysisConfig) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.NewValidationError("user id is required", "user_id", userID)
	}
	if len(cfgs) == 0 {
		return "", errors.NewValidationError("batch must contain at least one config", "configs", 0)
	}
	for i, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return "", errors.NewValidationError(fmt.Sprintf("config %d: %v", i, err), fmt.Sprintf("configs[%d]", i), nil)
		}
	}

	id, err := s.queue.Enqueue(ctx, constants.QueueBatch, constants.JobTypeAnalysisBatch,
		batchPayload{UserID: userID, Configs: cfgs},
		queue.Options{MaxAttempts: 1})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue batch: %w", err)
	}

	s.logger.Info("Analysis batch submitted",
		zap.String("batch_job_id", id),
		zap.String("user_id", userID),
		zap.Int("configs", len(cfgs)))
	return id, nil
}

// Get returns the caller's job. Jobs owned by other users are reported as not found.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.AnalysisJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]*domain.AnalysisJob, error) {
	return s.store.ListJobs(ctx, userID)
}

// Cancel raises the cooperative cancel flag. The pipeline stops at its next
// stage boundary; a job that has not started stops before stage 1.
func (s *Service) Cancel(ctx context.Context, userID, id string) (*domain.AnalysisJob, error) {
	job, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, ErrFinished
	}

	flag := true
	job, err = s.store.UpdateJob(ctx, id, domain.JobUpdate{CancelRequested: &flag})
	if err != nil {
		if stderrors.Is(err, store.ErrImmutable) {
			return nil, ErrFinished
		}
		return nil, err
	}

	s.logger.Info("Analysis cancel requested", zap.String("analysis_id", id), zap.String("status", job.Status.String()))
	return job, nil
}

// Retry resets a failed job and queues it again with a fresh attempt budget.
func (s *Service) Retry(ctx context.Context, userID, id string) (*domain.AnalysisJob, error) {
	job, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusFailed {
		return nil, ErrNotFailed
	}

	// the reset and the new owner land together, so the previous queue job
	// can no longer claim the analysis
	queueID := uuid.NewString()
	job, err = s.store.UpdateJob(ctx, id, domain.JobUpdate{Reset: true, QueueJobID: &queueID})
	if err != nil {
		if stderrors.Is(err, store.ErrNotFailed) {
			return nil, ErrNotFailed
		}
		return nil, err
	}

	if err := s.push(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Analysis retried", zap.String("analysis_id", id), zap.String("queue_job_id", job.QueueJobID))
	return job, nil
}

// QuotaStatus reports the current budget period.
func (s *Service) QuotaStatus(ctx context.Context) (quota.Status, error) {
	return s.ledger.Status(ctx)
}

// enqueue assigns the job its queue job id and queues it. The id is recorded
// before the queue job exists, so a worker never sees an unowned analysis.
func (s *Service) enqueue(ctx context.Context, job *domain.AnalysisJob) (*domain.AnalysisJob, error) {
	queueID := uuid.NewString()
	updated, err := s.store.UpdateJob(ctx, job.ID, domain.JobUpdate{QueueJobID: &queueID})
	if err != nil {
		return nil, fmt.Errorf("failed to assign queue job: %w", err)
	}
	if err := s.push(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) push(ctx context.Context, job *domain.AnalysisJob) error {
	backoff := s.cfg.Backoff
	_, err := s.queue.Enqueue(ctx, constants.QueueAnalysis, constants.JobTypeAnalysis,
		runPayload{AnalysisID: job.ID},
		queue.Options{JobID: job.QueueJobID, MaxAttempts: s.cfg.MaxAttempts, Backoff: &backoff})
	if err != nil {
		s.abandon(ctx, job, err)
		return fmt.Errorf("failed to enqueue analysis: %w", err)
	}
	return nil
}

// abandon marks a job that never made it onto the queue as failed so it does
// not sit in pending forever.
func (s *Service) abandon(ctx context.Context, job *domain.AnalysisJob, cause error) {
	status := domain.JobStatusFailed
	completed := s.now().UTC()
	detail := &domain.ErrorDetail{
		Stage:   domain.StageNone,
		Kind:    errors.KindFailed,
		Message: cause.Error(),
	}
	if _, err := s.store.UpdateJob(ctx, job.ID, domain.JobUpdate{Status: &status, Error: detail, CompletedAt: &completed}); err != nil {
		s.logger.Error("Failed to mark unqueued analysis as failed", zap.String("analysis_id", job.ID), zap.Error(err))
	}
}
