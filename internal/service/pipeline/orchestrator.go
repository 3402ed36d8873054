package pipeline

import (
	"context"
	"time"

	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/metrics"
	"github.com/kapu/outlier-scout-go/pkg/errors"
	"go.uber.org/zap"
)

// DataSource is the external data the stages consume. *youtube.Client
// implements it.
type DataSource interface {
	SearchChannels(ctx context.Context, query string, rng domain.SubscriberRange) ([]domain.ChannelSummary, error)
	GetChannelVideos(ctx context.Context, channelID string, since time.Time) ([]domain.VideoSummary, error)
	GetChannelInfo(ctx context.Context, channelID string) (*domain.ChannelSummary, error)
}

// JobStore is the slice of the job store the orchestrator writes progress to
// and reads the cancel flag from.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*domain.AnalysisJob, error)
	UpdateJob(ctx context.Context, id string, update domain.JobUpdate) (*domain.AnalysisJob, error)
}

type Publisher interface {
	Publish(ctx context.Context, analysisID string, event domain.ProgressEvent) error
}

type stageFunc func(ctx context.Context, o *Orchestrator, st *runState) error

// stageTable is the fixed forward-only order of the pipeline.
var stageTable = []struct {
	stage domain.Stage
	run   stageFunc
}{
	{domain.StageExclusionList, buildExclusionList},
	{domain.StageChannelDiscovery, discoverChannels},
	{domain.StageVideoRetrieval, retrieveVideos},
	{domain.StageOutlierDetection, detectOutliers},
	{domain.StageBrandFit, scoreBrandFit},
	{domain.StageAggregation, aggregate},
}

// Orchestrator runs the six pipeline stages for one job at a time per call.
// It holds no per-job state, so one instance serves every worker.
type Orchestrator struct {
	source    DataSource
	store     JobStore
	publisher Publisher
	strategy  ScoringStrategy
	fanOut    int
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Orchestrator)

func WithStrategy(s ScoringStrategy) Option {
	return func(o *Orchestrator) { o.strategy = s }
}

func WithFanOut(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.fanOut = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(source DataSource, store JobStore, publisher Publisher, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:    source,
		store:     store,
		publisher: publisher,
		strategy:  DefaultScoringStrategy(),
		fanOut:    constants.Pipeline.FanOut,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes every stage in order and returns the ranked results. Failures
// come back as *errors.StageError naming the stage; a cancellation observed at
// a stage boundary comes back classified as cancelled.
func (o *Orchestrator) Run(ctx context.Context, job *domain.AnalysisJob, rules *Rules) ([]domain.OutlierResult, error) {
	st := newRunState(job.ID, rules, o.now())

	o.logger.Info("Pipeline started",
		zap.String("analysis_id", job.ID),
		zap.String("rules_version", rules.Version()))

	for _, entry := range stageTable {
		if err := o.checkCancelled(ctx, job.ID); err != nil {
			return nil, errors.NewStageError(int(st.stage), st.stage.Label(), err)
		}

		start := time.Now()
		if err := entry.run(ctx, o, st); err != nil {
			o.logger.Warn("Pipeline stage failed",
				zap.String("analysis_id", job.ID),
				zap.Int("stage", int(entry.stage)),
				zap.Error(err))
			return nil, errors.NewStageError(int(entry.stage), entry.stage.Label(), err)
		}
		metrics.StageDuration.WithLabelValues(entry.stage.Label()).Observe(time.Since(start).Seconds())

		if err := o.advance(ctx, st, entry.stage); err != nil {
			return nil, errors.NewStageError(int(entry.stage), entry.stage.Label(), err)
		}
	}

	o.logger.Info("Pipeline finished",
		zap.String("analysis_id", job.ID),
		zap.Int("channels", len(st.channels)),
		zap.Int("videos", len(st.candidates)),
		zap.Int("results", len(st.results)))

	return st.results, nil
}

// advance records a completed stage: persist first, then notify observers.
func (o *Orchestrator) advance(ctx context.Context, st *runState, stage domain.Stage) error {
	if stage < st.stage {
		return errors.NewServiceError("stage regression", "pipeline", stage.Label(), nil)
	}
	st.stage = stage
	pct := stage.Percentage()

	if _, err := o.store.UpdateJob(ctx, st.analysisID, domain.JobUpdate{Stage: &stage, Progress: &pct}); err != nil {
		return err
	}

	event := domain.NewStageEvent(st.analysisID, stage, o.now())
	if err := o.publisher.Publish(ctx, st.analysisID, event); err != nil {
		o.logger.Warn("Progress publish failed",
			zap.String("analysis_id", st.analysisID),
			zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) checkCancelled(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewTransientError("run interrupted", "pipeline", err)
	}

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		o.logger.Warn("Cancel check failed, continuing", zap.String("analysis_id", id), zap.Error(err))
		return nil
	}
	if job != nil && job.CancelRequested {
		o.logger.Info("Pipeline cancelled at stage boundary", zap.String("analysis_id", id))
		return errors.NewCancelledError(id)
	}
	return nil
}
