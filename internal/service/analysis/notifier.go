package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/pipeline"
	"go.uber.org/zap"
)

// Notifier tells observers that an analysis reached a terminal state.
type Notifier interface {
	Notify(ctx context.Context, job *domain.AnalysisJob) error
}

// ProgressNotifier publishes the terminal event on the progress broadcaster
// and logs the outcome.
type ProgressNotifier struct {
	publisher pipeline.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewProgressNotifier(publisher pipeline.Publisher, logger *zap.Logger) *ProgressNotifier {
	return &ProgressNotifier{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

func (n *ProgressNotifier) Notify(ctx context.Context, job *domain.AnalysisJob) error {
	event := TerminalEvent(job, n.now())
	if err := n.publisher.Publish(ctx, job.ID, event); err != nil {
		return fmt.Errorf("publish terminal event: %w", err)
	}

	n.logger.Info("Analysis outcome published",
		zap.String("analysis_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("status", job.Status.String()),
		zap.String("message", event.Message))
	return nil
}

// TerminalEvent renders the job's current state as a progress event. It is
// also the snapshot sent to observers that connect late.
func TerminalEvent(job *domain.AnalysisJob, now time.Time) domain.ProgressEvent {
	event := domain.ProgressEvent{
		AnalysisID: job.ID,
		Stage:      job.Stage,
		Label:      job.Stage.Label(),
		Percentage: job.Progress,
		Status:     job.Status,
		Timestamp:  now,
	}

	switch {
	case job.Status == domain.JobStatusCompleted:
		event.Message = fmt.Sprintf("completed with %d outliers", len(job.Results))
	case job.Error != nil:
		event.Message = fmt.Sprintf("%s: %s", job.Error.Kind, job.Error.Message)
	}
	return event
}
