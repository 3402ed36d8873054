package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/kapu/outlier-scout-go/internal/domain"
)

var (
	ErrNotFound  = stderrors.New("analysis job not found")
	ErrImmutable = stderrors.New("analysis job is finished")
	ErrNotFailed = stderrors.New("only failed analysis jobs can be reset")
	// ErrSuperseded rejects an owned update after the job moved to another queue job.
	ErrSuperseded = stderrors.New("analysis job belongs to another queue job")
)

// JobStore is the system of record for analysis jobs. A finished job only
// accepts a Reset update (manual retry); anything else returns ErrImmutable.
// Reset itself is refused with ErrNotFailed unless the job failed.
// An update carrying an Owner is checked against the job's queue job id in the
// same step that applies it.
type JobStore interface {
	CreateJob(ctx context.Context, userID string, cfg domain.AnalysisConfig) (*domain.AnalysisJob, error)
	UpdateJob(ctx context.Context, id string, update domain.JobUpdate) (*domain.AnalysisJob, error)
	GetJob(ctx context.Context, id string) (*domain.AnalysisJob, error)
	ListJobs(ctx context.Context, userID string) ([]*domain.AnalysisJob, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

func checkMutable(job *domain.AnalysisJob, update domain.JobUpdate) error {
	if update.Reset && job.Status != domain.JobStatusFailed {
		return ErrNotFailed
	}
	if job.Status.IsTerminal() && !update.Reset {
		return ErrImmutable
	}
	if update.Owner != nil && job.QueueJobID != "" && job.QueueJobID != *update.Owner {
		return ErrSuperseded
	}
	return nil
}
