package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kapu/outlier-scout-go/internal/domain"
)

// MemoryStore keeps jobs in process memory. Every read returns a copy.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.AnalysisJob
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.AnalysisJob),
		now:  time.Now,
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, userID string, cfg domain.AnalysisConfig) (*domain.AnalysisJob, error) {
	job := &domain.AnalysisJob{
		ID:        uuid.NewString(),
		UserID:    userID,
		Config:    cfg,
		Status:    domain.JobStatusPending,
		Stage:     domain.StageNone,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	return cloneJob(job), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, id string, update domain.JobUpdate) (*domain.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkMutable(job, update); err != nil {
		return nil, err
	}

	update.Apply(job)
	return cloneJob(job), nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*domain.AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns the user's jobs, newest first.
func (s *MemoryStore) ListJobs(_ context.Context, userID string) ([]*domain.AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.AnalysisJob, 0)
	for _, job := range s.jobs {
		if job.UserID == userID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func cloneJob(job *domain.AnalysisJob) *domain.AnalysisJob {
	cp := *job
	if job.Results != nil {
		cp.Results = make([]domain.OutlierResult, len(job.Results))
		copy(cp.Results, job.Results)
	}
	if job.Error != nil {
		e := *job.Error
		cp.Error = &e
	}
	return &cp
}
