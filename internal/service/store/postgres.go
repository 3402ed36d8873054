package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/database"
	"go.uber.org/zap"
)

// Schema is applied at startup; every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS analysis_jobs (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		config           JSONB NOT NULL,
		status           TEXT NOT NULL,
		stage            INTEGER NOT NULL DEFAULT 0,
		progress         DOUBLE PRECISION NOT NULL DEFAULT 0,
		results          JSONB,
		error            JSONB,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		queue_job_id     TEXT NOT NULL DEFAULT '',
		attempts         INTEGER NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL,
		started_at       TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_jobs_user ON analysis_jobs (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_jobs_finished ON analysis_jobs (completed_at) WHERE completed_at IS NOT NULL`,
}

const jobColumns = `id, user_id, config, status, stage, progress, results, error,
	cancel_requested, queue_job_id, attempts, created_at, started_at, completed_at`

type PostgresStore struct {
	pg     *database.PostgresService
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(pg *database.PostgresService, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pg:     pg,
		db:     pg.GetDB(),
		logger: logger,
	}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return s.pg.Migrate(ctx, Schema)
}

func (s *PostgresStore) CreateJob(ctx context.Context, userID string, cfg domain.AnalysisConfig) (*domain.AnalysisJob, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	job := &domain.AnalysisJob{
		ID:        uuid.NewString(),
		UserID:    userID,
		Config:    cfg,
		Status:    domain.JobStatusPending,
		Stage:     domain.StageNone,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO analysis_jobs (id, user_id, config, status, stage, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`
	if _, err := s.db.ExecContext(ctx, query,
		job.ID, job.UserID, string(configJSON), string(job.Status), int(job.Stage), job.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert analysis job: %w", err)
	}

	s.logger.Debug("Analysis job created", zap.String("id", job.ID), zap.String("user_id", userID))
	return job, nil
}

// UpdateJob locks the row, applies the update in Go and writes the row back,
// so the terminal-state check and the write happen in one transaction.
func (s *PostgresStore) UpdateJob(ctx context.Context, id string, update domain.JobUpdate) (*domain.AnalysisJob, error) {
	var updated *domain.AnalysisJob

	err := s.pg.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1 FOR UPDATE`, id)
		job, err := scanJob(row)
		if err != nil {
			return err
		}
		if err := checkMutable(job, update); err != nil {
			return err
		}

		update.Apply(job)

		resultsJSON, errorJSON, err := encodeOutcome(job)
		if err != nil {
			return err
		}

		query := `
			UPDATE analysis_jobs
			SET status = $2, stage = $3, progress = $4, results = $5, error = $6,
			    cancel_requested = $7, queue_job_id = $8, attempts = $9,
			    started_at = $10, completed_at = $11
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, query,
			job.ID, string(job.Status), int(job.Stage), job.Progress, resultsJSON, errorJSON,
			job.CancelRequested, job.QueueJobID, job.Attempts, job.StartedAt, job.CompletedAt,
		); err != nil {
			return fmt.Errorf("failed to update analysis job: %w", err)
		}

		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID string) ([]*domain.AnalysisJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*domain.AnalysisJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analysis jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_jobs
		WHERE status IN ($1, $2) AND completed_at IS NOT NULL AND completed_at < $3
	`, string(domain.JobStatusCompleted), string(domain.JobStatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.AnalysisJob, error) {
	var (
		job         domain.AnalysisJob
		status      string
		stage       int
		configJSON  []byte
		resultsJSON []byte
		errorJSON   []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.UserID, &configJSON, &status, &stage, &job.Progress, &resultsJSON, &errorJSON,
		&job.CancelRequested, &job.QueueJobID, &job.Attempts, &job.CreatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan analysis job: %w", err)
	}

	job.Status = domain.JobStatus(status)
	job.Stage = domain.Stage(stage)

	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
			return nil, fmt.Errorf("failed to decode results: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		var detail domain.ErrorDetail
		if err := json.Unmarshal(errorJSON, &detail); err != nil {
			return nil, fmt.Errorf("failed to decode error detail: %w", err)
		}
		job.Error = &detail
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	return &job, nil
}

// encodeOutcome renders the JSONB columns; absent values are written as NULL.
func encodeOutcome(job *domain.AnalysisJob) (results any, errDetail any, err error) {
	if job.Results != nil {
		raw, err := json.Marshal(job.Results)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal results: %w", err)
		}
		results = string(raw)
	}
	if job.Error != nil {
		raw, err := json.Marshal(job.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal error detail: %w", err)
		}
		errDetail = string(raw)
	}
	return results, errDetail, nil
}
