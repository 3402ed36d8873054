package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/analysis"
	"github.com/kapu/outlier-scout-go/internal/service/queue"
	"github.com/kapu/outlier-scout-go/internal/service/store"
	"github.com/kapu/outlier-scout-go/pkg/errors"
	"go.uber.org/zap"
)

// BatchRequest is the body of POST /api/analyses/batch.
type BatchRequest struct {
	Configs []domain.AnalysisConfig `json:"configs"`
}

// POST /api/analyses
func (s *Server) submitAnalysis(c *gin.Context) {
	var cfg domain.AnalysisConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		failure(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := s.analyses.Submit(c.Request.Context(), currentUser(c), cfg)
	if err != nil {
		s.writeError(c, err)
		return
	}
	accepted(c, job)
}

// POST /api/analyses/batch
func (s *Server) submitBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.analyses.SubmitBatch(c.Request.Context(), currentUser(c), req.Configs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	accepted(c, gin.H{"batch_job_id": id, "configs": len(req.Configs)})
}

// GET /api/analyses?status=failed
func (s *Server) listAnalyses(c *gin.Context) {
	jobs, err := s.analyses.List(c.Request.Context(), currentUser(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	if status := c.Query("status"); status != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if string(job.Status) == status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []*domain.AnalysisJob{}
	}
	success(c, jobs)
}

// GET /api/analyses/:id
func (s *Server) getAnalysis(c *gin.Context) {
	job, err := s.analyses.Get(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	success(c, job)
}

// POST /api/analyses/:id/cancel
func (s *Server) cancelAnalysis(c *gin.Context) {
	job, err := s.analyses.Cancel(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	accepted(c, job)
}

// POST /api/analyses/:id/retry
func (s *Server) retryAnalysis(c *gin.Context) {
	job, err := s.analyses.Retry(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	accepted(c, job)
}

// GET /api/quota
func (s *Server) quotaStatus(c *gin.Context) {
	status, err := s.analyses.QuotaStatus(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	success(c, status)
}

// GET /api/queues/stats
func (s *Server) allQueueStats(c *gin.Context) {
	success(c, s.queues.AllStats())
}

// GET /api/queues/:name/stats
func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.queues.Stats(c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	success(c, stats)
}

// GET /api/queues/jobs/:id
func (s *Server) getQueueJob(c *gin.Context) {
	job, err := s.queues.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	success(c, job)
}

// POST /api/queues/jobs/:id/retry
// An analysis run is retried through its analysis, which gets a new queue job;
// the failed queue job itself stays in the history.
func (s *Server) retryQueueJob(c *gin.Context) {
	id := c.Param("id")
	qjob, err := s.queues.Get(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if qjob.Type == constants.JobTypeAnalysis {
		s.retryAnalysisRun(c, qjob)
		return
	}

	if err := s.queues.Retry(id); err != nil {
		s.writeError(c, err)
		return
	}
	accepted(c, gin.H{"job_id": id})
}

func (s *Server) retryAnalysisRun(c *gin.Context, qjob *queue.Job) {
	if qjob.State != queue.StateFailed {
		s.writeError(c, queue.ErrNotRetryable)
		return
	}
	var payload struct {
		AnalysisID string `json:"analysis_id"`
	}
	if err := qjob.Decode(&payload); err != nil || payload.AnalysisID == "" {
		failure(c, http.StatusConflict, "queue job does not reference an analysis")
		return
	}

	job, err := s.analyses.Retry(c.Request.Context(), currentUser(c), payload.AnalysisID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	accepted(c, gin.H{"job_id": job.QueueJobID, "analysis": job})
}

// DELETE /api/queues/jobs/:id
func (s *Server) removeQueueJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.queues.Remove(id); err != nil {
		s.writeError(c, err)
		return
	}
	success(c, gin.H{"job_id": id})
}

// GET /ws/analyses/:id
func (s *Server) streamProgress(c *gin.Context) {
	id := c.Param("id")
	job, err := s.analyses.Get(c.Request.Context(), currentUser(c), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	snapshot := analysis.TerminalEvent(job, s.now())
	if err := s.stream.Serve(c.Writer, c.Request, id, &snapshot); err != nil {
		s.logger.Debug("Progress stream ended", zap.String("analysis_id", id), zap.Error(err))
	}
}

// writeError maps service errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without its details.
func (s *Server) writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case errors.IsValidation(err):
		failure(c, http.StatusBadRequest, err.Error())
	case stderrors.Is(err, store.ErrNotFound),
		stderrors.Is(err, queue.ErrJobNotFound),
		stderrors.Is(err, queue.ErrUnknownQueue):
		failure(c, http.StatusNotFound, err.Error())
	case stderrors.Is(err, analysis.ErrFinished),
		stderrors.Is(err, analysis.ErrNotFailed),
		stderrors.Is(err, queue.ErrNotRetryable),
		stderrors.Is(err, queue.ErrJobActive):
		failure(c, http.StatusConflict, err.Error())
	case errors.IsQuotaExhausted(err):
		failure(c, http.StatusTooManyRequests, err.Error())
	case stderrors.Is(err, queue.ErrStopped):
		failure(c, http.StatusServiceUnavailable, "service is shutting down")
	default:
		s.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		failure(c, http.StatusInternalServerError, "internal error")
	}
}
