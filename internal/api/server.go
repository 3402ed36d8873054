package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/queue"
	"github.com/kapu/outlier-scout-go/internal/service/quota"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AnalysisService is what the HTTP layer needs from *analysis.Service.
type AnalysisService interface {
	Submit(ctx context.Context, userID string, cfg domain.AnalysisConfig) (*domain.AnalysisJob, error)
	SubmitBatch(ctx context.Context, userID string, cfgs []domain.AnalysisConfig) (string, error)
	Get(ctx context.Context, userID, id string) (*domain.AnalysisJob, error)
	List(ctx context.Context, userID string) ([]*domain.AnalysisJob, error)
	Cancel(ctx context.Context, userID, id string) (*domain.AnalysisJob, error)
	Retry(ctx context.Context, userID, id string) (*domain.AnalysisJob, error)
	QuotaStatus(ctx context.Context) (quota.Status, error)
}

// QueueInspector exposes queue state for operators; *queue.Manager implements it.
type QueueInspector interface {
	Get(jobID string) (*queue.Job, error)
	Retry(jobID string) error
	Remove(jobID string) error
	Stats(queueName string) (queue.Stats, error)
	AllStats() []queue.Stats
}

// ProgressStream serves a live progress feed; *progress.Bridge implements it.
type ProgressStream interface {
	Serve(w http.ResponseWriter, r *http.Request, analysisID string, snapshot *domain.ProgressEvent) error
}

type Config struct {
	Port int
}

// Server is the HTTP surface over analyses, queues and quota.
type Server struct {
	router   *gin.Engine
	http     *http.Server
	analyses AnalysisService
	queues   QueueInspector
	stream   ProgressStream
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	now      func() time.Time
}

func NewServer(cfg Config, analyses AnalysisService, queues QueueInspector, stream ProgressStream, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		router:   router,
		analyses: analyses,
		queues:   queues,
		stream:   stream,
		gatherer: gatherer,
		logger:   logger,
		now:      time.Now,
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	// hijacked websocket connections are not tracked by Shutdown
	s.http.RegisterOnShutdown(cancel)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api", requireUser())
	{
		analyses := api.Group("/analyses")
		{
			analyses.POST("", s.submitAnalysis)
			analyses.POST("/batch", s.submitBatch)
			analyses.GET("", s.listAnalyses)
			analyses.GET("/:id", s.getAnalysis)
			analyses.POST("/:id/cancel", s.cancelAnalysis)
			analyses.POST("/:id/retry", s.retryAnalysis)
		}

		queues := api.Group("/queues")
		{
			queues.GET("/stats", s.allQueueStats)
			queues.GET("/:name/stats", s.queueStats)
			queues.GET("/jobs/:id", s.getQueueJob)
			queues.POST("/jobs/:id/retry", s.retryQueueJob)
			queues.DELETE("/jobs/:id", s.removeQueueJob)
		}

		api.GET("/quota", s.quotaStatus)
	}

	s.router.GET("/ws/analyses/:id", requireUser(), s.streamProgress)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
