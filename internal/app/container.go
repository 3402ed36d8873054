package app

import (
	"context"
	"fmt"
	"time"

	"github.com/kapu/outlier-scout-go/internal/api"
	"github.com/kapu/outlier-scout-go/internal/config"
	"github.com/kapu/outlier-scout-go/internal/service/analysis"
	"github.com/kapu/outlier-scout-go/internal/service/cache"
	"github.com/kapu/outlier-scout-go/internal/service/database"
	"github.com/kapu/outlier-scout-go/internal/service/metrics"
	"github.com/kapu/outlier-scout-go/internal/service/pipeline"
	"github.com/kapu/outlier-scout-go/internal/service/progress"
	"github.com/kapu/outlier-scout-go/internal/service/queue"
	"github.com/kapu/outlier-scout-go/internal/service/quota"
	"github.com/kapu/outlier-scout-go/internal/service/store"
	"github.com/kapu/outlier-scout-go/internal/service/youtube"
	"github.com/kapu/outlier-scout-go/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Container holds the assembled runtime: queue workers, the maintenance
// scheduler and the HTTP server.
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	Analyses  *analysis.Service
	Queue     *queue.Manager
	Scheduler *analysis.Scheduler
	Server    *api.Server

	closers []func()
}

// Build assembles every service. Redis and PostgreSQL are optional. Without
// Redis the ledger and broadcaster stay in process; the cache is held in memory
// when Redis is disabled and bypassed when it is configured but unreachable.
// Without PostgreSQL jobs are kept in memory.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (container *Container, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var closers []func()
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	quotaCfg := quota.Config{
		DailyBudget:  cfg.Quota.DailyBudget,
		Location:     util.LoadLocation(cfg.Quota.Timezone),
		LowWatermark: cfg.Quota.LowWatermark,
	}

	// Redis-backed shared state
	var (
		redisClient  *redis.Client
		cacheBackend cache.Backend
		ledger       quota.Ledger
		broadcaster  progress.Broadcaster
	)
	if cfg.Redis.Enabled {
		client, redisErr := cache.NewRedisClient(ctx, cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if redisErr != nil {
			logger.Warn("Redis unavailable, running with in-process state and no cache", zap.Error(redisErr))
		} else {
			redisClient = client
			closers = append(closers, func() {
				_ = client.Close()
			})
		}
	}

	if redisClient != nil {
		cacheBackend = cache.NewRedisBackend(redisClient)
		ledger = quota.NewRedisLedger(redisClient, quotaCfg, logger)
		broadcaster = progress.NewRedisBroadcaster(redisClient, cfg.Pipeline.ProgressBuffer, logger)
	} else {
		if !cfg.Redis.Enabled {
			cacheBackend = cache.NewMemoryBackend()
		}
		ledger = quota.NewMemoryLedger(quotaCfg, logger)
		broadcaster = progress.NewMemoryBroadcaster(cfg.Pipeline.ProgressBuffer, logger)
	}

	tiered := cache.NewTieredCache(cacheBackend, map[cache.Tier]time.Duration{
		cache.TierChannel: cfg.Cache.ChannelTTL,
		cache.TierVideo:   cfg.Cache.VideoTTL,
		cache.TierSearch:  cfg.Cache.SearchTTL,
	}, logger)

	// Job store
	var jobs store.JobStore
	if cfg.Postgres.Enabled {
		pg, pgErr := database.NewPostgresService(ctx, database.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}, logger)
		if pgErr != nil {
			return nil, fmt.Errorf("failed to create postgres service: %w", pgErr)
		}
		closers = append(closers, func() {
			_ = pg.Close()
		})

		pgStore := store.NewPostgresStore(pg, logger)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare job schema: %w", err)
		}
		jobs = pgStore
	} else {
		logger.Info("PostgreSQL disabled, analysis jobs are kept in memory")
		jobs = store.NewMemoryStore()
	}

	// External data
	dataAPI, err := youtube.NewDataAPI(ctx, youtube.Credentials{
		APIKey:      cfg.YouTube.APIKey,
		AccessToken: cfg.YouTube.AccessToken,
	}, logger)
	if err != nil {
		return nil, err
	}
	clientCfg := youtube.DefaultClientConfig()
	clientCfg.CallTimeout = cfg.YouTube.CallTimeout
	clientCfg.CallRetries = cfg.YouTube.CallRetries
	clientCfg.CallRetryDelay = cfg.YouTube.CallRetryDelay
	clientCfg.SearchResults = cfg.YouTube.SearchResults
	clientCfg.VideosPerChannel = cfg.YouTube.VideosPerChannel
	client := youtube.NewClient(dataAPI, ledger, tiered, clientCfg, logger)

	orchestrator := pipeline.NewOrchestrator(client, jobs, broadcaster, logger,
		pipeline.WithFanOut(cfg.Pipeline.FanOut))

	// Queues and handlers
	backoff := queue.Backoff{
		Kind:       queue.BackoffExponential,
		Delay:      cfg.Queue.BackoffDelay,
		Multiplier: cfg.Queue.BackoffMultiplier,
		Max:        cfg.Queue.BackoffMax,
	}
	manager := queue.NewManager(queue.Config{
		Concurrency:        cfg.Queue.Concurrency,
		HistoryLimit:       cfg.Queue.HistoryLimit,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		DefaultBackoff:     backoff,
	}, logger)

	analyses := analysis.NewService(analysis.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     backoff,
		Retention:   cfg.Retention.FinishedJobs,
	}, jobs, manager, orchestrator, ledger, analysis.NewProgressNotifier(broadcaster, logger), logger)
	if err := analyses.RegisterHandlers(manager); err != nil {
		return nil, fmt.Errorf("failed to register job handlers: %w", err)
	}

	// Metrics and HTTP
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	server := api.NewServer(api.Config{Port: cfg.Server.Port}, analyses, manager,
		progress.NewBridge(broadcaster, logger), registry, logger)

	logger.Info("Services assembled",
		zap.Bool("redis", redisClient != nil),
		zap.Bool("postgres", cfg.Postgres.Enabled),
		zap.Int("daily_budget", cfg.Quota.DailyBudget),
		zap.String("quota_timezone", cfg.Quota.Timezone))

	return &Container{
		Config:    cfg,
		Logger:    logger,
		Analyses:  analyses,
		Queue:     manager,
		Scheduler: analysis.NewScheduler(manager, logger),
		Server:    server,
		closers:   closers,
	}, nil
}

// Run starts the workers, the scheduler and the HTTP server. It returns when
// the server stops or fails; call Shutdown afterwards either way.
func (c *Container) Run(ctx context.Context) error {
	if err := c.Queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue workers: %w", err)
	}
	if err := c.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return c.Server.Start()
}

// Shutdown stops intake first, then drains workers, then releases connections.
func (c *Container) Shutdown(ctx context.Context) error {
	var wg conc.WaitGroup
	wg.Go(func() {
		c.Scheduler.Stop()
	})
	serverErr := c.Server.Shutdown(ctx)
	wg.Wait()

	queueErr := c.Queue.Shutdown(ctx)

	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}

	if serverErr != nil {
		return fmt.Errorf("http shutdown: %w", serverErr)
	}
	if queueErr != nil {
		return fmt.Errorf("queue shutdown: %w", queueErr)
	}
	return nil
}
