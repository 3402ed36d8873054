package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/spf13/cast"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	YouTube   YouTubeConfig
	Quota     QuotaConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Pipeline  PipelineConfig
	Retention RetentionConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type PostgresConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type YouTubeConfig struct {
	APIKey           string
	AccessToken      string
	CallTimeout      time.Duration
	CallRetries      int
	CallRetryDelay   time.Duration
	SearchResults    int64
	VideosPerChannel int64
}

type QuotaConfig struct {
	DailyBudget  int
	Timezone     string
	LowWatermark int
}

type CacheConfig struct {
	ChannelTTL time.Duration
	VideoTTL   time.Duration
	SearchTTL  time.Duration
}

type QueueConfig struct {
	Concurrency       map[string]int
	MaxAttempts       int
	BackoffDelay      time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	HistoryLimit      int
}

type PipelineConfig struct {
	FanOut         int
	ProgressBuffer int
}

type RetentionConfig struct {
	FinishedJobs time.Duration
}

type LoggingConfig struct {
	Level string
	File  string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 8080),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Enabled:  getEnvBool("POSTGRES_ENABLED", false),
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "outlier"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			Database: getEnv("POSTGRES_DB", "outlier_scout"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		YouTube: YouTubeConfig{
			APIKey:           getEnv("YOUTUBE_API_KEY", ""),
			AccessToken:      getEnv("YOUTUBE_ACCESS_TOKEN", ""),
			CallTimeout:      getEnvDuration("YOUTUBE_CALL_TIMEOUT", constants.RetryConfig.CallTimeout),
			CallRetries:      getEnvInt("YOUTUBE_CALL_RETRIES", constants.RetryConfig.CallRetries),
			CallRetryDelay:   getEnvDuration("YOUTUBE_CALL_RETRY_DELAY", constants.RetryConfig.CallRetryDelay),
			SearchResults:    int64(getEnvInt("YOUTUBE_SEARCH_RESULTS", int(constants.Pipeline.SearchResults))),
			VideosPerChannel: int64(getEnvInt("YOUTUBE_VIDEOS_PER_CHANNEL", int(constants.Pipeline.VideosPerChannel))),
		},
		Quota: QuotaConfig{
			DailyBudget:  getEnvInt("QUOTA_DAILY_BUDGET", constants.Quota.DailyBudget),
			Timezone:     getEnv("QUOTA_TIMEZONE", constants.Quota.Timezone),
			LowWatermark: getEnvInt("QUOTA_LOW_WATERMARK", constants.Quota.LowWatermark),
		},
		Cache: CacheConfig{
			ChannelTTL: getEnvDuration("CACHE_CHANNEL_TTL", constants.CacheTTL.ChannelInfo),
			VideoTTL:   getEnvDuration("CACHE_VIDEO_TTL", constants.CacheTTL.VideoData),
			SearchTTL:  getEnvDuration("CACHE_SEARCH_TTL", constants.CacheTTL.SearchResult),
		},
		Queue: QueueConfig{
			Concurrency:       loadConcurrency(),
			MaxAttempts:       getEnvInt("QUEUE_MAX_ATTEMPTS", constants.RetryConfig.MaxAttempts),
			BackoffDelay:      getEnvDuration("QUEUE_BACKOFF_DELAY", constants.RetryConfig.BaseDelay),
			BackoffMultiplier: getEnvFloat("QUEUE_BACKOFF_MULTIPLIER", constants.RetryConfig.Multiplier),
			BackoffMax:        getEnvDuration("QUEUE_BACKOFF_MAX", 10*time.Minute),
			HistoryLimit:      getEnvInt("QUEUE_HISTORY_LIMIT", constants.Retention.QueueHistory),
		},
		Pipeline: PipelineConfig{
			FanOut:         getEnvInt("PIPELINE_FAN_OUT", constants.Pipeline.FanOut),
			ProgressBuffer: getEnvInt("PROGRESS_BUFFER", constants.Retention.ProgressBuffer),
		},
		Retention: RetentionConfig{
			FinishedJobs: getEnvDuration("RETENTION_FINISHED_JOBS", constants.Retention.FinishedJobs),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", "logs/outlier-scout.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.YouTube.APIKey == "" && c.YouTube.AccessToken == "" {
		return fmt.Errorf("YOUTUBE_API_KEY or YOUTUBE_ACCESS_TOKEN is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be a valid port, got %d", c.Server.Port)
	}
	if c.Quota.DailyBudget < 0 {
		return fmt.Errorf("QUOTA_DAILY_BUDGET must not be negative")
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("QUOTA_TIMEZONE is invalid: %w", err)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Queue.BackoffDelay <= 0 {
		return fmt.Errorf("QUEUE_BACKOFF_DELAY must be positive")
	}
	for name, n := range c.Queue.Concurrency {
		if n < 1 {
			return fmt.Errorf("concurrency for queue %q must be at least 1", name)
		}
	}
	if c.Pipeline.FanOut < 1 {
		return fmt.Errorf("PIPELINE_FAN_OUT must be at least 1")
	}
	if c.Postgres.Enabled && c.Postgres.Database == "" {
		return fmt.Errorf("POSTGRES_DB is required when POSTGRES_ENABLED is set")
	}
	return nil
}

// loadConcurrency reads QUEUE_<NAME>_CONCURRENCY for every named queue.
func loadConcurrency() map[string]int {
	out := make(map[string]int, len(constants.QueueConcurrency))
	for name, def := range constants.QueueConcurrency {
		out[name] = getEnvInt("QUEUE_"+strings.ToUpper(name)+"_CONCURRENCY", def)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := cast.ToIntE(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := cast.ToFloat64E(value); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := cast.ToBoolE(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "6h").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if !strings.ContainsAny(value, "nsuµmh") {
			return defaultValue
		}
		if d, err := cast.ToDurationE(value); err == nil {
			return d
		}
	}
	return defaultValue
}
