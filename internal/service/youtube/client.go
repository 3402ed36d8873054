package youtube

import (
	"context"
	"time"

	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/cache"
	"github.com/kapu/outlier-scout-go/internal/service/metrics"
	"github.com/kapu/outlier-scout-go/internal/service/quota"
	"github.com/kapu/outlier-scout-go/internal/util"
	"github.com/kapu/outlier-scout-go/pkg/errors"
	"go.uber.org/zap"
)

type ClientConfig struct {
	CallTimeout      time.Duration
	CallRetries      int
	CallRetryDelay   time.Duration
	SearchResults    int64
	VideosPerChannel int64
	BreakerThreshold int
	BreakerReset     time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CallTimeout:      constants.RetryConfig.CallTimeout,
		CallRetries:      constants.RetryConfig.CallRetries,
		CallRetryDelay:   constants.RetryConfig.CallRetryDelay,
		SearchResults:    constants.Pipeline.SearchResults,
		VideosPerChannel: constants.Pipeline.VideosPerChannel,
		BreakerThreshold: 5,
		BreakerReset:     time.Minute,
	}
}

// Client is the quota-aware, cached entry point to the video platform.
// Every external call is preceded by a quota reservation; cache hits spend
// nothing.
type Client struct {
	api     PlatformAPI
	ledger  quota.Ledger
	cache   *cache.TieredCache
	breaker *util.CircuitBreaker
	cfg     ClientConfig
	logger  *zap.Logger
}

func NewClient(api PlatformAPI, ledger quota.Ledger, tiered *cache.TieredCache, cfg ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		api:     api,
		ledger:  ledger,
		cache:   tiered,
		breaker: util.NewCircuitBreaker(serviceName, cfg.BreakerThreshold, cfg.BreakerReset, logger),
		cfg:     cfg,
		logger:  logger,
	}
}

// SearchChannels returns channels matching query whose subscriber count lies
// within rng. The unfiltered search is what gets cached, so different ranges
// share one entry.
func (c *Client) SearchChannels(ctx context.Context, query string, rng domain.SubscriberRange) ([]domain.ChannelSummary, error) {
	key := cache.HashKey(cache.TierSearch, util.Normalize(query))

	channels, err := fetch(ctx, c, constants.OpSearchChannels, key, cache.TierSearch,
		func(callCtx context.Context) ([]domain.ChannelSummary, error) {
			return c.api.SearchChannels(callCtx, query, c.cfg.SearchResults)
		})
	if err != nil {
		return nil, err
	}

	filtered := make([]domain.ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		if ch.HiddenSubscribers || !rng.Contains(ch.SubscriberCount) {
			continue
		}
		filtered = append(filtered, ch)
	}
	return filtered, nil
}

// GetChannelVideos returns the channel's recent uploads published at or after since.
func (c *Client) GetChannelVideos(ctx context.Context, channelID string, since time.Time) ([]domain.VideoSummary, error) {
	key := cache.Key(cache.TierVideo, channelID)

	videos, err := fetch(ctx, c, constants.OpChannelVideos, key, cache.TierVideo,
		func(callCtx context.Context) ([]domain.VideoSummary, error) {
			return c.api.ChannelVideos(callCtx, channelID, c.cfg.VideosPerChannel)
		})
	if err != nil {
		return nil, err
	}

	recent := make([]domain.VideoSummary, 0, len(videos))
	for _, v := range videos {
		if !v.PublishedAt.Before(since) {
			recent = append(recent, v)
		}
	}
	return recent, nil
}

// GetChannelInfo returns nil without error when the channel does not exist.
func (c *Client) GetChannelInfo(ctx context.Context, channelID string) (*domain.ChannelSummary, error) {
	key := cache.Key(cache.TierChannel, channelID)

	return fetch(ctx, c, constants.OpChannelInfo, key, cache.TierChannel,
		func(callCtx context.Context) (*domain.ChannelSummary, error) {
			return c.api.ChannelInfo(callCtx, channelID)
		})
}

// fetch runs the read-through sequence for one logical operation: cache, quota,
// call, write-through. Transient failures are retried up to CallRetries times,
// each attempt paying for its own reservation.
func fetch[T any](ctx context.Context, c *Client, operation, key string, tier cache.Tier, call func(context.Context) (T, error)) (T, error) {
	var zero T

	var cached T
	if c.cache.Get(ctx, key, &cached) {
		c.logger.Debug("Cache hit, quota spared", zap.String("operation", operation), zap.String("key", key))
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.CallRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.CallRetryDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return zero, errors.NewTransientError("call aborted", operation, ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := attemptCall(ctx, c, operation, call)
		if err == nil {
			c.cache.Set(ctx, key, result, tier)
			return result, nil
		}

		lastErr = err
		if !errors.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < c.cfg.CallRetries {
			c.logger.Warn("External call failed, retrying",
				zap.String("operation", operation),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
	}

	return zero, lastErr
}

func attemptCall[T any](ctx context.Context, c *Client, operation string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	cost := constants.OperationCost[operation]

	if !c.breaker.Allow() {
		metrics.ExternalCalls.WithLabelValues(operation, "short_circuit").Inc()
		return zero, errors.NewTransientError("upstream circuit open", operation, nil)
	}

	ok, err := c.ledger.Reserve(ctx, operation, cost)
	if err != nil {
		c.breaker.Release()
		metrics.QuotaReservations.WithLabelValues(operation, "error").Inc()
		return zero, errors.NewTransientError("quota ledger unavailable", operation, err)
	}
	if !ok {
		c.breaker.Release()
		metrics.QuotaReservations.WithLabelValues(operation, "rejected").Inc()
		return zero, c.exhausted(ctx, operation, cost)
	}
	metrics.QuotaReservations.WithLabelValues(operation, "granted").Inc()
	metrics.QuotaUnitsConsumed.WithLabelValues(operation).Add(float64(cost))

	callCtx := ctx
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := call(callCtx)
	metrics.ExternalCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		mapped := mapError(operation, err, c.resetAt(ctx))
		kind := errors.Classify(mapped)
		if kind == errors.KindTransient {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		metrics.ExternalCalls.WithLabelValues(operation, string(kind)).Inc()
		c.logger.Warn("External call failed",
			zap.String("operation", operation),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return zero, mapped
	}

	c.breaker.RecordSuccess()
	metrics.ExternalCalls.WithLabelValues(operation, "success").Inc()
	return result, nil
}

func (c *Client) exhausted(ctx context.Context, operation string, cost int) error {
	status, err := c.ledger.Status(ctx)
	if err != nil {
		return errors.NewQuotaExhaustedError(operation, cost, 0, time.Time{})
	}
	return errors.NewQuotaExhaustedError(operation, cost, status.Remaining, status.ResetAt)
}

func (c *Client) resetAt(ctx context.Context) time.Time {
	status, err := c.ledger.Status(ctx)
	if err != nil {
		return time.Time{}
	}
	return status.ResetAt
}

// QuotaStatus exposes the ledger snapshot for the HTTP surface.
func (c *Client) QuotaStatus(ctx context.Context) (quota.Status, error) {
	return c.ledger.Status(ctx)
}
