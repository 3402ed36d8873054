package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/service/metrics"
	"go.uber.org/zap"
)

const keyPrefix = "outlier"

// Tier selects the expiry applied to a cached value.
type Tier string

const (
	TierChannel Tier = "channel"
	TierVideo   Tier = "video"
	TierSearch  Tier = "search"
)

// Backend is the raw key-value store behind the cache.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// DefaultTTLs returns the expiry per tier.
func DefaultTTLs() map[Tier]time.Duration {
	return map[Tier]time.Duration{
		TierChannel: constants.CacheTTL.ChannelInfo,
		TierVideo:   constants.CacheTTL.VideoData,
		TierSearch:  constants.CacheTTL.SearchResult,
	}
}

// Key builds "outlier:<tier>:<id>" for a single external id.
func Key(tier Tier, id string) string {
	return keyPrefix + ":" + string(tier) + ":" + id
}

// HashKey builds a key from free-form parts (queries, ranges) by hashing them,
// so arbitrary user text never ends up in a key.
func HashKey(tier Tier, parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "\x1f")))
	return Key(tier, hex.EncodeToString(sum[:]))
}

func tierOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return "unknown"
	}
	return parts[1]
}

// TieredCache stores JSON values with per-tier expiry. It never fails its
// callers: backend errors degrade to a miss on read and a no-op on write.
// A cache with no backend is a pass-through.
type TieredCache struct {
	backend Backend
	ttls    map[Tier]time.Duration
	logger  *zap.Logger
}

func NewTieredCache(backend Backend, ttls map[Tier]time.Duration, logger *zap.Logger) *TieredCache {
	merged := DefaultTTLs()
	for tier, ttl := range ttls {
		if ttl > 0 {
			merged[tier] = ttl
		}
	}
	if backend == nil {
		logger.Warn("Cache backend unavailable, running without cache")
	}
	return &TieredCache{
		backend: backend,
		ttls:    merged,
		logger:  logger,
	}
}

func (c *TieredCache) TTL(tier Tier) time.Duration {
	return c.ttls[tier]
}

// Get decodes the cached value into dest and reports whether it was a hit.
func (c *TieredCache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil || c.backend == nil {
		return false
	}
	tier := tierOf(key)

	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		metrics.CacheRequests.WithLabelValues(tier, "error").Inc()
		return false
	}
	if !ok {
		metrics.CacheRequests.WithLabelValues(tier, "miss").Inc()
		return false
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		c.logger.Warn("Cache entry undecodable, dropping", zap.String("key", key), zap.Error(err))
		metrics.CacheRequests.WithLabelValues(tier, "error").Inc()
		c.Invalidate(ctx, key)
		return false
	}

	metrics.CacheRequests.WithLabelValues(tier, "hit").Inc()
	return true
}

func (c *TieredCache) Set(ctx context.Context, key string, value any, tier Tier) {
	if c == nil || c.backend == nil {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("Cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}

	if err := c.backend.Set(ctx, key, data, c.ttls[tier]); err != nil {
		c.logger.Warn("Cache set failed, skipping", zap.String("key", key), zap.Error(err))
	}
}

func (c *TieredCache) Invalidate(ctx context.Context, key string) {
	if c == nil || c.backend == nil {
		return
	}
	if err := c.backend.Del(ctx, key); err != nil {
		c.logger.Warn("Cache delete failed", zap.String("key", key), zap.Error(err))
	}
}
