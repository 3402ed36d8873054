package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingBackend) Del(context.Context, string) error { return errors.New("connection refused") }

func TestKeys(t *testing.T) {
	assert.Equal(t, "outlier:channel:UC123", Key(TierChannel, "UC123"))

	a := HashKey(TierSearch, "toy unboxing", "1000-50000")
	b := HashKey(TierSearch, "toy unboxing", "1000-50000")
	c := HashKey(TierSearch, "toy unboxing", "1000-60000")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("outlier:search:")+40)
	assert.Equal(t, "search", tierOf(a))
}

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend().WithClock(func() time.Time { return now })
	c := NewTieredCache(backend, nil, zap.NewNop())
	ctx := context.Background()

	key := Key(TierChannel, "UC1")
	c.Set(ctx, key, domain.ChannelSummary{ID: "UC1", Name: "Kid Crafts", SubscriberCount: 42000}, TierChannel)

	var got domain.ChannelSummary
	require.True(t, c.Get(ctx, key, &got))
	assert.Equal(t, "Kid Crafts", got.Name)
	assert.Equal(t, int64(42000), got.SubscriberCount)

	now = now.Add(24*time.Hour - time.Second)
	assert.True(t, c.Get(ctx, key, &got))

	now = now.Add(time.Second)
	assert.False(t, c.Get(ctx, key, &got), "read at expiry is a miss")
	assert.Equal(t, 0, backend.Len())
}

func TestTierOverrides(t *testing.T) {
	c := NewTieredCache(NewMemoryBackend(), map[Tier]time.Duration{TierSearch: time.Minute}, zap.NewNop())
	assert.Equal(t, time.Minute, c.TTL(TierSearch))
	assert.Equal(t, 6*time.Hour, c.TTL(TierVideo))
}

func TestInvalidate(t *testing.T) {
	c := NewTieredCache(NewMemoryBackend(), nil, zap.NewNop())
	ctx := context.Background()
	key := Key(TierVideo, "UC1")

	c.Set(ctx, key, []string{"v1"}, TierVideo)
	c.Invalidate(ctx, key)

	var got []string
	assert.False(t, c.Get(ctx, key, &got))
}

func TestDegradedBackend(t *testing.T) {
	c := NewTieredCache(failingBackend{}, nil, zap.NewNop())
	ctx := context.Background()

	assert.NotPanics(t, func() {
		c.Set(ctx, Key(TierChannel, "UC1"), "x", TierChannel)
		c.Invalidate(ctx, Key(TierChannel, "UC1"))
	})
	var got string
	assert.False(t, c.Get(ctx, Key(TierChannel, "UC1"), &got))
}

func TestPassThrough(t *testing.T) {
	c := NewTieredCache(nil, nil, zap.NewNop())
	ctx := context.Background()
	c.Set(ctx, Key(TierChannel, "UC1"), "x", TierChannel)

	var got string
	assert.False(t, c.Get(ctx, Key(TierChannel, "UC1"), &got))

	var nilCache *TieredCache
	assert.False(t, nilCache.Get(ctx, "k", &got))
}

func TestCorruptEntryIsDropped(t *testing.T) {
	backend := NewMemoryBackend()
	c := NewTieredCache(backend, nil, zap.NewNop())
	ctx := context.Background()
	key := Key(TierChannel, "UC1")
	require.NoError(t, backend.Set(ctx, key, []byte("{not json"), time.Hour))

	var got domain.ChannelSummary
	assert.False(t, c.Get(ctx, key, &got))
	assert.Equal(t, 0, backend.Len())
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewTieredCache(NewRedisBackend(client), nil, zap.NewNop())
	ctx := context.Background()
	key := Key(TierSearch, "abc")

	c.Set(ctx, key, []string{"UC1", "UC2"}, TierSearch)
	assert.Equal(t, 2*time.Hour, mr.TTL(key))

	var got []string
	require.True(t, c.Get(ctx, key, &got))
	assert.Equal(t, []string{"UC1", "UC2"}, got)

	mr.FastForward(2 * time.Hour)
	assert.False(t, c.Get(ctx, key, &got))
}
