package quota

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisLedger(t *testing.T, cfg Config) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLedger(client, cfg, zap.NewNop()), mr
}

func ledgers(t *testing.T, cfg Config) map[string]Ledger {
	redisLedger, _ := newRedisLedger(t, cfg)
	return map[string]Ledger{
		"memory": NewMemoryLedger(cfg, zap.NewNop()),
		"redis":  redisLedger,
	}
}

func TestReserveNeverOverspends(t *testing.T) {
	cfg := Config{DailyBudget: 1000, Location: time.UTC}
	cost := constants.OperationCost[constants.OpSearchChannels]

	for name, ledger := range ledgers(t, cfg) {
		t.Run(name, func(t *testing.T) {
			var granted atomic.Int64
			var wg conc.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Go(func() {
					ok, err := ledger.Reserve(context.Background(), constants.OpSearchChannels, cost)
					assert.NoError(t, err)
					if ok {
						granted.Add(1)
					}
				})
			}
			wg.Wait()

			assert.Equal(t, int64(cfg.DailyBudget/cost), granted.Load())

			status, err := ledger.Status(context.Background())
			require.NoError(t, err)
			assert.LessOrEqual(t, status.Consumed, cfg.DailyBudget)
			assert.Equal(t, status.Budget-status.Consumed, status.Remaining)
			assert.Equal(t, status.Consumed, status.ByOperation[constants.OpSearchChannels])
		})
	}
}

func TestReserveRejectsWhenBudgetIsZero(t *testing.T) {
	cfg := Config{DailyBudget: 0, Location: time.UTC}

	for name, ledger := range ledgers(t, cfg) {
		t.Run(name, func(t *testing.T) {
			ok, err := ledger.Reserve(context.Background(), constants.OpChannelInfo, 1)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = ledger.Reserve(context.Background(), constants.OpChannelInfo, 0)
			require.NoError(t, err)
			assert.True(t, ok, "zero-cost calls always fit")
		})
	}
}

func TestReserveExactFit(t *testing.T) {
	cfg := Config{DailyBudget: 104, Location: time.UTC}

	for name, ledger := range ledgers(t, cfg) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, _ := ledger.Reserve(ctx, constants.OpSearchChannels, 101)
			assert.True(t, ok)
			ok, _ = ledger.Reserve(ctx, constants.OpChannelVideos, 3)
			assert.True(t, ok)
			ok, _ = ledger.Reserve(ctx, constants.OpChannelInfo, 1)
			assert.False(t, ok)

			status, err := ledger.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, status.Remaining)
			assert.Equal(t, 3, status.ByOperation[constants.OpChannelVideos])
		})
	}
}

func TestMemoryLedgerResetsAtPeriodBoundary(t *testing.T) {
	loc := time.FixedZone("PT", -7*3600)
	now := time.Date(2026, 10, 18, 23, 0, 0, 0, loc)
	ledger := NewMemoryLedger(Config{DailyBudget: 10, Location: loc}, zap.NewNop(),
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ok, _ := ledger.Reserve(ctx, constants.OpChannelInfo, 10)
	require.True(t, ok)
	ok, _ = ledger.Reserve(ctx, constants.OpChannelInfo, 1)
	assert.False(t, ok)

	reset, err := ledger.ResetIfDue(ctx)
	require.NoError(t, err)
	assert.False(t, reset)

	now = now.Add(2 * time.Hour)
	reset, err = ledger.ResetIfDue(ctx)
	require.NoError(t, err)
	assert.True(t, reset)

	reset, _ = ledger.ResetIfDue(ctx)
	assert.False(t, reset, "second reset in the same period is a no-op")

	status, err := ledger.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Consumed)
	assert.Equal(t, time.Date(2026, 10, 20, 0, 0, 0, 0, loc), status.ResetAt)

	ok, _ = ledger.Reserve(ctx, constants.OpChannelInfo, 1)
	assert.True(t, ok)
}

func TestRedisLedgerUsesPeriodKeys(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	ledger, mr := newRedisLedger(t, Config{DailyBudget: 5, Location: time.UTC})
	ledger.WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := ledger.Reserve(ctx, constants.OpChannelVideos, 3)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := mr.Get("outlier:quota:2026-10-18:consumed")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
	assert.Equal(t, "3", mr.HGet("outlier:quota:2026-10-18:ops", constants.OpChannelVideos))

	now = now.Add(24 * time.Hour)
	reset, err := ledger.ResetIfDue(ctx)
	require.NoError(t, err)
	assert.True(t, reset)

	status, err := ledger.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Consumed)
	assert.Equal(t, 5, status.Remaining)
}

func TestRedisLedgerClockSwapDuringReservations(t *testing.T) {
	ledger, mr := newRedisLedger(t, Config{DailyBudget: 1000, Location: time.UTC})
	ctx := context.Background()
	day := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	var wg conc.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Go(func() {
			for j := 0; j < 25; j++ {
				_, err := ledger.Reserve(ctx, constants.OpChannelInfo, 1)
				assert.NoError(t, err)
				_, err = ledger.Status(ctx)
				assert.NoError(t, err)
			}
		})
	}
	wg.Go(func() {
		for j := 0; j < 25; j++ {
			ledger.WithClock(func() time.Time { return day })
		}
	})
	wg.Wait()

	// every reservation lands in exactly one period
	total := 0
	for _, key := range mr.Keys() {
		if strings.HasSuffix(key, ":consumed") {
			got, err := mr.Get(key)
			require.NoError(t, err)
			n, err := strconv.Atoi(got)
			require.NoError(t, err)
			total += n
		}
	}
	assert.Equal(t, 100, total)

	ledger.WithClock(func() time.Time { return day.Add(24 * time.Hour) })
	ok, err := ledger.Reserve(ctx, constants.OpChannelInfo, 1)
	require.NoError(t, err)
	require.True(t, ok)
	reset, err := ledger.ResetIfDue(ctx)
	require.NoError(t, err)
	assert.False(t, reset, "swapping the clock starts the new period")
	assert.Equal(t, "1", mr.HGet("outlier:quota:2026-10-19:ops", constants.OpChannelInfo))
}

func TestRedisLedgerBackendFailure(t *testing.T) {
	ledger, mr := newRedisLedger(t, Config{DailyBudget: 5, Location: time.UTC})
	mr.Close()

	ok, err := ledger.Reserve(context.Background(), constants.OpChannelInfo, 1)
	assert.Error(t, err)
	assert.False(t, ok)
}
