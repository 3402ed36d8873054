package youtube

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/cache"
	"github.com/kapu/outlier-scout-go/internal/service/quota"
	"github.com/kapu/outlier-scout-go/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
)

type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string]int
	errs     []error
	channels []domain.ChannelSummary
	videos   []domain.VideoSummary
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{calls: make(map[string]int)}
}

func (f *fakeAPI) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) SearchChannels(_ context.Context, _ string, _ int64) ([]domain.ChannelSummary, error) {
	if err := f.next(constants.OpSearchChannels); err != nil {
		return nil, err
	}
	return f.channels, nil
}

func (f *fakeAPI) ChannelVideos(_ context.Context, _ string, _ int64) ([]domain.VideoSummary, error) {
	if err := f.next(constants.OpChannelVideos); err != nil {
		return nil, err
	}
	return f.videos, nil
}

func (f *fakeAPI) ChannelInfo(_ context.Context, channelID string) (*domain.ChannelSummary, error) {
	if err := f.next(constants.OpChannelInfo); err != nil {
		return nil, err
	}
	for _, ch := range f.channels {
		if ch.ID == channelID {
			ch := ch
			return &ch, nil
		}
	}
	return nil, nil
}

type brokenLedger struct{}

func (brokenLedger) Reserve(context.Context, string, int) (bool, error) {
	return false, stderrors.New("redis down")
}
func (brokenLedger) ResetIfDue(context.Context) (bool, error) { return false, nil }
func (brokenLedger) Status(context.Context) (quota.Status, error) {
	return quota.Status{}, stderrors.New("redis down")
}

func testConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.CallRetries = 0
	cfg.CallRetryDelay = time.Millisecond
	cfg.BreakerThreshold = 0
	return cfg
}

func newTestClient(api PlatformAPI, budget int, cfg ClientConfig) (*Client, *quota.MemoryLedger) {
	ledger := quota.NewMemoryLedger(quota.Config{DailyBudget: budget, Location: time.UTC}, zap.NewNop())
	tiered := cache.NewTieredCache(cache.NewMemoryBackend(), nil, zap.NewNop())
	return NewClient(api, ledger, tiered, cfg, zap.NewNop()), ledger
}

func consumed(t *testing.T, ledger quota.Ledger) int {
	t.Helper()
	status, err := ledger.Status(context.Background())
	require.NoError(t, err)
	return status.Consumed
}

func TestCacheHitSparesQuota(t *testing.T) {
	api := newFakeAPI()
	api.channels = []domain.ChannelSummary{{ID: "UC1", Name: "One", SubscriberCount: 5000}}
	client, ledger := newTestClient(api, 100, testConfig())
	ctx := context.Background()

	first, err := client.GetChannelInfo(ctx, "UC1")
	require.NoError(t, err)
	second, err := client.GetChannelInfo(ctx, "UC1")
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, 1, api.count(constants.OpChannelInfo))
	assert.Equal(t, 1, consumed(t, ledger))
}

func TestQuotaExhaustedSkipsCall(t *testing.T) {
	api := newFakeAPI()
	client, ledger := newTestClient(api, 100, testConfig())

	_, err := client.SearchChannels(context.Background(), "crafts", domain.SubscriberRange{Min: 0, Max: 1_000_000})

	require.Error(t, err)
	assert.True(t, errors.IsQuotaExhausted(err))
	assert.False(t, errors.IsRetryable(err))
	assert.Equal(t, 0, api.count(constants.OpSearchChannels))
	assert.Equal(t, 0, consumed(t, ledger))

	var quotaErr *errors.QuotaExhaustedError
	require.True(t, stderrors.As(err, &quotaErr))
	assert.Equal(t, 101, quotaErr.Requested)
	assert.Equal(t, 100, quotaErr.Remaining)
}

func TestTransientFailureRetriedWithinCall(t *testing.T) {
	api := newFakeAPI()
	api.errs = []error{&googleapi.Error{Code: http.StatusServiceUnavailable}}
	api.channels = []domain.ChannelSummary{{ID: "UC1"}}
	cfg := testConfig()
	cfg.CallRetries = 1
	client, ledger := newTestClient(api, 100, cfg)

	info, err := client.GetChannelInfo(context.Background(), "UC1")

	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 2, api.count(constants.OpChannelInfo))
	assert.Equal(t, 2, consumed(t, ledger), "each attempt reserves quota")
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind errors.Kind
	}{
		{
			name: "platform quota",
			err: &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{
				{Reason: "quotaExceeded"},
			}},
			kind: errors.KindQuotaExhausted,
		},
		{name: "forbidden", err: &googleapi.Error{Code: http.StatusForbidden}, kind: errors.KindFailed},
		{name: "not found", err: &googleapi.Error{Code: http.StatusNotFound}, kind: errors.KindFailed},
		{name: "throttled", err: &googleapi.Error{Code: http.StatusTooManyRequests}, kind: errors.KindTransient},
		{name: "server", err: &googleapi.Error{Code: http.StatusBadGateway}, kind: errors.KindTransient},
		{name: "timeout", err: context.DeadlineExceeded, kind: errors.KindTransient},
		{name: "network", err: stderrors.New("connection reset by peer"), kind: errors.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.errs = []error{tt.err}
			client, _ := newTestClient(api, 100, testConfig())

			_, err := client.GetChannelInfo(context.Background(), "UC1")
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.Classify(err))
		})
	}
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	api := newFakeAPI()
	api.errs = []error{&googleapi.Error{Code: http.StatusBadRequest}}
	cfg := testConfig()
	cfg.CallRetries = 2
	client, _ := newTestClient(api, 100, cfg)

	_, err := client.GetChannelInfo(context.Background(), "UC1")

	require.Error(t, err)
	assert.Equal(t, 1, api.count(constants.OpChannelInfo))
}

func TestLedgerFailureIsTransient(t *testing.T) {
	api := newFakeAPI()
	tiered := cache.NewTieredCache(nil, nil, zap.NewNop())
	client := NewClient(api, brokenLedger{}, tiered, testConfig(), zap.NewNop())

	_, err := client.GetChannelInfo(context.Background(), "UC1")

	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 0, api.count(constants.OpChannelInfo), "no unreserved calls")
}

func TestSearchFiltersSubscriberRange(t *testing.T) {
	api := newFakeAPI()
	api.channels = []domain.ChannelSummary{
		{ID: "UC-small", SubscriberCount: 500},
		{ID: "UC-mid", SubscriberCount: 20_000},
		{ID: "UC-hidden", SubscriberCount: 20_000, HiddenSubscribers: true},
		{ID: "UC-big", SubscriberCount: 2_000_000},
	}
	client, _ := newTestClient(api, 1000, testConfig())
	ctx := context.Background()

	got, err := client.SearchChannels(ctx, "crafts", domain.SubscriberRange{Min: 1000, Max: 100_000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "UC-mid", got[0].ID)

	wide, err := client.SearchChannels(ctx, "Crafts ", domain.SubscriberRange{Min: 0, Max: 10_000_000})
	require.NoError(t, err)
	assert.Len(t, wide, 3)
	assert.Equal(t, 1, api.count(constants.OpSearchChannels), "normalized query shares the cache entry")
}

func TestChannelVideosSince(t *testing.T) {
	now := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	api.videos = []domain.VideoSummary{
		{ID: "old", PublishedAt: now.AddDate(0, 0, -40)},
		{ID: "new", PublishedAt: now.AddDate(0, 0, -3)},
	}
	client, ledger := newTestClient(api, 100, testConfig())

	got, err := client.GetChannelVideos(context.Background(), "UC1", now.AddDate(0, 0, -30))

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, 3, consumed(t, ledger))
}

func TestBreakerShortCircuitsWithoutQuota(t *testing.T) {
	api := newFakeAPI()
	api.errs = []error{&googleapi.Error{Code: http.StatusInternalServerError}}
	cfg := testConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerReset = time.Hour
	client, ledger := newTestClient(api, 100, cfg)
	ctx := context.Background()

	_, err := client.GetChannelInfo(ctx, "UC1")
	require.Error(t, err)

	_, err = client.GetChannelInfo(ctx, "UC1")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 1, api.count(constants.OpChannelInfo))
	assert.Equal(t, 1, consumed(t, ledger))
}
