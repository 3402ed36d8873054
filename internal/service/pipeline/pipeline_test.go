package pipeline

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	search    map[string][]domain.ChannelSummary
	videos    map[string][]domain.VideoSummary
	searchErr error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeSource) SearchChannels(_ context.Context, query string, rng domain.SubscriberRange) ([]domain.ChannelSummary, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []domain.ChannelSummary
	for _, ch := range f.search[query] {
		if rng.Contains(ch.SubscriberCount) {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *fakeSource) GetChannelVideos(_ context.Context, channelID string, since time.Time) ([]domain.VideoSummary, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	var out []domain.VideoSummary
	for _, v := range f.videos[channelID] {
		if !v.PublishedAt.Before(since) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeSource) GetChannelInfo(_ context.Context, channelID string) (*domain.ChannelSummary, error) {
	for _, channels := range f.search {
		for _, ch := range channels {
			if ch.ID == channelID {
				ch := ch
				return &ch, nil
			}
		}
	}
	return nil, nil
}

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.AnalysisJob
}

func newFakeStore(jobs ...*domain.AnalysisJob) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*domain.AnalysisJob)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) GetJob(_ context.Context, id string) (*domain.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, stderrors.New("not found")
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) UpdateJob(_ context.Context, id string, update domain.JobUpdate) (*domain.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, stderrors.New("not found")
	}
	update.Apply(job)
	cp := *job
	return &cp, nil
}

func (s *fakeStore) requestCancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].CancelRequested = true
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []domain.ProgressEvent
	onEvent func(domain.ProgressEvent)
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event domain.ProgressEvent) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	hook := p.onEvent
	p.mu.Unlock()
	if hook != nil {
		hook(event)
	}
	return nil
}

func baseConfig() domain.AnalysisConfig {
	return domain.AnalysisConfig{
		SearchQueries:     []string{"kids crafts"},
		SubscriberRange:   domain.SubscriberRange{Min: 1000, Max: 500_000},
		TimeWindowDays:    30,
		OutlierThreshold:  20,
		BrandFitThreshold: 0,
	}
}

func run(t *testing.T, source DataSource, cfg domain.AnalysisConfig, pub *recordingPublisher) ([]domain.OutlierResult, *fakeStore, error) {
	t.Helper()
	job := &domain.AnalysisJob{ID: "an-1", Status: domain.JobStatusRunning, Config: cfg}
	store := newFakeStore(job)
	rules, err := CompileRules(cfg)
	require.NoError(t, err)

	o := NewOrchestrator(source, store, pub, zap.NewNop(), WithClock(func() time.Time { return testNow }))
	results, err := o.Run(context.Background(), job, rules)
	return results, store, err
}

func TestEmptyDiscoveryCompletes(t *testing.T) {
	pub := &recordingPublisher{}
	results, store, err := run(t, &fakeSource{}, baseConfig(), pub)

	require.NoError(t, err)
	assert.Empty(t, results)

	require.Len(t, pub.events, domain.StageCount)
	for i, ev := range pub.events {
		assert.Equal(t, domain.Stage(i+1), ev.Stage)
		if i > 0 {
			assert.GreaterOrEqual(t, ev.Percentage, pub.events[i-1].Percentage)
		}
	}
	assert.Equal(t, 100.0, pub.events[len(pub.events)-1].Percentage)

	job, _ := store.GetJob(context.Background(), "an-1")
	assert.Equal(t, domain.StageAggregation, job.Stage)
	assert.Equal(t, 100.0, job.Progress)
}

func TestOutlierSurvivesThreshold(t *testing.T) {
	source := &fakeSource{
		search: map[string][]domain.ChannelSummary{
			"kids crafts": {{ID: "UC1", Name: "Craft Corner", SubscriberCount: 100_000}},
		},
		videos: map[string][]domain.VideoSummary{
			"UC1": {
				{ID: "hit", ChannelID: "UC1", Title: "Giant slime", ViewCount: 600_000, PublishedAt: testNow.Add(-48 * time.Hour)},
				{ID: "flop", ChannelID: "UC1", Title: "Quiet vlog", ViewCount: 1_000, PublishedAt: testNow.Add(-48 * time.Hour)},
			},
		},
	}

	results, _, err := run(t, source, baseConfig(), &recordingPublisher{})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "hit", results[0].VideoID)
	assert.Equal(t, 600.0, results[0].PerformanceScore)
	assert.Equal(t, int64(100_000), results[0].SubscriberCount)
	assert.Equal(t, "Craft Corner", results[0].ChannelName)
	assert.Greater(t, results[0].AdjustedScore(), 20.0)
}

func TestCancelStopsAtStageBoundary(t *testing.T) {
	pub := &recordingPublisher{}
	var store *fakeStore
	pub.onEvent = func(ev domain.ProgressEvent) {
		if ev.Stage == domain.StageChannelDiscovery {
			store.requestCancel("an-1")
		}
	}

	cfg := baseConfig()
	job := &domain.AnalysisJob{ID: "an-1", Status: domain.JobStatusRunning, Config: cfg}
	store = newFakeStore(job)
	rules, err := CompileRules(cfg)
	require.NoError(t, err)
	o := NewOrchestrator(&fakeSource{}, store, pub, zap.NewNop())

	_, err = o.Run(context.Background(), job, rules)

	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	require.Len(t, pub.events, 2)

	var stageErr *errors.StageError
	require.True(t, stderrors.As(err, &stageErr))
	assert.Equal(t, int(domain.StageChannelDiscovery), stageErr.Stage)
}

func TestCancelBeforeFirstStage(t *testing.T) {
	cfg := baseConfig()
	job := &domain.AnalysisJob{ID: "an-1", Config: cfg, CancelRequested: true}
	store := newFakeStore(job)
	rules, _ := CompileRules(cfg)
	pub := &recordingPublisher{}

	_, err := NewOrchestrator(&fakeSource{}, store, pub, zap.NewNop()).Run(context.Background(), job, rules)

	assert.True(t, errors.IsCancelled(err))
	assert.Empty(t, pub.events)
}

func TestStageErrorRecordsStage(t *testing.T) {
	source := &fakeSource{
		searchErr: errors.NewQuotaExhaustedError("search_channels", 101, 0, testNow),
	}
	pub := &recordingPublisher{}

	_, _, err := run(t, source, baseConfig(), pub)

	require.Error(t, err)
	var stageErr *errors.StageError
	require.True(t, stderrors.As(err, &stageErr))
	assert.Equal(t, int(domain.StageChannelDiscovery), stageErr.Stage)
	assert.Equal(t, errors.KindQuotaExhausted, stageErr.Kind)
	assert.False(t, errors.IsRetryable(err))
	assert.Len(t, pub.events, 1, "only stage 1 completed")
}

func TestExclusionChannelsAndContent(t *testing.T) {
	source := &fakeSource{
		search: map[string][]domain.ChannelSummary{
			"kids crafts": {
				{ID: "UC-rival", SubscriberCount: 50_000},
				{ID: "UC1", SubscriberCount: 10_000},
			},
			"slime": {
				{ID: "UC1", SubscriberCount: 10_000},
			},
		},
		videos: map[string][]domain.VideoSummary{
			"UC-rival": {{ID: "r1", Title: "Playing Minecraft again", PublishedAt: testNow.Add(-time.Hour)}},
			"UC1": {
				{ID: "v1", Title: "MINECRAFT castle", ViewCount: 50_000, PublishedAt: testNow.Add(-time.Hour)},
				{ID: "v2", Title: "Roblox obby", ViewCount: 50_000, PublishedAt: testNow.Add(-time.Hour)},
			},
		},
	}
	cfg := baseConfig()
	cfg.SearchQueries = []string{"kids crafts", "slime"}
	cfg.ExclusionChannelIDs = []string{"UC-rival"}
	cfg.ExclusionPatterns = []domain.ContentPattern{{Pattern: `\b(minecraft|fortnite)\b`, Flags: "gi"}}

	results, _, err := run(t, source, cfg, &recordingPublisher{})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v2", results[0].VideoID)
	assert.Equal(t, "UC1", results[0].ChannelID)
}

func TestFanOutIsBounded(t *testing.T) {
	source := &fakeSource{search: map[string][]domain.ChannelSummary{}, videos: map[string][]domain.VideoSummary{}}
	var channels []domain.ChannelSummary
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		channels = append(channels, domain.ChannelSummary{ID: id, SubscriberCount: 5000})
	}
	source.search["kids crafts"] = channels

	cfg := baseConfig()
	job := &domain.AnalysisJob{ID: "an-1", Config: cfg}
	rules, _ := CompileRules(cfg)
	o := NewOrchestrator(source, newFakeStore(job), &recordingPublisher{}, zap.NewNop(), WithFanOut(2))

	_, err := o.Run(context.Background(), job, rules)

	require.NoError(t, err)
	assert.LessOrEqual(t, source.maxInFlight.Load(), int32(2))
	assert.Greater(t, source.maxInFlight.Load(), int32(0))
}

func TestRankingAndCap(t *testing.T) {
	results := []domain.OutlierResult{
		{VideoID: "b", ViewCount: 10, PerformanceScore: 50, RecencyMultiplier: 1, TrendMultiplier: 1},
		{VideoID: "a", ViewCount: 10, PerformanceScore: 50, RecencyMultiplier: 1, TrendMultiplier: 1},
		{VideoID: "c", ViewCount: 99, PerformanceScore: 50, RecencyMultiplier: 1, TrendMultiplier: 1},
		{VideoID: "d", ViewCount: 1, PerformanceScore: 90, RecencyMultiplier: 1, TrendMultiplier: 1},
	}
	rankResults(results)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.VideoID
	}
	assert.Equal(t, []string{"d", "c", "a", "b"}, ids)
}

func TestCompileRules(t *testing.T) {
	a, err := CompileRules(baseConfig())
	require.NoError(t, err)
	b, err := CompileRules(baseConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())
	assert.Equal(t, 50, a.MaxResults())

	changed := baseConfig()
	changed.OutlierThreshold = 30
	c, err := CompileRules(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a.Version(), c.Version())

	bad := baseConfig()
	bad.ExclusionPatterns = []domain.ContentPattern{{Pattern: "(unclosed"}}
	_, err = CompileRules(bad)
	assert.True(t, errors.IsValidation(err))
}

func TestRulesSnapshotIsolatedFromConfig(t *testing.T) {
	cfg := baseConfig()
	rules, err := CompileRules(cfg)
	require.NoError(t, err)

	cfg.SearchQueries[0] = "something else"
	assert.Equal(t, []string{"kids crafts"}, rules.searchQueries)
}
