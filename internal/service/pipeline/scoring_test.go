package pipeline

import (
	"testing"
	"time"

	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestLinearDecayRecency(t *testing.T) {
	s := DefaultScoringStrategy()
	window := 30 * 24 * time.Hour

	fresh := domain.VideoSummary{PublishedAt: testNow}
	recency, trend := s.Multipliers(fresh, 0, window, testNow)
	assert.Equal(t, 1.0, recency)
	assert.Equal(t, 1.0, trend, "no subscribers means no trend signal")

	half := domain.VideoSummary{PublishedAt: testNow.Add(-window / 2)}
	recency, _ = s.Multipliers(half, 1000, window, testNow)
	assert.InDelta(t, 0.75, recency, 1e-9)

	old := domain.VideoSummary{PublishedAt: testNow.Add(-2 * window)}
	recency, _ = s.Multipliers(old, 1000, window, testNow)
	assert.Equal(t, 0.5, recency)
}

func TestLinearDecayTrend(t *testing.T) {
	s := DefaultScoringStrategy()
	window := 30 * 24 * time.Hour

	// 10 days, 10k views, 10k subs: 1000/day -> 1 + 0.1*0.1
	v := domain.VideoSummary{ViewCount: 10_000, PublishedAt: testNow.Add(-10 * 24 * time.Hour)}
	_, trend := s.Multipliers(v, 10_000, window, testNow)
	assert.InDelta(t, 1.01, trend, 1e-9)

	viral := domain.VideoSummary{ViewCount: 10_000_000, PublishedAt: testNow.Add(-time.Hour)}
	_, trend = s.Multipliers(viral, 1_000, window, testNow)
	assert.Equal(t, 1.5, trend)
}

func TestScoreVideoIsIdempotent(t *testing.T) {
	s := DefaultScoringStrategy()
	video := domain.VideoSummary{ID: "v", ViewCount: 600_000, PublishedAt: testNow.Add(-72 * time.Hour)}
	channel := domain.ChannelSummary{ID: "UC1", SubscriberCount: 100_000}

	first := scoreVideo(s, video, channel, 30*24*time.Hour, testNow)
	second := scoreVideo(s, video, channel, 30*24*time.Hour, testNow)

	assert.Equal(t, first, second)
	assert.Equal(t, 600.0, first.PerformanceScore)
}

func TestBrandFitScore(t *testing.T) {
	rules, err := CompileRules(domain.AnalysisConfig{
		SearchQueries:   []string{"q"},
		SubscriberRange: domain.SubscriberRange{Max: 1},
		TimeWindowDays:  1,
		BrandCriteria: domain.BrandCriteria{
			BrandKeywords:          []string{"LEGO", "building"},
			FamilyFriendlyKeywords: []string{"family"},
			HighEnergyKeywords:     []string{"epic"},
			NegativeKeywords:       []string{"horror"},
			Patterns:               []domain.ContentPattern{{Pattern: `\bkids?\b`, Flags: "i"}},
		},
	})
	assert.NoError(t, err)

	tests := []struct {
		name  string
		video domain.VideoSummary
		want  float64
	}{
		{name: "nothing", video: domain.VideoSummary{Title: "a vlog"}, want: 0},
		{name: "brand once", video: domain.VideoSummary{Title: "Lego lego LEGO"}, want: 2},
		{
			name:  "everything",
			video: domain.VideoSummary{Title: "Epic LEGO building", Description: "family fun for Kids"},
			want:  7,
		},
		{name: "tags count", video: domain.VideoSummary{Title: "x", Tags: []string{"building"}}, want: 2},
		{name: "negative floors at zero", video: domain.VideoSummary{Title: "lego horror"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, brandFitScore(rules.brand, tt.video))
		})
	}
}

func TestBrandFitCapsAtTen(t *testing.T) {
	rules, err := CompileRules(domain.AnalysisConfig{
		SearchQueries:   []string{"q"},
		SubscriberRange: domain.SubscriberRange{Max: 1},
		TimeWindowDays:  1,
		BrandCriteria: domain.BrandCriteria{
			BrandKeywords: []string{"a1", "a2", "a3", "a4", "a5", "a6"},
		},
	})
	assert.NoError(t, err)

	v := domain.VideoSummary{Title: "a1 a2 a3 a4 a5 a6"}
	assert.Equal(t, 10.0, brandFitScore(rules.brand, v))
}
