package pipeline

import (
	"math"
	"time"

	"github.com/kapu/outlier-scout-go/internal/domain"
)

// ScoringStrategy supplies the recency and trend multipliers applied on top of
// the raw performance score.
type ScoringStrategy interface {
	Multipliers(video domain.VideoSummary, subscribers int64, window time.Duration, now time.Time) (recency, trend float64)
}

// LinearDecayStrategy decays recency linearly from 1.0 at publish time to Floor
// at the end of the window. Trend grows with daily views relative to the
// subscriber base and is capped at TrendCap.
type LinearDecayStrategy struct {
	Floor       float64
	TrendWeight float64
	TrendCap    float64
}

func DefaultScoringStrategy() LinearDecayStrategy {
	return LinearDecayStrategy{
		Floor:       0.5,
		TrendWeight: 0.1,
		TrendCap:    1.5,
	}
}

func (s LinearDecayStrategy) Multipliers(video domain.VideoSummary, subscribers int64, window time.Duration, now time.Time) (float64, float64) {
	age := video.Age(now)

	recency := 1.0
	if window > 0 {
		frac := math.Min(float64(age)/float64(window), 1)
		recency = 1 - (1-s.Floor)*frac
	}

	trend := 1.0
	if subscribers > 0 {
		days := math.Max(age.Hours()/24, 1)
		daily := float64(video.ViewCount) / days
		trend = 1 + s.TrendWeight*daily/float64(subscribers)
		if s.TrendCap > 0 {
			trend = math.Min(trend, s.TrendCap)
		}
	}

	return recency, trend
}

// scoreVideo snapshots the video and channel numbers into a result; every score
// on the result derives from the values stored next to it.
func scoreVideo(strategy ScoringStrategy, video domain.VideoSummary, channel domain.ChannelSummary, window time.Duration, now time.Time) domain.OutlierResult {
	recency, trend := strategy.Multipliers(video, channel.SubscriberCount, window, now)

	channelName := channel.Name
	if channelName == "" {
		channelName = video.ChannelTitle
	}

	return domain.OutlierResult{
		VideoID:           video.ID,
		Title:             video.Title,
		ChannelID:         channel.ID,
		ChannelName:       channelName,
		ViewCount:         video.ViewCount,
		SubscriberCount:   channel.SubscriberCount,
		PerformanceScore:  domain.PerformanceScore(video.ViewCount, channel.SubscriberCount),
		RecencyMultiplier: recency,
		TrendMultiplier:   trend,
		PublishedAt:       video.PublishedAt,
	}
}
