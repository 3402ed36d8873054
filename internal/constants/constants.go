package constants

import "time"

var CacheTTL = struct {
	ChannelInfo  time.Duration
	VideoData    time.Duration
	SearchResult time.Duration
}{
	ChannelInfo:  24 * time.Hour, // channel metadata changes slowly
	VideoData:    6 * time.Hour,  // view counts drift within hours
	SearchResult: 2 * time.Hour,
}

// Queue names.
const (
	QueueAnalysis      = "analysis"
	QueueBatch         = "batch"
	QueueMaintenance   = "maintenance"
	QueueNotifications = "notifications"
	QueueCleanup       = "cleanup"
)

// Job types dispatched by the queue manager.
const (
	JobTypeAnalysis      = "analysis.run"
	JobTypeAnalysisBatch = "analysis.batch"
	JobTypeNotify        = "analysis.notify"
	JobTypeQuotaReset    = "quota.reset"
	JobTypeCleanup       = "jobs.cleanup"
)

var QueueConcurrency = map[string]int{
	QueueAnalysis:      3,
	QueueBatch:         2,
	QueueMaintenance:   1,
	QueueNotifications: 5,
	QueueCleanup:       1,
}

// Operation types debited against the daily quota.
const (
	OpSearchChannels = "search_channels"
	OpChannelVideos  = "channel_videos"
	OpChannelInfo    = "channel_info"
)

// OperationCost is the quota cost of one logical operation in YouTube Data API units.
var OperationCost = map[string]int{
	OpSearchChannels: 101, // search.list (100) + channels.list for statistics (1)
	OpChannelVideos:  3,   // channels.list + playlistItems.list + videos.list
	OpChannelInfo:    1,
}

var Quota = struct {
	DailyBudget  int
	Timezone     string
	LowWatermark int
}{
	DailyBudget:  10000,
	Timezone:     "America/Los_Angeles",
	LowWatermark: 2000,
}

var RetryConfig = struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	CallRetries    int
	CallRetryDelay time.Duration
	CallTimeout    time.Duration
}{
	MaxAttempts:    3,
	BaseDelay:      30 * time.Second,
	Multiplier:     2,
	CallRetries:    2,
	CallRetryDelay: 500 * time.Millisecond,
	CallTimeout:    15 * time.Second,
}

var Pipeline = struct {
	FanOut           int
	MaxResults       int
	VideosPerChannel int64
	SearchResults    int64
}{
	FanOut:           3,
	MaxResults:       50,
	VideosPerChannel: 50,
	SearchResults:    25,
}

var Retention = struct {
	QueueHistory   int
	FinishedJobs   time.Duration
	ProgressBuffer int
}{
	QueueHistory:   500,
	FinishedJobs:   7 * 24 * time.Hour,
	ProgressBuffer: 256,
}
