package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kapu/outlier-scout-go/pkg/errors"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type SubscriberRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func (r SubscriberRange) Contains(subscribers int64) bool {
	return subscribers >= r.Min && subscribers <= r.Max
}

// ContentPattern is a regular expression with JavaScript-style flags ("i", "m", "s").
type ContentPattern struct {
	Pattern string `json:"pattern"`
	Flags   string `json:"flags,omitempty"`
}

// Compile translates the flags into inline Go regexp flags. The "g" and "u"
// flags carry no meaning for Go matching and are accepted silently.
func (p ContentPattern) Compile() (*regexp.Regexp, error) {
	var inline strings.Builder
	for _, f := range p.Flags {
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		case 'g', 'u':
		default:
			return nil, fmt.Errorf("unsupported pattern flag %q", f)
		}
	}

	expr := p.Pattern
	if inline.Len() > 0 {
		expr = "(?" + inline.String() + ")" + expr
	}
	return regexp.Compile(expr)
}

// BrandCriteria describes the tone and audience a sponsor is looking for.
type BrandCriteria struct {
	BrandKeywords          []string         `json:"brand_keywords,omitempty"`
	FamilyFriendlyKeywords []string         `json:"family_friendly_keywords,omitempty"`
	HighEnergyKeywords     []string         `json:"high_energy_keywords,omitempty"`
	NegativeKeywords       []string         `json:"negative_keywords,omitempty"`
	Patterns               []ContentPattern `json:"patterns,omitempty"`
}

// AnalysisConfig is the immutable input of one analysis run.
type AnalysisConfig struct {
	ExclusionChannelIDs []string         `json:"exclusion_channel_ids"`
	SearchQueries       []string         `json:"search_queries"`
	SubscriberRange     SubscriberRange  `json:"subscriber_range"`
	TimeWindowDays      int              `json:"time_window_days"`
	OutlierThreshold    float64          `json:"outlier_threshold"`
	BrandFitThreshold   float64          `json:"brand_fit_threshold"`
	ExclusionPatterns   []ContentPattern `json:"exclusion_patterns,omitempty"`
	BrandCriteria       BrandCriteria    `json:"brand_criteria"`
	MaxResults          int              `json:"max_results,omitempty"`
}

func (c AnalysisConfig) TimeWindow() time.Duration {
	return time.Duration(c.TimeWindowDays) * 24 * time.Hour
}

// Validate rejects configurations that must never become a queued job.
func (c AnalysisConfig) Validate() error {
	if c.SubscriberRange.Min < 0 {
		return errors.NewValidationError("subscriber range minimum must not be negative", "subscriber_range.min", c.SubscriberRange.Min)
	}
	if c.SubscriberRange.Min > c.SubscriberRange.Max {
		return errors.NewValidationError("subscriber range minimum exceeds maximum", "subscriber_range", c.SubscriberRange)
	}
	if c.TimeWindowDays <= 0 {
		return errors.NewValidationError("time window must be positive", "time_window_days", c.TimeWindowDays)
	}
	if c.OutlierThreshold < 0 {
		return errors.NewValidationError("outlier threshold must not be negative", "outlier_threshold", c.OutlierThreshold)
	}
	if c.BrandFitThreshold < 0 || c.BrandFitThreshold > MaxBrandFitScore {
		return errors.NewValidationError("brand fit threshold must be within [0,10]", "brand_fit_threshold", c.BrandFitThreshold)
	}
	if c.MaxResults < 0 {
		return errors.NewValidationError("max results must not be negative", "max_results", c.MaxResults)
	}
	for i, q := range c.SearchQueries {
		if strings.TrimSpace(q) == "" {
			return errors.NewValidationError("search query must not be blank", fmt.Sprintf("search_queries[%d]", i), q)
		}
	}
	for i, p := range c.ExclusionPatterns {
		if _, err := p.Compile(); err != nil {
			return errors.NewValidationError(err.Error(), fmt.Sprintf("exclusion_patterns[%d]", i), p.Pattern)
		}
	}
	for i, p := range c.BrandCriteria.Patterns {
		if _, err := p.Compile(); err != nil {
			return errors.NewValidationError(err.Error(), fmt.Sprintf("brand_criteria.patterns[%d]", i), p.Pattern)
		}
	}
	return nil
}

// ErrorDetail is recorded on a job that ended in the failed state.
type ErrorDetail struct {
	Stage      Stage       `json:"stage"`
	StageLabel string      `json:"stage_label,omitempty"`
	Kind       errors.Kind `json:"kind"`
	Message    string      `json:"message"`
	Attempt    int         `json:"attempt"`
}

// AnalysisJob is the system-of-record view of one analysis.
type AnalysisJob struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Config          AnalysisConfig  `json:"config"`
	Status          JobStatus       `json:"status"`
	Stage           Stage           `json:"stage"`
	Progress        float64         `json:"progress"`
	Results         []OutlierResult `json:"results"`
	Error           *ErrorDetail    `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	QueueJobID      string          `json:"queue_job_id,omitempty"`
	Attempts        int             `json:"attempts"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// JobUpdate is a partial update; nil fields are left untouched.
type JobUpdate struct {
	Status          *JobStatus
	Stage           *Stage
	Progress        *float64
	Results         []OutlierResult
	SetResults      bool
	Error           *ErrorDetail
	ClearError      bool
	CancelRequested *bool
	QueueJobID      *string
	Attempts        *int
	StartedAt       *time.Time
	CompletedAt     *time.Time
	// Reset is only set by a manual retry; it is the one update allowed on a terminal job.
	Reset bool
	// Owner, when set, makes the update conditional: it only applies while the
	// job is unassigned or assigned to this queue job.
	Owner *string
}

// Apply mutates job according to the update. Callers enforce terminal-state rules.
func (u JobUpdate) Apply(job *AnalysisJob) {
	if u.Reset {
		job.Status = JobStatusPending
		job.Stage = StageNone
		job.Progress = 0
		job.Results = nil
		job.Error = nil
		job.CancelRequested = false
		job.Attempts = 0
		job.StartedAt = nil
		job.CompletedAt = nil
	}
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.Stage != nil {
		job.Stage = *u.Stage
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.SetResults {
		job.Results = u.Results
	}
	if u.ClearError {
		job.Error = nil
	}
	if u.Error != nil {
		job.Error = u.Error
	}
	if u.CancelRequested != nil {
		job.CancelRequested = *u.CancelRequested
	}
	if u.QueueJobID != nil {
		job.QueueJobID = *u.QueueJobID
	}
	if u.Attempts != nil {
		job.Attempts = *u.Attempts
	}
	if u.StartedAt != nil {
		job.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		job.CompletedAt = u.CompletedAt
	}
}

// OutlierResult is a point-in-time fact: every score is derived from the
// snapshot values stored alongside it.
type OutlierResult struct {
	VideoID           string    `json:"video_id"`
	Title             string    `json:"title"`
	ChannelID         string    `json:"channel_id"`
	ChannelName       string    `json:"channel_name"`
	ViewCount         int64     `json:"view_count"`
	SubscriberCount   int64     `json:"subscriber_count"`
	PerformanceScore  float64   `json:"performance_score"`
	RecencyMultiplier float64   `json:"recency_multiplier"`
	TrendMultiplier   float64   `json:"trend_multiplier"`
	BrandFitScore     float64   `json:"brand_fit_score"`
	PublishedAt       time.Time `json:"published_at"`
}

// AdjustedScore is the performance score with recency and trend applied.
func (r OutlierResult) AdjustedScore() float64 {
	return r.PerformanceScore * r.RecencyMultiplier * r.TrendMultiplier
}

const MaxBrandFitScore = 10

// PerformanceScore is (views / subscribers) * 100. Channels with hidden or
// zero subscriber counts score 0.
func PerformanceScore(views, subscribers int64) float64 {
	if subscribers <= 0 {
		return 0
	}
	return float64(views) / float64(subscribers) * 100
}
