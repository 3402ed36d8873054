package domain

import "time"

// ChannelSummary is the subset of channel metadata the pipeline works with.
type ChannelSummary struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	SubscriberCount   int64     `json:"subscriber_count"`
	HiddenSubscribers bool      `json:"hidden_subscribers,omitempty"`
	VideoCount        int64     `json:"video_count"`
	ViewCount         int64     `json:"view_count"`
	UploadsPlaylistID string    `json:"uploads_playlist_id,omitempty"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// VideoSummary is the snapshot of one video's metadata and statistics.
type VideoSummary struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channel_id"`
	ChannelTitle string    `json:"channel_title"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Tags         []string  `json:"tags,omitempty"`
	ViewCount    int64     `json:"view_count"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	PublishedAt  time.Time `json:"published_at"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// SearchText is the text content-pattern rules run against.
func (v VideoSummary) SearchText() string {
	return v.Title + "\n" + v.Description
}

// Age returns how long the video had been public at now.
func (v VideoSummary) Age(now time.Time) time.Duration {
	if v.PublishedAt.IsZero() || now.Before(v.PublishedAt) {
		return 0
	}
	return now.Sub(v.PublishedAt)
}
