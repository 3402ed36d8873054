package youtube

import (
	"context"
	"fmt"
	"time"

	"github.com/kapu/outlier-scout-go/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// PlatformAPI is the raw video platform surface. Implementations do no caching
// and no quota accounting; Client layers both on top.
type PlatformAPI interface {
	SearchChannels(ctx context.Context, query string, maxResults int64) ([]domain.ChannelSummary, error)
	ChannelVideos(ctx context.Context, channelID string, maxResults int64) ([]domain.VideoSummary, error)
	ChannelInfo(ctx context.Context, channelID string) (*domain.ChannelSummary, error)
}

// Credentials selects how the Data API is authenticated. An OAuth access
// token wins over an API key when both are set.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// DataAPI talks to YouTube Data API v3.
type DataAPI struct {
	service *youtube.Service
	logger  *zap.Logger
	now     func() time.Time
}

func NewDataAPI(ctx context.Context, creds Credentials, logger *zap.Logger, opts ...option.ClientOption) (*DataAPI, error) {
	switch {
	case creds.AccessToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"})
		opts = append(opts, option.WithTokenSource(ts))
	case creds.APIKey != "":
		opts = append(opts, option.WithAPIKey(creds.APIKey))
	default:
		return nil, fmt.Errorf("YouTube API key or access token is required")
	}

	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube service: %w", err)
	}

	logger.Info("YouTube Data API initialized",
		zap.Bool("oauth", creds.AccessToken != ""))

	return &DataAPI{
		service: service,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SearchChannels runs search.list for channels, then one channels.list call for
// their statistics.
func (a *DataAPI) SearchChannels(ctx context.Context, query string, maxResults int64) ([]domain.ChannelSummary, error) {
	response, err := a.service.Search.List([]string{"snippet"}).
		Q(query).
		Type("channel").
		MaxResults(maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(response.Items))
	for _, item := range response.Items {
		if item.Id != nil && item.Id.ChannelId != "" {
			ids = append(ids, item.Id.ChannelId)
		}
	}
	if len(ids) == 0 {
		return []domain.ChannelSummary{}, nil
	}

	channels, err := a.listChannels(ctx, ids)
	if err != nil {
		return nil, err
	}

	// keep search relevance order
	byID := make(map[string]domain.ChannelSummary, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}
	out := make([]domain.ChannelSummary, 0, len(ids))
	for _, id := range ids {
		if ch, ok := byID[id]; ok {
			out = append(out, ch)
		}
	}

	a.logger.Debug("Channel search completed",
		zap.String("query", query),
		zap.Int("channels", len(out)))

	return out, nil
}

func (a *DataAPI) ChannelInfo(ctx context.Context, channelID string) (*domain.ChannelSummary, error) {
	channels, err := a.listChannels(ctx, []string{channelID})
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	return &channels[0], nil
}

// ChannelVideos reads the channel's uploads playlist and hydrates the entries
// with videos.list statistics.
func (a *DataAPI) ChannelVideos(ctx context.Context, channelID string, maxResults int64) ([]domain.VideoSummary, error) {
	channels, err := a.listChannels(ctx, []string{channelID})
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 || channels[0].UploadsPlaylistID == "" {
		return []domain.VideoSummary{}, nil
	}

	items, err := a.service.PlaylistItems.List([]string{"contentDetails"}).
		PlaylistId(channels[0].UploadsPlaylistID).
		MaxResults(maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(items.Items))
	for _, item := range items.Items {
		if item.ContentDetails != nil && item.ContentDetails.VideoId != "" {
			ids = append(ids, item.ContentDetails.VideoId)
		}
	}
	if len(ids) == 0 {
		return []domain.VideoSummary{}, nil
	}

	response, err := a.service.Videos.List([]string{"snippet", "statistics"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}

	fetchedAt := a.now()
	videos := make([]domain.VideoSummary, 0, len(response.Items))
	for _, item := range response.Items {
		if item.Snippet == nil {
			continue
		}
		v := domain.VideoSummary{
			ID:           item.Id,
			ChannelID:    item.Snippet.ChannelId,
			ChannelTitle: item.Snippet.ChannelTitle,
			Title:        item.Snippet.Title,
			Description:  item.Snippet.Description,
			Tags:         item.Snippet.Tags,
			FetchedAt:    fetchedAt,
		}
		if published, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
			v.PublishedAt = published
		}
		if item.Statistics != nil {
			v.ViewCount = int64(item.Statistics.ViewCount)
			v.LikeCount = int64(item.Statistics.LikeCount)
			v.CommentCount = int64(item.Statistics.CommentCount)
		}
		videos = append(videos, v)
	}

	return videos, nil
}

func (a *DataAPI) listChannels(ctx context.Context, ids []string) ([]domain.ChannelSummary, error) {
	response, err := a.service.Channels.List([]string{"snippet", "statistics", "contentDetails"}).
		Id(ids...).
		MaxResults(int64(len(ids))).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}

	fetchedAt := a.now()
	channels := make([]domain.ChannelSummary, 0, len(response.Items))
	for _, item := range response.Items {
		ch := domain.ChannelSummary{
			ID:        item.Id,
			FetchedAt: fetchedAt,
		}
		if item.Snippet != nil {
			ch.Name = item.Snippet.Title
		}
		if item.Statistics != nil {
			ch.SubscriberCount = int64(item.Statistics.SubscriberCount)
			ch.HiddenSubscribers = item.Statistics.HiddenSubscriberCount
			ch.VideoCount = int64(item.Statistics.VideoCount)
			ch.ViewCount = int64(item.Statistics.ViewCount)
		}
		if item.ContentDetails != nil && item.ContentDetails.RelatedPlaylists != nil {
			ch.UploadsPlaylistID = item.ContentDetails.RelatedPlaylists.Uploads
		}
		channels = append(channels, ch)
	}
	return channels, nil
}
