package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "outlier:progress:"

// RedisBroadcaster carries events over Redis pub/sub so observers connected to
// any instance see every worker's progress.
type RedisBroadcaster struct {
	client redis.UniversalClient
	limit  int
	logger *zap.Logger
}

func NewRedisBroadcaster(client redis.UniversalClient, limit int, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client: client,
		limit:  limit,
		logger: logger,
	}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, analysisID string, event domain.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+analysisID, payload).Err(); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, analysisID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelPrefix+analysisID)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe progress: %w", err)
	}

	sub := &Subscription{
		AnalysisID: analysisID,
		box:        newMailbox(b.limit),
	}
	sub.onClose = func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Debug("Progress pubsub close failed", zap.Error(err))
		}
	}
	context.AfterFunc(ctx, sub.Close)

	go b.forward(pubsub, sub)
	return sub, nil
}

func (b *RedisBroadcaster) forward(pubsub *redis.PubSub, sub *Subscription) {
	for msg := range pubsub.Channel() {
		var event domain.ProgressEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.Warn("Undecodable progress event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if !sub.box.push(event) {
			if sub.box.isDropped() {
				b.logger.Warn("Progress subscriber fell behind, dropping",
					zap.String("analysis_id", sub.AnalysisID))
				metrics.ProgressDropped.Inc()
			}
			sub.Close()
			return
		}
	}
}
