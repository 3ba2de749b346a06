package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes events as JSON over Redis PUBLISH.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.SugaredLogger
}

var _ Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(client redis.UniversalClient, channel string, logger *zap.SugaredLogger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Errorw("Publish error", "channel", p.channel, "error", err)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
