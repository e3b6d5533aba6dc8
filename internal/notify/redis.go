package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goodtune/presenced/internal/activity"
	"github.com/goodtune/presenced/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the channel attendance updates are published on.
const DefaultChannel = "attendance_updates"

const publishTimeout = 2 * time.Second

// AttendanceUpdate is the message published for each update.
type AttendanceUpdate struct {
	UserID string                `json:"userId"`
	Data   activity.SessionTimes `json:"data"`
}

// RedisPublisher relays session times over Redis pub/sub.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	userID  string
	logger  zerolog.Logger
}

// NewRedisPublisher creates a publisher on channel for userID.
func NewRedisPublisher(client redis.UniversalClient, channel, userID string, logger zerolog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		userID:  userID,
		logger:  logger.With().Str("component", "notify-redis").Logger(),
	}
}

// Publish implements Notifier.
func (p *RedisPublisher) Publish(ctx context.Context, times activity.SessionTimes) {
	payload, err := json.Marshal(AttendanceUpdate{UserID: p.userID, Data: times})
	if err != nil {
		metrics.NotifyErrors.WithLabelValues("redis").Inc()
		p.logger.Error().Err(err).Msg("Failed to encode attendance update")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		metrics.NotifyErrors.WithLabelValues("redis").Inc()
		p.logger.Warn().Err(err).Str("channel", p.channel).Msg("Failed to publish attendance update")
	}
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
