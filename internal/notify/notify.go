// Package notify delivers confirmation requests to users and feeds their
// replies back to the coordinator over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/model"
)

// Publisher is the subset of *redis.Client the notifier uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisNotifier publishes confirmation messages as JSON to a channel.
type RedisNotifier struct {
	client  Publisher
	channel string
}

// NewRedisNotifier creates a notifier publishing on channel.
func NewRedisNotifier(client Publisher, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// Send publishes msg. A message nobody is subscribed to is still a
// successful send; delivery beyond the bus is the subscriber's job.
func (n *RedisNotifier) Send(ctx context.Context, msg model.ConfirmationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "notify: marshal confirmation")
	}
	receivers, err := n.client.Publish(ctx, n.channel, payload).Result()
	if err != nil {
		return eris.Wrapf(err, "notify: publish to %s", n.channel)
	}
	zap.L().Debug("notify: confirmation published",
		zap.String("channel", n.channel),
		zap.String("trip_id", msg.TripID),
		zap.String("field", msg.FieldName),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// LogNotifier writes confirmation messages to the log. It stands in when no
// bus is configured, e.g. for the CLI.
type LogNotifier struct{}

// Send logs msg and never fails.
func (LogNotifier) Send(_ context.Context, msg model.ConfirmationMessage) error {
	zap.L().Info("notify: confirmation requested",
		zap.String("correlation_token", msg.CorrelationToken),
		zap.String("trip_id", msg.TripID),
		zap.String("field", msg.FieldName),
		zap.String("old_value", msg.OldValue),
		zap.String("new_value", msg.NewValue),
		zap.String("owner_user_id", msg.OwnerUserID),
	)
	return nil
}
