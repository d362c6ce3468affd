package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/model"
)

// ReplyHandler resumes a confirmation from a user reply.
type ReplyHandler interface {
	HandleReply(ctx context.Context, reply model.UserReply) (*model.ReplyOutcome, error)
}

// ReplyListener subscribes to the reply channel and hands each reply to the
// handler as it arrives.
type ReplyListener struct {
	client  *redis.Client
	channel string
	handler ReplyHandler
}

// NewReplyListener creates a listener on channel.
func NewReplyListener(client *redis.Client, channel string, handler ReplyHandler) *ReplyListener {
	return &ReplyListener{client: client, channel: channel, handler: handler}
}

// Run blocks until ctx is cancelled or the subscription closes.
func (l *ReplyListener) Run(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.channel)
	defer pubsub.Close() //nolint:errcheck

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := pubsub.Receive(ctx); err != nil {
		return eris.Wrapf(err, "notify: subscribe to %s", l.channel)
	}
	zap.L().Info("notify: listening for replies", zap.String("channel", l.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return eris.Errorf("notify: subscription to %s closed", l.channel)
			}
			l.dispatch(ctx, msg.Payload)
		}
	}
}

// dispatch handles one payload. Bad payloads and handler errors are logged;
// the listener keeps running.
func (l *ReplyListener) dispatch(ctx context.Context, payload string) {
	reply, err := DecodeReply([]byte(payload))
	if err != nil {
		zap.L().Warn("notify: dropping malformed reply", zap.Error(err))
		return
	}
	out, err := l.handler.HandleReply(ctx, reply)
	if err != nil {
		zap.L().Error("notify: handle reply", zap.String("correlation_token", reply.CorrelationToken), zap.Error(err))
		return
	}
	zap.L().Info("notify: reply handled",
		zap.String("correlation_token", reply.CorrelationToken),
		zap.String("state", string(out.State)),
		zap.Bool("ignored", out.Ignored),
	)
}

// DecodeReply parses a reply payload and stamps its receipt time.
func DecodeReply(data []byte) (model.UserReply, error) {
	var reply model.UserReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return model.UserReply{}, eris.Wrap(err, "notify: decode reply")
	}
	reply.CorrelationToken = strings.TrimSpace(reply.CorrelationToken)
	if reply.CorrelationToken == "" {
		return model.UserReply{}, eris.New("notify: reply has no correlation token")
	}
	if reply.ReceivedAt.IsZero() {
		reply.ReceivedAt = time.Now().UTC()
	}
	return reply, nil
}
