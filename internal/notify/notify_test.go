package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/travelroboto/trip-ingest/internal/model"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	args := m.Called(ctx, channel, message)
	cmd := redis.NewIntCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(int64(args.Int(0)))
	}
	return cmd
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleReply(ctx context.Context, reply model.UserReply) (*model.ReplyOutcome, error) {
	args := m.Called(ctx, reply)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReplyOutcome), args.Error(1)
}

func TestRedisNotifier_PublishesJSON(t *testing.T) {
	pub := &mockPublisher{}
	var published []byte
	pub.On("Publish", mock.Anything, "trip:confirmations", mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(2).([]byte) }).
		Return(1, nil)

	msg := model.ConfirmationMessage{
		CorrelationToken: "tok-1",
		TripID:           "trip-1",
		FieldName:        "hotel_name",
		OldValue:         "Hilton Barcelona",
		NewValue:         "Hotel W Barcelona",
		OwnerUserID:      "u1",
		CreatedAt:        time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, NewRedisNotifier(pub, "trip:confirmations").Send(context.Background(), msg))

	var got model.ConfirmationMessage
	require.NoError(t, json.Unmarshal(published, &got))
	assert.Equal(t, msg, got)
}

func TestRedisNotifier_PublishError(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(0, errors.New("connection refused"))

	err := NewRedisNotifier(pub, "c").Send(context.Background(), model.ConfirmationMessage{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Send(context.Background(), model.ConfirmationMessage{CorrelationToken: "t"}))
}

func TestDecodeReply(t *testing.T) {
	reply, err := DecodeReply([]byte(`{"correlation_token":" tok-1 ","reply_text":"yes"}`))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", reply.CorrelationToken)
	assert.Equal(t, "yes", reply.ReplyText)
	assert.False(t, reply.ReceivedAt.IsZero())

	_, err = DecodeReply([]byte(`{"reply_text":"yes"}`))
	assert.Error(t, err)
	_, err = DecodeReply([]byte(`not json`))
	assert.Error(t, err)
}

func TestDispatch(t *testing.T) {
	h := &mockHandler{}
	h.On("HandleReply", mock.Anything, mock.MatchedBy(func(r model.UserReply) bool {
		return r.CorrelationToken == "tok-1" && r.ReplyText == "no"
	})).Return(&model.ReplyOutcome{State: model.StateDiscarded}, nil).Once()
	h.On("HandleReply", mock.Anything, mock.MatchedBy(func(r model.UserReply) bool {
		return r.CorrelationToken == "tok-2"
	})).Return(nil, errors.New("store down")).Once()

	l := &ReplyListener{channel: "replies", handler: h}
	l.dispatch(context.Background(), `{"correlation_token":"tok-1","reply_text":"no"}`)
	l.dispatch(context.Background(), `{"correlation_token":"tok-2","reply_text":"yes"}`)
	l.dispatch(context.Background(), `garbage`)

	h.AssertExpectations(t)
	h.AssertNumberOfCalls(t, "HandleReply", 2)
}
