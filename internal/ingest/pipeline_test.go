package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/travelroboto/trip-ingest/internal/agents"
	"github.com/travelroboto/trip-ingest/internal/classifier"
	"github.com/travelroboto/trip-ingest/internal/coordinator"
	"github.com/travelroboto/trip-ingest/internal/llm"
	"github.com/travelroboto/trip-ingest/internal/matcher"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/store"
)

// scriptedLLM answers extraction prompts by the first registered marker the
// document text contains, and judge and intent prompts with fixed answers.
type scriptedLLM struct {
	mu          sync.Mutex
	extractions map[string]string
	judge       string
	intent      string
	calls       map[string]int
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{extractions: map[string]string{}, calls: map[string]int{}}
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.Capability]++

	switch req.Capability {
	case "extract":
		for marker, answer := range s.extractions {
			if strings.Contains(req.Prompt, marker) {
				return answer, nil
			}
		}
		return "not json", nil
	case "judge":
		return s.judge, nil
	case "intent":
		return s.intent, nil
	}
	return "", fmt.Errorf("unexpected capability %q", req.Capability)
}

func (s *scriptedLLM) count(capability string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[capability]
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, msg model.ConfirmationMessage) error {
	return m.Called(ctx, msg).Error(0)
}

type harness struct {
	dbPath   string
	pipeline *Pipeline
	coord    *coordinator.Coordinator
	store    *store.SQLiteStore
	llm      *scriptedLLM
	notifier *mockNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ingest.db")
	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	h := &harness{dbPath: dbPath, store: st, llm: newScriptedLLM(), notifier: &mockNotifier{}}
	h.notifier.On("Send", mock.Anything, mock.Anything).Return(nil)

	cfg := agents.ModelConfig{Model: "test-model"}
	cls := classifier.New(agents.NewJudge(h.llm, cfg, 0), classifier.DefaultConfig())
	h.coord = coordinator.New(st, cls, agents.NewIntentClassifier(h.llm, cfg), h.notifier, nil, coordinator.DefaultConfig())
	h.pipeline = New(st, agents.NewExtractor(h.llm, cfg), matcher.New(st, matcher.DefaultConfig()), h.coord, Config{MaxConcurrentDocuments: 2})
	h.coord.SetClarificationSink(h.pipeline)
	return h
}

// otherProcess builds a second pipeline with its own store connection to
// the same database, as a separate process would have.
func (h *harness) otherProcess(t *testing.T) *Pipeline {
	t.Helper()
	st, err := store.NewSQLite(h.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	cfg := agents.ModelConfig{Model: "test-model"}
	cls := classifier.New(agents.NewJudge(h.llm, cfg, 0), classifier.DefaultConfig())
	coord := coordinator.New(st, cls, agents.NewIntentClassifier(h.llm, cfg), h.notifier, nil, coordinator.DefaultConfig())
	return New(st, agents.NewExtractor(h.llm, cfg), matcher.New(st, matcher.DefaultConfig()), coord, Config{})
}

// gatedExtractor blocks inside Extract until released.
type gatedExtractor struct {
	next    Extractor
	entered chan struct{}
	release chan struct{}
}

func (g *gatedExtractor) Extract(ctx context.Context, text string) (*model.ExtractionResult, error) {
	close(g.entered)
	<-g.release
	return g.next.Extract(ctx, text)
}

func (h *harness) ingest(t *testing.T, sourceID, text string) *model.IngestResult {
	t.Helper()
	res, err := h.pipeline.Ingest(context.Background(), &model.IncomingDocument{SourceID: sourceID, Text: text}, "u1")
	require.NoError(t, err)
	return res
}

func (h *harness) versions(t *testing.T, tripID string) []model.FieldVersion {
	t.Helper()
	vs, err := h.store.ListVersions(context.Background(), store.VersionFilter{TripID: tripID})
	require.NoError(t, err)
	return vs
}

func outcomeFor(t *testing.T, res *model.IngestResult, field string) model.FieldOutcome {
	t.Helper()
	for _, o := range res.Outcomes {
		if o.FieldName == field {
			return o
		}
	}
	t.Fatalf("no outcome for %s", field)
	return model.FieldOutcome{}
}

const (
	hiltonBooking = `{"booking_type":"hotel","fields":{
		"hotel_name":{"value":"Hilton Barcelona","confidence":0.95},
		"destination":{"value":"Barcelona","confidence":0.9},
		"check_in":{"value":"2025-06-10","confidence":0.95},
		"check_out":{"value":"2025-06-14","confidence":0.95}}}`
	hotelWBooking = `{"booking_type":"hotel","fields":{
		"hotel_name":{"value":"Hotel W Barcelona","confidence":0.95},
		"destination":{"value":"Barcelona","confidence":0.9},
		"check_in":{"value":"2025-06-10","confidence":0.95},
		"check_out":{"value":"2025-06-14","confidence":0.95}}}`
)

func TestIngest_ConflictingBookingIsConfirmedByReply(t *testing.T) {
	h := newHarness(t)
	h.llm.extractions["HILTON"] = hiltonBooking
	h.llm.extractions["HOTEL-W"] = hotelWBooking
	h.llm.judge = `{"conflict":true,"confidence":0.95,"reasoning":"different hotels"}`

	d1 := h.ingest(t, "msg-1", "HILTON confirmation")
	assert.True(t, d1.TripCreated)
	assert.InDelta(t, 1.0, d1.MatchScore, 1e-9)
	for _, o := range d1.Outcomes {
		assert.Equal(t, model.StateAutoApplied, o.State, o.FieldName)
	}

	trip, err := h.store.GetTrip(context.Background(), d1.TripID)
	require.NoError(t, err)
	assert.Equal(t, "Barcelona", trip.Destination)
	require.NotNil(t, trip.StartDate)
	assert.Equal(t, "2025-06-10", trip.StartDate.Format(time.DateOnly))
	assert.Contains(t, trip.Summary, "Hilton Barcelona")

	d2 := h.ingest(t, "msg-2", "HOTEL-W confirmation")
	assert.Equal(t, d1.TripID, d2.TripID)
	assert.False(t, d2.TripCreated)
	assert.Equal(t, model.DecisionIdentical, outcomeFor(t, d2, "check_in").Decision)

	hotel := outcomeFor(t, d2, "hotel_name")
	assert.Equal(t, model.DecisionConflicting, hotel.Decision)
	assert.Equal(t, model.StateAwaitingConfirmation, hotel.State)
	require.NotEmpty(t, hotel.CorrelationToken)
	h.notifier.AssertNumberOfCalls(t, "Send", 1)

	active, err := h.store.GetActiveVersion(context.Background(), d1.TripID, "hotel_name")
	require.NoError(t, err)
	assert.Equal(t, "Hilton Barcelona", active.Value)

	out, err := h.coord.HandleReply(context.Background(), model.UserReply{CorrelationToken: hotel.CorrelationToken, ReplyText: "yes"})
	require.NoError(t, err)
	assert.Equal(t, model.StateApplied, out.State)

	active, err = h.store.GetActiveVersion(context.Background(), d1.TripID, "hotel_name")
	require.NoError(t, err)
	assert.Equal(t, "Hotel W Barcelona", active.Value)
	assert.Equal(t, "msg-2", active.Provenance.SourceID)

	trip, err = h.store.GetTrip(context.Background(), d1.TripID)
	require.NoError(t, err)
	assert.Contains(t, trip.Summary, "Hotel W Barcelona")
	assert.Equal(t, "Hotel W Barcelona", trip.StructuredData["hotel_name"])
	assert.Zero(t, h.llm.count("intent"))
}

func TestIngest_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.llm.extractions["HILTON"] = hiltonBooking

	first := h.ingest(t, "msg-1", "HILTON confirmation")
	before := h.versions(t, first.TripID)

	again := h.ingest(t, "msg-1", "HILTON confirmation")
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.TripID, again.TripID)
	assert.Len(t, again.Outcomes, len(first.Outcomes))
	assert.Equal(t, 1, h.llm.count("extract"))
	assert.Len(t, h.versions(t, first.TripID), len(before))

	trips, err := h.store.ListUserTrips(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, trips, 1)
}

func TestIngest_OutcomesFollowFieldOrder(t *testing.T) {
	h := newHarness(t)
	h.llm.extractions["HILTON"] = hiltonBooking

	res := h.ingest(t, "msg-1", "HILTON confirmation")
	var names []string
	for _, o := range res.Outcomes {
		names = append(names, o.FieldName)
	}
	assert.Equal(t, []string{"check_in", "check_out", "destination", "hotel_name"}, names)
}

func TestIngest_ExtractionFailurePersistsNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Ingest(context.Background(), &model.IncomingDocument{SourceID: "msg-bad", Text: "garbled"}, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrExtractionFailed)

	doc, err := h.store.GetDocument(context.Background(), "msg-bad")
	require.NoError(t, err)
	assert.Equal(t, "garbled", doc.Text)

	res, err := h.store.GetIngestResult(context.Background(), "msg-bad")
	require.NoError(t, err)
	assert.Nil(t, res)

	trips, err := h.store.ListUserTrips(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, trips)

	// Redelivery retries extraction.
	h.llm.extractions["garbled"] = hiltonBooking
	retried := h.ingest(t, "msg-bad", "garbled")
	assert.False(t, retried.Duplicate)
	assert.Len(t, retried.Outcomes, 4)
}

func TestIngest_NoFactsCreatesNoTrip(t *testing.T) {
	h := newHarness(t)
	h.llm.extractions["newsletter"] = `{"booking_type":"other","fields":{},"missing_fields":["hotel_name"]}`

	res := h.ingest(t, "msg-news", "weekly newsletter")
	assert.Empty(t, res.TripID)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, []string{"hotel_name"}, res.MissingFields)

	trips, err := h.store.ListUserTrips(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, trips)
}

func TestIngest_FieldsAreIndependent(t *testing.T) {
	h := newHarness(t)
	h.llm.extractions["HILTON"] = hiltonBooking
	h.llm.extractions["UPGRADE"] = `{"booking_type":"hotel","fields":{
		"hotel_name":{"value":"Hotel W Barcelona","confidence":0.95},
		"room_type":{"value":"Sea view suite","confidence":0.9},
		"check_in":{"value":"2025-06-10","confidence":0.95}}}`
	h.llm.judge = `{"conflict":true,"confidence":0.95}`

	first := h.ingest(t, "msg-1", "HILTON confirmation")
	res := h.ingest(t, "msg-2", "UPGRADE notice")
	assert.Equal(t, first.TripID, res.TripID)
	assert.Equal(t, model.StateAwaitingConfirmation, outcomeFor(t, res, "hotel_name").State)
	assert.Equal(t, model.StateAutoApplied, outcomeFor(t, res, "room_type").State)

	room, err := h.store.GetActiveVersion(context.Background(), res.TripID, "room_type")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "Sea view suite", room.Value)
}

func TestIngest_ClarificationJoinsPendingRequest(t *testing.T) {
	h := newHarness(t)
	h.llm.extractions["HILTON"] = hiltonBooking
	h.llm.extractions["HOTEL-W"] = hotelWBooking
	h.llm.extractions["Passeig"] = `{"booking_type":"hotel","fields":{"hotel_name":{"value":"Hotel W Barcelona","confidence":0.9}}}`
	h.llm.judge = `{"conflict":true,"confidence":0.95}`
	h.llm.intent = `{"intent":"clarify","confidence":0.9}`

	h.ingest(t, "msg-1", "HILTON confirmation")
	d2 := h.ingest(t, "msg-2", "HOTEL-W confirmation")
	pending := outcomeFor(t, d2, "hotel_name")

	reply := model.UserReply{CorrelationToken: pending.CorrelationToken, ReplyText: "We moved to the W on Passeig de Gracia"}
	out, err := h.coord.HandleReply(context.Background(), reply)
	require.NoError(t, err)
	assert.Equal(t, model.IntentClarify, out.Intent)
	assert.Equal(t, model.StateAwaitingConfirmation, out.State)
	require.NotNil(t, out.Clarification)
	assert.Equal(t, d2.TripID, out.Clarification.TripID)

	joined := outcomeFor(t, out.Clarification, "hotel_name")
	assert.Equal(t, pending.ConfirmationID, joined.ConfirmationID)

	v, err := h.store.GetVersion(context.Background(), joined.VersionID)
	require.NoError(t, err)
	assert.Equal(t, model.ProvenanceClarification, v.Provenance.Kind)

	// The same reply delivered twice is ingested once.
	_, err = h.coord.HandleReply(context.Background(), reply)
	require.NoError(t, err)
	assert.Equal(t, 3, h.llm.count("extract"))
	h.notifier.AssertNumberOfCalls(t, "Send", 1)
}

func TestIngest_TripHintMustExist(t *testing.T) {
	h := newHarness(t)
	h.llm.extractions["HILTON"] = hiltonBooking

	_, err := h.pipeline.Ingest(context.Background(), &model.IncomingDocument{SourceID: "msg-1", Text: "HILTON", TripHint: "missing"}, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestIngest_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Ingest(context.Background(), &model.IncomingDocument{Text: "x"}, "u1")
	assert.Error(t, err)
	_, err = h.pipeline.Ingest(context.Background(), &model.IncomingDocument{SourceID: "msg-1", Text: "x"}, "")
	assert.Error(t, err)
}

func TestIngestBatch(t *testing.T) {
	h := newHarness(t)
	h.llm.extractions["HILTON"] = hiltonBooking
	h.llm.extractions["LISBON"] = `{"booking_type":"flight","fields":{
		"flight_number":{"value":"TP 1234","confidence":0.95},
		"destination":{"value":"Lisbon","confidence":0.9},
		"departure_date":{"value":"2025-09-01","confidence":0.9}}}`

	docs := []*model.IncomingDocument{
		{SourceID: "b-1", Text: "HILTON", OwnerUserID: "u1"},
		{SourceID: "b-2", Text: "LISBON", OwnerUserID: "u1"},
		{SourceID: "b-3", Text: "unreadable", OwnerUserID: "u1"},
	}
	items := h.pipeline.IngestBatch(context.Background(), docs)
	require.Len(t, items, 3)

	assert.Equal(t, "b-1", items[0].SourceID)
	require.NoError(t, items[0].Err)
	require.NoError(t, items[1].Err)
	assert.NotEqual(t, items[0].Result.TripID, items[1].Result.TripID)
	assert.ErrorIs(t, items[2].Err, model.ErrExtractionFailed)
}

func TestIngest_ConcurrentDeliveryAcrossProcesses(t *testing.T) {
	h := newHarness(t)
	h.llm.extractions["HILTON"] = hiltonBooking
	gate := &gatedExtractor{next: h.pipeline.extractor, entered: make(chan struct{}), release: make(chan struct{})}
	h.pipeline.extractor = gate
	other := h.otherProcess(t)
	ctx := context.Background()
	doc := func() *model.IncomingDocument {
		return &model.IncomingDocument{SourceID: "msg-1", Text: "HILTON confirmation"}
	}

	firstDone := make(chan *model.IngestResult, 1)
	go func() {
		res, err := h.pipeline.Ingest(ctx, doc(), "u1")
		assert.NoError(t, err)
		firstDone <- res
	}()
	<-gate.entered

	second, err := other.Ingest(ctx, doc(), "u1")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, second.InProgress)
	assert.Empty(t, second.Outcomes)

	close(gate.release)
	first := <-firstDone
	require.NotNil(t, first)
	assert.False(t, first.Duplicate)
	assert.Len(t, h.versions(t, first.TripID), len(first.Outcomes))
	assert.Equal(t, 1, h.llm.count("extract"))

	third, err := other.Ingest(ctx, doc(), "u1")
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
	assert.False(t, third.InProgress)
	assert.Equal(t, first.TripID, third.TripID)
	assert.Len(t, h.versions(t, first.TripID), len(first.Outcomes))
}

func TestIngest_ReleasesClaimAfterExtractionFailure(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Ingest(context.Background(), &model.IncomingDocument{SourceID: "msg-1", Text: "HILTON confirmation"}, "u1")
	require.ErrorIs(t, err, model.ErrExtractionFailed)

	ok, err := h.store.ClaimLease(context.Background(), "ingest:msg-1", "someone-else", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a failed attempt leaves the source claimable")
}
