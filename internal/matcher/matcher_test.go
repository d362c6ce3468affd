package matcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/store"
)

type mockTripStore struct {
	mock.Mock
}

func (m *mockTripStore) ListUserTrips(ctx context.Context, userID string) ([]model.Trip, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Trip), args.Error(1)
}

func (m *mockTripStore) CreateTrip(ctx context.Context, trip *model.Trip, travelers []model.TripTraveler) error {
	args := m.Called(ctx, trip, travelers)
	if trip.ID == "" {
		trip.ID = "new-trip"
	}
	return args.Error(0)
}

func (m *mockTripStore) ClaimLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, holder, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockTripStore) ReleaseLease(ctx context.Context, key, holder string) error {
	args := m.Called(ctx, key, holder)
	return args.Error(0)
}

// newMockTripStore returns a store whose lease is always free.
func newMockTripStore() *mockTripStore {
	st := &mockTripStore{}
	st.On("ClaimLease", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Maybe()
	st.On("ReleaseLease", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return st
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func hotelExtraction(name, checkIn, checkOut string) *model.ExtractionResult {
	fields := map[string]model.ExtractedField{
		"hotel_name": {Value: name, Confidence: 0.9},
	}
	if checkIn != "" {
		fields["check_in"] = model.ExtractedField{Value: checkIn, Confidence: 0.9}
	}
	if checkOut != "" {
		fields["check_out"] = model.ExtractedField{Value: checkOut, Confidence: 0.9}
	}
	return &model.ExtractionResult{BookingType: "hotel", Fields: fields}
}

func TestMatch_PicksOverlappingTrip(t *testing.T) {
	st := newMockTripStore()
	st.On("ListUserTrips", mock.Anything, "u1").Return([]model.Trip{
		{ID: "rome", Destination: "Rome", StartDate: date(2026, 6, 1), EndDate: date(2026, 6, 7)},
		{ID: "bcn", Destination: "Barcelona", StartDate: date(2026, 6, 1), EndDate: date(2026, 6, 7)},
		{ID: "bcn-old", Destination: "Barcelona", StartDate: date(2025, 6, 1), EndDate: date(2025, 6, 7)},
	}, nil)

	m := New(st, DefaultConfig())
	res, err := m.Match(context.Background(), hotelExtraction("Hilton Barcelona", "2026-06-02", "2026-06-05"), "u1")
	require.NoError(t, err)
	assert.Equal(t, "bcn", res.TripID)
	assert.False(t, res.Created)
	assert.Greater(t, res.Confidence, 0.55)
	st.AssertNotCalled(t, "CreateTrip", mock.Anything, mock.Anything, mock.Anything)
}

func TestMatch_PartialNameScoresHigh(t *testing.T) {
	st := newMockTripStore()
	st.On("ListUserTrips", mock.Anything, "u1").Return([]model.Trip{
		{ID: "t1", Destination: "Hilton Barcelona Downtown", StartDate: date(2026, 6, 1), EndDate: date(2026, 6, 7)},
	}, nil)

	res, err := New(st, DefaultConfig()).Match(context.Background(),
		hotelExtraction("Hilton Barcelona", "2026-06-01", "2026-06-03"), "u1")
	require.NoError(t, err)
	assert.Equal(t, "t1", res.TripID)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
}

func TestMatch_CreatesDraftWhenNothingClears(t *testing.T) {
	st := newMockTripStore()
	st.On("ListUserTrips", mock.Anything, "u1").Return([]model.Trip{
		{ID: "rome", Destination: "Rome", StartDate: date(2026, 9, 1), EndDate: date(2026, 9, 7)},
	}, nil)
	st.On("CreateTrip", mock.Anything, mock.MatchedBy(func(tr *model.Trip) bool {
		return tr.Status == model.TripStatusDraft && tr.Destination == "Hilton Barcelona" &&
			tr.StartDate.Equal(*date(2026, 6, 1)) && tr.EndDate.Equal(*date(2026, 6, 3)) &&
			tr.CreatedByUserID == "u1"
	}), []model.TripTraveler{{UserID: "u1", Role: model.RoleOrganizer}}).Return(nil)

	res, err := New(st, DefaultConfig()).Match(context.Background(),
		hotelExtraction("Hilton Barcelona", "2026-06-01", "2026-06-03"), "u1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "new-trip", res.TripID)
	st.AssertExpectations(t)
}

func TestMatch_NoDatesUsesCurrentTripsOnly(t *testing.T) {
	st := newMockTripStore()
	st.On("ListUserTrips", mock.Anything, "u1").Return([]model.Trip{
		{ID: "past", Destination: "Barcelona", EndDate: date(2026, 1, 7)},
		{ID: "open", Destination: "Barcelona"},
	}, nil)

	m := New(st, DefaultConfig())
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	res, err := m.Match(context.Background(), hotelExtraction("Barcelona", "", ""), "u1")
	require.NoError(t, err)
	assert.Equal(t, "open", res.TripID)
}

func TestMatch_TieBrokenByMostRecentlyUpdated(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	trips := []model.Trip{
		{ID: "a", Destination: "Barcelona", StartDate: date(2026, 6, 1), EndDate: date(2026, 6, 7), UpdatedAt: older},
		{ID: "b", Destination: "Barcelona", StartDate: date(2026, 6, 1), EndDate: date(2026, 6, 7), UpdatedAt: newer},
	}
	for i := 0; i < 5; i++ {
		st := newMockTripStore()
		st.On("ListUserTrips", mock.Anything, "u1").Return(trips, nil)
		res, err := New(st, DefaultConfig()).Match(context.Background(),
			hotelExtraction("Barcelona", "2026-06-02", "2026-06-03"), "u1")
		require.NoError(t, err)
		assert.Equal(t, "b", res.TripID)
		trips[0], trips[1] = trips[1], trips[0]
	}
}

func TestMatch_ZeroCandidates(t *testing.T) {
	st := newMockTripStore()
	st.On("ListUserTrips", mock.Anything, "u1").Return(nil, nil)
	st.On("CreateTrip", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	res, err := New(st, DefaultConfig()).Match(context.Background(), &model.ExtractionResult{}, "u1")
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestMatch_RequiresOwner(t *testing.T) {
	_, err := New(newMockTripStore(), DefaultConfig()).Match(context.Background(), &model.ExtractionResult{}, "")
	assert.Error(t, err)
}

func TestOverlapFraction(t *testing.T) {
	trip := model.Trip{StartDate: date(2026, 6, 1), EndDate: date(2026, 6, 4)}
	assert.InDelta(t, 1.0, overlapFraction(*date(2026, 6, 2), *date(2026, 6, 3), trip), 1e-9)
	assert.InDelta(t, 0.5, overlapFraction(*date(2026, 6, 3), *date(2026, 6, 6), trip), 1e-9)
	assert.Zero(t, overlapFraction(*date(2026, 7, 1), *date(2026, 7, 2), trip))
	assert.InDelta(t, 1.0, overlapFraction(*date(2027, 1, 1), *date(2027, 1, 2), model.Trip{StartDate: date(2026, 6, 1)}), 1e-9)
}

func TestMatch_ConcurrentUnmatchedCreateOneDraft(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "match.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	m := New(st, DefaultConfig())
	ext := hotelExtraction("Hilton Barcelona", "2026-06-01", "2026-06-03")

	var wg sync.WaitGroup
	results := make([]Result, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Match(context.Background(), ext, "u1")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	trips, err := st.ListUserTrips(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, trips, 1)

	var created int
	for _, r := range results {
		assert.Equal(t, trips[0].ID, r.TripID)
		if r.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestMatch_WaitsForLeaseHeldElsewhere(t *testing.T) {
	st := &mockTripStore{}
	st.On("ClaimLease", mock.Anything, "trips:u1", mock.Anything, leaseTTL).Return(false, nil).Twice()
	st.On("ClaimLease", mock.Anything, "trips:u1", mock.Anything, leaseTTL).Return(true, nil).Once()
	st.On("ReleaseLease", mock.Anything, "trips:u1", mock.Anything).Return(nil).Once()
	st.On("ListUserTrips", mock.Anything, "u1").Return([]model.Trip{
		{ID: "bcn", Destination: "Barcelona", StartDate: date(2026, 6, 1), EndDate: date(2026, 6, 7)},
	}, nil)

	res, err := New(st, DefaultConfig()).Match(context.Background(),
		hotelExtraction("Hilton Barcelona", "2026-06-02", "2026-06-04"), "u1")
	require.NoError(t, err)
	assert.Equal(t, "bcn", res.TripID)
	st.AssertExpectations(t)
}

func TestMatch_LeaseErrorStopsMatching(t *testing.T) {
	st := &mockTripStore{}
	st.On("ClaimLease", mock.Anything, "trips:u1", mock.Anything, leaseTTL).Return(false, assert.AnError)

	_, err := New(st, DefaultConfig()).Match(context.Background(), &model.ExtractionResult{}, "u1")
	require.Error(t, err)
	st.AssertNotCalled(t, "ListUserTrips", mock.Anything, mock.Anything)
	st.AssertNumberOfCalls(t, "ClaimLease", 1)
}

func TestMatch_TwoProcessesCreateOneDraft(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	var matchers []*Matcher
	var first *store.SQLiteStore
	for i := range 2 {
		st, err := store.NewSQLite(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() }) //nolint:errcheck
		require.NoError(t, st.Migrate(context.Background()))
		if i == 0 {
			first = st
		}
		matchers = append(matchers, New(st, DefaultConfig()))
	}
	ext := hotelExtraction("Hilton Barcelona", "2026-06-01", "2026-06-03")

	var wg sync.WaitGroup
	results := make([]Result, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := matchers[i%2].Match(context.Background(), ext, "u1")
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	trips, err := first.ListUserTrips(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, trips, 1)
	for _, r := range results {
		assert.Equal(t, trips[0].ID, r.TripID)
	}
}
