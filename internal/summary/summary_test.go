package summary

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/store"
)

func TestBuild(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 6, 5, 0, 0, 0, 0, time.UTC)
	trip := &model.Trip{Name: "Trip to Barcelona", Destination: "Barcelona", StartDate: &start, EndDate: &end, Status: model.TripStatusDraft}
	active := []model.FieldVersion{
		{FieldName: "travelers", Value: "Ana, Ben"},
		{FieldName: "hotel_name", Value: "Hilton Barcelona"},
		{FieldName: "flight_number", Value: "VY1234"},
		{FieldName: "check_in", Value: "2026-06-01"},
	}

	want := `Trip: Trip to Barcelona
Destination: Barcelona
Dates: 2026-06-01 to 2026-06-05
Status: draft

Flight:
- flight number: VY1234

Hotel:
- check in: 2026-06-01
- hotel name: Hilton Barcelona

Details:
- travelers: Ana, Ben`
	assert.Equal(t, want, Build(trip, active))

	// Input order does not matter.
	active[0], active[3] = active[3], active[0]
	assert.Equal(t, want, Build(trip, active))
}

func TestBuild_Minimal(t *testing.T) {
	assert.Equal(t, "Trip: Untitled trip", Build(&model.Trip{Status: model.TripStatusActive}, nil))
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "summary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	trip := &model.Trip{Name: "Untitled trip", CreatedByUserID: "u1", StructuredData: map[string]any{"budget": "2000"}}
	require.NoError(t, st.CreateTrip(ctx, trip, nil))

	for field, value := range map[string]string{"city": "Barcelona", "check_in": "2026-06-01", "check_out": "2026-06-04"} {
		v := &model.FieldVersion{TripID: trip.ID, FieldName: field, Value: value, Confidence: 0.9,
			Provenance: model.Provenance{Kind: model.ProvenanceDocument, SourceID: "d1"}}
		require.NoError(t, st.ApplyVersion(ctx, v, ""))
	}

	got, err := Refresh(ctx, st, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, "Barcelona", got.Destination)
	require.NotNil(t, got.StartDate)
	require.NotNil(t, got.EndDate)
	assert.Equal(t, "2026-06-01", got.StartDate.Format(time.DateOnly))
	assert.Equal(t, "2026-06-04", got.EndDate.Format(time.DateOnly))

	stored, err := st.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, "2000", stored.StructuredData["budget"])
	assert.Equal(t, "Barcelona", stored.StructuredData["city"])
	assert.Contains(t, stored.Summary, "- check out: 2026-06-04")
	assert.Contains(t, stored.Summary, "Dates: 2026-06-01 to 2026-06-04")
}

func TestRefresh_SyncedTripKeepsDates(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "summary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	start := time.Date(2026, 5, 30, 0, 0, 0, 0, time.UTC)
	trip := &model.Trip{Name: "Spain", Destination: "Spain", StartDate: &start, CreatedByUserID: "u1", Status: model.TripStatusActive}
	require.NoError(t, st.CreateTrip(ctx, trip, nil))
	require.NoError(t, st.ApplyVersion(ctx, &model.FieldVersion{TripID: trip.ID, FieldName: "check_in", Value: "2026-06-01", Confidence: 1}, ""))

	got, err := Refresh(ctx, st, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, "Spain", got.Destination)
	assert.Equal(t, "2026-05-30", got.StartDate.Format(time.DateOnly))
	require.NotNil(t, got.EndDate)
	assert.Equal(t, "2026-06-01", got.EndDate.Format(time.DateOnly))
}

// stallingStore holds its refresh open inside the store transaction until
// released, so a second writer can try to land in between.
type stallingStore struct {
	*store.SQLiteStore
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) RefreshTrip(ctx context.Context, tripID string, project store.ProjectFunc) (*model.Trip, error) {
	return s.SQLiteStore.RefreshTrip(ctx, tripID, func(trip *model.Trip, active []model.FieldVersion) {
		close(s.entered)
		<-s.release
		project(trip, active)
	})
}

func TestRefresh_ConcurrentApplyIsNotLost(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "summary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	trip := &model.Trip{Name: "Barcelona", CreatedByUserID: "u1"}
	require.NoError(t, st.CreateTrip(ctx, trip, nil))
	require.NoError(t, st.ApplyVersion(ctx, &model.FieldVersion{TripID: trip.ID, FieldName: "hotel_name", Value: "Hilton", Confidence: 0.9}, ""))

	slow := &stallingStore{SQLiteStore: st, entered: make(chan struct{}), release: make(chan struct{})}
	slowDone := make(chan error, 1)
	go func() {
		_, err := Refresh(ctx, slow, trip.ID)
		slowDone <- err
	}()
	<-slow.entered

	fastDone := make(chan error, 1)
	go func() {
		err := st.ApplyVersion(ctx, &model.FieldVersion{TripID: trip.ID, FieldName: "flight_number", Value: "IB123", Confidence: 0.9}, "")
		if err == nil {
			_, err = Refresh(ctx, st, trip.ID)
		}
		fastDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(slow.release)
	require.NoError(t, <-slowDone)
	require.NoError(t, <-fastDone)

	stored, err := st.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hilton", stored.StructuredData["hotel_name"])
	assert.Equal(t, "IB123", stored.StructuredData["flight_number"])
	assert.Contains(t, stored.Summary, "- flight number: IB123")
}

func TestProject_DraftTakesDestination(t *testing.T) {
	trip := &model.Trip{Name: "Untitled trip", Status: model.TripStatusDraft, StructuredData: map[string]any{"budget": "2000"}}
	Project(trip, []model.FieldVersion{{FieldName: "city", Value: "Lisbon"}})

	assert.Equal(t, "Lisbon", trip.Destination)
	assert.Equal(t, "2000", trip.StructuredData["budget"])
	assert.Equal(t, "Lisbon", trip.StructuredData["city"])
	assert.Contains(t, trip.Summary, "Destination: Lisbon")
}
