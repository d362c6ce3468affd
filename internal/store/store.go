package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/travelroboto/trip-ingest/internal/model"
)

// VersionFilter selects field versions of one trip. Empty fields match all.
type VersionFilter struct {
	TripID    string              `json:"trip_id"`
	FieldName string              `json:"field_name,omitempty"`
	Status    model.VersionStatus `json:"status,omitempty"`
}

// ConfirmationFilter specifies criteria for listing confirmation requests.
type ConfirmationFilter struct {
	TripID string                  `json:"trip_id,omitempty"`
	State  model.ConfirmationState `json:"state,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
}

// ProjectFunc rewrites a trip's derived columns from its active versions.
// It runs inside the store's transaction and must not call the store.
type ProjectFunc func(trip *model.Trip, active []model.FieldVersion)

// Store defines the persistence interface for the ingest pipeline.
//
// Status transitions are conditional updates inside a transaction. Methods
// that find the active version changed under them return
// model.ErrVersionConflict; confirmation transitions on a request that is no
// longer pending return model.ErrStaleReply.
//
// RefreshTrip holds the trip row locked while it reads the active versions
// and writes the projection, so a version applied concurrently is either
// seen or waits for the write. ClaimLease takes key for holder unless
// another holder's lease on it is still live; it reports whether the lease
// was taken. Leases coordinate work across processes sharing one database.
type Store interface {
	// Trips
	CreateTrip(ctx context.Context, trip *model.Trip, travelers []model.TripTraveler) error
	UpsertTrip(ctx context.Context, trip *model.Trip, travelers []model.TripTraveler) error
	GetTrip(ctx context.Context, tripID string) (*model.Trip, error)
	ListUserTrips(ctx context.Context, userID string) ([]model.Trip, error)
	ListTravelers(ctx context.Context, tripID string) ([]model.TripTraveler, error)
	RefreshTrip(ctx context.Context, tripID string, project ProjectFunc) (*model.Trip, error)
	DeleteTrip(ctx context.Context, tripID string) error

	// Documents
	SaveDocument(ctx context.Context, doc *model.IncomingDocument) (bool, error)
	GetDocument(ctx context.Context, sourceID string) (*model.IncomingDocument, error)
	GetIngestResult(ctx context.Context, sourceID string) (*model.IngestResult, error)
	SaveIngestResult(ctx context.Context, result *model.IngestResult) error

	// Field versions
	GetActiveVersion(ctx context.Context, tripID, fieldName string) (*model.FieldVersion, error)
	GetVersion(ctx context.Context, versionID string) (*model.FieldVersion, error)
	ListVersions(ctx context.Context, filter VersionFilter) ([]model.FieldVersion, error)
	ApplyVersion(ctx context.Context, v *model.FieldVersion, expectedActiveID string) error
	RecordConflict(ctx context.Context, v *model.FieldVersion, req *model.ConfirmationRequest) error

	// Confirmations
	GetConfirmation(ctx context.Context, requestID string) (*model.ConfirmationRequest, error)
	GetConfirmationByToken(ctx context.Context, token string) (*model.ConfirmationRequest, error)
	ListConfirmations(ctx context.Context, filter ConfirmationFilter) ([]model.ConfirmationRequest, error)
	AcceptConfirmation(ctx context.Context, requestID string, res model.Resolution) (*model.FieldVersion, error)
	CloseConfirmation(ctx context.Context, requestID string, state model.ConfirmationState, res model.Resolution) error

	// Leases
	ClaimLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, holder string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func prepareVersion(v *model.FieldVersion, status model.VersionStatus) {
	now := time.Now().UTC()
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	v.Status = status
}

func prepareTrip(t *model.Trip) {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.TripStatusDraft
	}
	if t.StructuredData == nil {
		t.StructuredData = map[string]any{}
	}
}

func marshalJSON(v any, what string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrapf(err, "marshal %s", what)
	}
	return string(b), nil
}

// marshalResolution returns nil for a nil resolution so the column stays NULL.
func marshalResolution(r *model.Resolution) (any, error) {
	if r == nil {
		return nil, nil
	}
	return marshalJSON(r, "resolution")
}

func notFound(entity, id string) error {
	return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
}

func versionConflict(tripID, field string) error {
	return eris.Wrapf(model.ErrVersionConflict, "active version of %s.%s changed", tripID, field)
}

func staleReply(requestID string) error {
	return eris.Wrapf(model.ErrStaleReply, "confirmation %s is not pending", requestID)
}

func prepareConfirmation(req *model.ConfirmationRequest, candidate *model.FieldVersion) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CorrelationToken == "" {
		req.CorrelationToken = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.TripID = candidate.TripID
	req.FieldName = candidate.FieldName
	req.CandidateVersionID = candidate.ID
	req.NewValue = candidate.Value
	req.State = model.ConfirmationPending
	req.ResolvedAt = nil
}
