// Package matcher assigns an extraction to the trip it belongs to, opening a
// draft trip when no existing trip scores high enough.
package matcher

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/lock"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/normalize"
	"github.com/travelroboto/trip-ingest/internal/resilience"
)

// Config holds the scoring weights and acceptance threshold.
type Config struct {
	DestinationWeight   float64
	DateWeight          float64
	AcceptanceThreshold float64
}

// DefaultConfig returns the production scoring policy.
func DefaultConfig() Config {
	return Config{DestinationWeight: 0.6, DateWeight: 0.4, AcceptanceThreshold: 0.55}
}

// TripStore is the slice of the store the matcher needs.
type TripStore interface {
	ListUserTrips(ctx context.Context, userID string) ([]model.Trip, error)
	CreateTrip(ctx context.Context, trip *model.Trip, travelers []model.TripTraveler) error
	ClaimLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, holder string) error
}

// leaseTTL bounds how long a crashed process can hold a user's trip set.
const leaseTTL = 30 * time.Second

// errTripsBusy means another process holds the user's trip set.
var errTripsBusy = eris.New("matcher: user trips are being matched elsewhere")

// Result is the matcher's decision.
type Result struct {
	TripID     string
	Confidence float64
	Created    bool
}

// Matcher finds or creates the owning trip of an extraction.
type Matcher struct {
	store TripStore
	cfg   Config
	locks *lock.Keyed
	wait  resilience.RetryConfig
	now   func() time.Time
}

// New creates a Matcher.
func New(store TripStore, cfg Config) *Matcher {
	wait := resilience.RetryConfig{
		MaxAttempts:    40,
		InitialBackoff: 25 * time.Millisecond,
		MaxBackoff:     time.Second,
		ShouldRetry:    resilience.RetryOn(errTripsBusy),
	}
	return &Matcher{store: store, cfg: cfg, locks: lock.NewKeyed(), wait: wait, now: time.Now}
}

type candidate struct {
	trip  model.Trip
	score float64
}

// Match returns the best trip for ext among the trips ownerUserID created or
// travels on. The user's trip set is locked from listing through creation so
// two concurrent unmatched extractions cannot both open a draft for the same
// event: the second one sees the first one's draft. The lock is a keyed
// mutex within the process and a store lease across processes.
func (m *Matcher) Match(ctx context.Context, ext *model.ExtractionResult, ownerUserID string) (Result, error) {
	if ownerUserID == "" {
		return Result{}, eris.New("matcher: owner user is required")
	}
	unlock, err := m.locks.Lock(ctx, ownerUserID)
	if err != nil {
		return Result{}, eris.Wrap(err, "matcher: lock user trips")
	}
	defer unlock()

	release, err := m.claim(ctx, ownerUserID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	trips, err := m.store.ListUserTrips(ctx, ownerUserID)
	if err != nil {
		return Result{}, eris.Wrap(err, "matcher: list trips")
	}

	if best, ok := m.best(ext, trips); ok {
		zap.L().Debug("matcher: matched trip",
			zap.String("trip_id", best.trip.ID),
			zap.Float64("score", best.score),
		)
		return Result{TripID: best.trip.ID, Confidence: best.score}, nil
	}

	trip := draftTrip(ext, ownerUserID)
	travelers := []model.TripTraveler{{UserID: ownerUserID, Role: model.RoleOrganizer}}
	if err := m.store.CreateTrip(ctx, trip, travelers); err != nil {
		return Result{}, eris.Wrap(err, "matcher: create draft trip")
	}
	zap.L().Info("matcher: created draft trip",
		zap.String("trip_id", trip.ID),
		zap.String("destination", trip.Destination),
	)
	return Result{TripID: trip.ID, Confidence: 1.0, Created: true}, nil
}

// claim takes the user's trip lease, waiting out another holder.
func (m *Matcher) claim(ctx context.Context, ownerUserID string) (func(), error) {
	key := "trips:" + ownerUserID
	holder := uuid.New().String()
	err := resilience.Do(ctx, m.wait, func(ctx context.Context) error {
		ok, err := m.store.ClaimLease(ctx, key, holder, leaseTTL)
		if err != nil {
			return eris.Wrap(err, "matcher: claim user trips")
		}
		if !ok {
			return errTripsBusy
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := m.store.ReleaseLease(context.WithoutCancel(ctx), key, holder); err != nil {
			zap.L().Warn("matcher: release user trips", zap.String("user_id", ownerUserID), zap.Error(err))
		}
	}, nil
}

func undated(t model.Trip) bool {
	return t.StartDate == nil && t.EndDate == nil
}

const day = 24 * time.Hour

// overlapFraction is the share of the extraction's days, inclusive, that fall
// inside the trip. A missing trip bound is open.
func overlapFraction(start, end time.Time, t model.Trip) float64 {
	s, e := dayOf(start), dayOf(end)
	from, to := s, e
	if t.StartDate != nil && dayOf(*t.StartDate).After(from) {
		from = dayOf(*t.StartDate)
	}
	if t.EndDate != nil && dayOf(*t.EndDate).Before(to) {
		to = dayOf(*t.EndDate)
	}
	if to.Before(from) {
		return 0
	}
	return float64(to.Sub(from)/day+1) / float64(e.Sub(s)/day+1)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func draftTrip(ext *model.ExtractionResult, owner string) *model.Trip {
	dest := ext.InferredDestination()
	start, end := ext.InferredDates()
	name := "Untitled trip"
	if dest != "" {
		name = "Trip to " + dest
	}
	return &model.Trip{
		Name:            name,
		Destination:     dest,
		StartDate:       start,
		EndDate:         end,
		CreatedByUserID: owner,
		Status:          model.TripStatusDraft,
	}
}
