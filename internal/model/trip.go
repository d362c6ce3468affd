package model

import "time"

// TripStatus distinguishes trips created from an external sync from drafts
// the matcher opened for an unmatched extraction.
type TripStatus string

const (
	TripStatusDraft  TripStatus = "draft"
	TripStatusActive TripStatus = "active"
)

// Traveler roles on a trip.
const (
	RoleOrganizer = "organizer"
	RoleTraveler  = "traveler"
)

// Trip is a travel event owned by one or more users.
type Trip struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Destination     string         `json:"destination"`
	StartDate       *time.Time     `json:"start_date,omitempty"`
	EndDate         *time.Time     `json:"end_date,omitempty"`
	CreatedByUserID string         `json:"created_by_user_id"`
	Status          TripStatus     `json:"status"`
	StructuredData  map[string]any `json:"structured_data"`
	Summary         string         `json:"summary"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TripTraveler links a user to a trip they travel on.
type TripTraveler struct {
	TripID   string    `json:"trip_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// OpenEnded reports whether the trip has no end date.
func (t *Trip) OpenEnded() bool {
	return t.EndDate == nil
}

// EndsOnOrAfter reports whether the trip is still current at the given instant.
// Open-ended trips always are.
func (t *Trip) EndsOnOrAfter(at time.Time) bool {
	if t.EndDate == nil {
		return true
	}
	return !t.EndDate.Before(truncateDay(at))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
