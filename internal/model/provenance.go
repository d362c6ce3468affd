package model

import "time"

// VersionStatus is the lifecycle status of a FieldVersion.
type VersionStatus string

const (
	VersionActive     VersionStatus = "active"
	VersionSuperseded VersionStatus = "superseded"
	VersionConflicted VersionStatus = "conflicted"
)

// ProvenanceKind says what produced a field assertion.
type ProvenanceKind string

const (
	ProvenanceDocument      ProvenanceKind = "document"
	ProvenanceClarification ProvenanceKind = "clarification"
	ProvenanceManual        ProvenanceKind = "manual"
	ProvenanceSync          ProvenanceKind = "sync"
)

// Provenance records where an asserted value came from. Source carries the
// raw extraction payload for the field so the assertion can be audited later.
type Provenance struct {
	Kind        ProvenanceKind `json:"kind"`
	SourceID    string         `json:"source_id,omitempty"`
	BookingType string         `json:"booking_type,omitempty"`
	Source      map[string]any `json:"source,omitempty"`
}

// Resolution describes who or what settled a conflicted assertion.
type Resolution struct {
	ResolvedBy     string    `json:"resolved_by"`
	Outcome        string    `json:"outcome"`
	ConfirmationID string    `json:"confirmation_id,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// FieldVersion is one assertion of a value for one field of one trip. At most
// one version per (trip, field) is active; superseded versions form the
// history ordered by CreatedAt; a conflicted version is never promoted
// without a resolution.
type FieldVersion struct {
	ID         string        `json:"id"`
	TripID     string        `json:"trip_id"`
	FieldName  string        `json:"field_name"`
	Value      string        `json:"value"`
	Provenance Provenance    `json:"provenance"`
	Confidence float64       `json:"confidence"`
	Status     VersionStatus `json:"status"`
	Resolution *Resolution   `json:"resolution,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
