package model

import "time"

// Decision is the classifier's judgement of a new value against the current one.
type Decision string

const (
	DecisionNoCurrentValue Decision = "no_current_value"
	DecisionIdentical      Decision = "identical"
	DecisionComplementary  Decision = "complementary"
	DecisionConflicting    Decision = "conflicting"
	DecisionAmbiguous      Decision = "ambiguous"
)

// ResolutionState is the coordinator state reached for one (trip, field) evaluation.
type ResolutionState string

const (
	StateEvaluating           ResolutionState = "evaluating"
	StateAutoApplied          ResolutionState = "auto_applied"
	StateAutoRejected         ResolutionState = "auto_rejected"
	StateAwaitingConfirmation ResolutionState = "awaiting_confirmation"
	StateApplied              ResolutionState = "applied"
	StateDiscarded            ResolutionState = "discarded"
	StateExpired              ResolutionState = "expired"
	// StateFailed marks a field whose processing hit a fatal error; siblings are unaffected.
	StateFailed ResolutionState = "failed"
)

// FieldOutcome reports what happened to one extracted field.
type FieldOutcome struct {
	FieldName        string          `json:"field_name"`
	Value            string          `json:"value"`
	Decision         Decision        `json:"decision,omitempty"`
	Stage            string          `json:"stage,omitempty"`
	State            ResolutionState `json:"state"`
	VersionID        string          `json:"version_id,omitempty"`
	ConfirmationID   string          `json:"confirmation_id,omitempty"`
	CorrelationToken string          `json:"correlation_token,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// IngestResult is the persisted outcome of ingesting one document.
type IngestResult struct {
	SourceID      string         `json:"source_id"`
	TripID        string         `json:"trip_id,omitempty"`
	TripCreated   bool           `json:"trip_created"`
	MatchScore    float64        `json:"match_score"`
	BookingType   string         `json:"booking_type,omitempty"`
	Outcomes      []FieldOutcome `json:"outcomes"`
	MissingFields []string       `json:"missing_fields,omitempty"`
	// Collisions are extracted values dropped in favour of another spelling
	// of the same field.
	Collisions []FieldCollision `json:"collisions,omitempty"`
	// Duplicate is set on the value returned for a re-delivered document; it
	// is never persisted as true. InProgress additionally marks a duplicate
	// whose first delivery is still being processed elsewhere.
	Duplicate   bool      `json:"duplicate,omitempty"`
	InProgress  bool      `json:"in_progress,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ReplyOutcome reports what a user reply did.
type ReplyOutcome struct {
	ConfirmationID string          `json:"confirmation_id,omitempty"`
	TripID         string          `json:"trip_id,omitempty"`
	FieldName      string          `json:"field_name,omitempty"`
	Intent         ReplyIntent     `json:"intent,omitempty"`
	State          ResolutionState `json:"state,omitempty"`
	Ignored        bool            `json:"ignored"`
	Reason         string          `json:"reason,omitempty"`
	Clarification  *IngestResult   `json:"clarification,omitempty"`
}

// AttentionItem is a conflicted assertion surfaced to operators.
type AttentionItem struct {
	Version      FieldVersion         `json:"version"`
	Confirmation *ConfirmationRequest `json:"confirmation,omitempty"`
	ActiveValue  string               `json:"active_value,omitempty"`
}
