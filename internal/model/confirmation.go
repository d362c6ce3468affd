package model

import "time"

// ConfirmationState is the state of a pending human decision.
type ConfirmationState string

const (
	ConfirmationPending  ConfirmationState = "pending"
	ConfirmationAccepted ConfirmationState = "accepted"
	ConfirmationRejected ConfirmationState = "rejected"
	ConfirmationExpired  ConfirmationState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s ConfirmationState) Terminal() bool {
	return s != ConfirmationPending
}

// ConfirmationRequest asks a user to choose between the active value of a
// field and a conflicting candidate.
type ConfirmationRequest struct {
	ID                 string            `json:"id"`
	TripID             string            `json:"trip_id"`
	FieldName          string            `json:"field_name"`
	CandidateVersionID string            `json:"candidate_version_id"`
	ActiveVersionID    string            `json:"active_version_id,omitempty"`
	OldValue           string            `json:"old_value"`
	NewValue           string            `json:"new_value"`
	CorrelationToken   string            `json:"correlation_token"`
	OwnerUserID        string            `json:"owner_user_id"`
	State              ConfirmationState `json:"state"`
	CreatedAt          time.Time         `json:"created_at"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
}

// ConfirmationMessage is what the notification collaborator delivers.
type ConfirmationMessage struct {
	CorrelationToken string    `json:"correlation_token"`
	TripID           string    `json:"trip_id"`
	FieldName        string    `json:"field_name"`
	OldValue         string    `json:"old_value"`
	NewValue         string    `json:"new_value"`
	OwnerUserID      string    `json:"owner_user_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// Message projects the request onto the outbound notification payload.
func (r *ConfirmationRequest) Message() ConfirmationMessage {
	return ConfirmationMessage{
		CorrelationToken: r.CorrelationToken,
		TripID:           r.TripID,
		FieldName:        r.FieldName,
		OldValue:         r.OldValue,
		NewValue:         r.NewValue,
		OwnerUserID:      r.OwnerUserID,
		CreatedAt:        r.CreatedAt,
	}
}

// UserReply is the asynchronous answer to a ConfirmationRequest.
type UserReply struct {
	CorrelationToken string    `json:"correlation_token"`
	ReplyText        string    `json:"reply_text"`
	ReceivedAt       time.Time `json:"received_at"`
}

// ReplyIntent is the classified meaning of a reply.
type ReplyIntent string

const (
	IntentAccept  ReplyIntent = "accept"
	IntentReject  ReplyIntent = "reject"
	IntentClarify ReplyIntent = "clarify"
)

// IntentVerdict is the output of the intent classifier.
type IntentVerdict struct {
	Intent     ReplyIntent `json:"intent"`
	Confidence float64     `json:"confidence"`
}

// ConflictVerdict is the output of the conflict judge.
type ConflictVerdict struct {
	Conflict   bool    `json:"conflict"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}
