package model

import "time"

// Attachment is a file carried by an inbound document (usually a PDF).
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
	// Text holds pre-extracted text when the transport already parsed the file.
	Text string `json:"text,omitempty"`
}

// IncomingDocument is a normalized unit of inbound evidence. SourceID is unique
// per originating message; re-delivery of the same SourceID is idempotent.
type IncomingDocument struct {
	SourceID    string       `json:"source_id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
	OwnerUserID string       `json:"owner_user_id"`
	// TripHint pins the document to a trip and skips matching. Set for
	// clarification replies, which always concern a known trip.
	TripHint string `json:"trip_hint,omitempty"`
}
