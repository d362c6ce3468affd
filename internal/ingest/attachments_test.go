package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelroboto/trip-ingest/internal/model"
)

func TestAttachmentText(t *testing.T) {
	tests := []struct {
		name string
		att  model.Attachment
		want string
	}{
		{"pre-extracted", model.Attachment{Filename: "a.pdf", Text: "already parsed", Data: []byte("%PDF")}, "already parsed"},
		{"plain text", model.Attachment{Filename: "itinerary", ContentType: "text/plain", Data: []byte("Flight TP 1234")}, "Flight TP 1234"},
		{"txt extension", model.Attachment{Filename: "notes.TXT", Data: []byte("seat 12A")}, "seat 12A"},
		{"image ignored", model.Attachment{Filename: "logo.png", ContentType: "image/png", Data: []byte{0x89, 0x50}}, ""},
		{"empty", model.Attachment{Filename: "empty.pdf"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AttachmentText(tt.att)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAttachmentText_MalformedPDF(t *testing.T) {
	_, err := AttachmentText(model.Attachment{Filename: "broken.pdf", ContentType: "application/pdf", Data: []byte("not a pdf at all")})
	assert.Error(t, err)
}

func TestDocumentText(t *testing.T) {
	doc := &model.IncomingDocument{
		Text: "  Your booking  ",
		Attachments: []model.Attachment{
			{Filename: "voucher.txt", ContentType: "text/plain", Data: []byte("Voucher 991")},
			{Filename: "broken.pdf", ContentType: "application/pdf", Data: []byte("junk")},
			{Filename: "blank.txt", ContentType: "text/plain", Data: []byte("   ")},
		},
	}
	text, errs := documentText(doc)
	assert.Equal(t, "Your booking\n\n--- attachment: voucher.txt ---\nVoucher 991", text)
	assert.Len(t, errs, 1)
}
