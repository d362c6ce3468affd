package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractionResult_FieldNamesSorted(t *testing.T) {
	e := ExtractionResult{Fields: map[string]ExtractedField{
		"hotel_name": {Value: "Hilton"},
		"check_in":   {Value: "2026-06-01"},
		"city":       {Value: "Barcelona"},
	}}
	assert.Equal(t, []string{"check_in", "city", "hotel_name"}, e.FieldNames())
}

func TestExtractionResult_InferredDestination(t *testing.T) {
	e := ExtractionResult{Fields: map[string]ExtractedField{
		"hotel_name": {Value: "Hilton Barcelona"},
		"city":       {Value: " Barcelona "},
	}}
	assert.Equal(t, "Barcelona", e.InferredDestination())

	e = ExtractionResult{Fields: map[string]ExtractedField{
		"hotel_name": {Value: "Hilton Barcelona"},
	}}
	assert.Equal(t, "Hilton Barcelona", e.InferredDestination())

	assert.Empty(t, (&ExtractionResult{}).InferredDestination())
}

func TestExtractionResult_InferredDates(t *testing.T) {
	e := ExtractionResult{Fields: map[string]ExtractedField{
		"check_in":  {Value: "2026-06-01"},
		"check_out": {Value: "2026-06-05"},
	}}
	start, end := e.InferredDates()
	require.NotNil(t, start)
	require.NotNil(t, end)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), *start)
	assert.Equal(t, time.Date(2026, 6, 5, 0, 0, 0, 0, time.UTC), *end)
}

func TestExtractionResult_InferredDates_SingleDate(t *testing.T) {
	e := ExtractionResult{Fields: map[string]ExtractedField{
		"departure_date": {Value: "2026-06-01"},
	}}
	start, end := e.InferredDates()
	require.NotNil(t, start)
	require.NotNil(t, end)
	assert.Equal(t, *start, *end)
}

func TestExtractionResult_InferredDates_None(t *testing.T) {
	e := ExtractionResult{Fields: map[string]ExtractedField{"hotel_name": {Value: "Hilton"}}}
	start, end := e.InferredDates()
	assert.Nil(t, start)
	assert.Nil(t, end)
}

func TestParseDate_TimezoneNormalized(t *testing.T) {
	a, ok := ParseDate("2026-06-01T10:00:00+02:00")
	require.True(t, ok)
	b, ok := ParseDate("2026-06-01T08:00:00Z")
	require.True(t, ok)
	assert.True(t, a.Equal(b))
	assert.Equal(t, time.UTC, a.Location())

	_, ok = ParseDate("next tuesday")
	assert.False(t, ok)
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "", ValueString(nil))
	assert.Equal(t, "42", ValueString(float64(42)))
	assert.Equal(t, "1.5", ValueString(1.5))
	assert.Equal(t, "a, b", ValueString([]any{"a", "b"}))
	assert.Equal(t, "true", ValueString(true))
}

func TestTrip_EndsOnOrAfter(t *testing.T) {
	now := time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)
	open := Trip{}
	assert.True(t, open.EndsOnOrAfter(now))

	past := time.Date(2026, 6, 9, 0, 0, 0, 0, time.UTC)
	assert.False(t, (&Trip{EndDate: &past}).EndsOnOrAfter(now))

	today := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	assert.True(t, (&Trip{EndDate: &today}).EndsOnOrAfter(now))
}

func TestConfirmationState_Terminal(t *testing.T) {
	assert.False(t, ConfirmationPending.Terminal())
	assert.True(t, ConfirmationAccepted.Terminal())
	assert.True(t, ConfirmationRejected.Terminal())
	assert.True(t, ConfirmationExpired.Terminal())
}
