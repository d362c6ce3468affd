package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ExtractedField is one value the extractor found, with its confidence.
type ExtractedField struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the output of the extraction capability for one document.
type ExtractionResult struct {
	BookingType   string                    `json:"booking_type"`
	Fields        map[string]ExtractedField `json:"fields"`
	MissingFields []string                  `json:"missing_fields,omitempty"`
	// Collisions are values dropped because another spelling of the same
	// field name carried a higher confidence.
	Collisions []FieldCollision `json:"collisions,omitempty"`
}

// FieldCollision records an extracted value that lost to another spelling
// of the same canonical field name.
type FieldCollision struct {
	FieldName  string  `json:"field_name"`
	RawKey     string  `json:"raw_key"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// FieldNames returns the extracted field names in lexicographic order.
func (e *ExtractionResult) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// StringValue returns the named field rendered as a string, or "".
func (e *ExtractionResult) StringValue(name string) string {
	f, ok := e.Fields[name]
	if !ok || f.Value == nil {
		return ""
	}
	return strings.TrimSpace(ValueString(f.Value))
}

// destinationKeys are consulted in order to infer where a booking takes place.
var destinationKeys = []string{
	"destination", "city", "arrival_city", "hotel_city", "hotel_address", "hotel_name", "arrival_airport",
}

// startKeys and endKeys infer the booking's date range.
var (
	startKeys = []string{"start_date", "check_in", "departure_date", "departure_time", "pickup_date", "event_date"}
	endKeys   = []string{"end_date", "check_out", "return_date", "arrival_time", "dropoff_date", "event_date"}
)

// InferredDestination returns the best destination string in the extraction.
func (e *ExtractionResult) InferredDestination() string {
	for _, k := range destinationKeys {
		if v := e.StringValue(k); v != "" {
			return v
		}
	}
	return ""
}

// InferredDates returns the booking's date range. Either bound may be nil;
// a single found date is used for both ends.
func (e *ExtractionResult) InferredDates() (start, end *time.Time) {
	start = e.firstDate(startKeys)
	end = e.firstDate(endKeys)
	if start == nil && end != nil {
		start = end
	}
	if end == nil && start != nil {
		end = start
	}
	if start != nil && end != nil && end.Before(*start) {
		start, end = end, start
	}
	return start, end
}

func (e *ExtractionResult) firstDate(keys []string) *time.Time {
	for _, k := range keys {
		if t, ok := ParseDate(e.StringValue(k)); ok {
			return &t
		}
	}
	return nil
}

// ValueString renders an extracted value for storage and comparison.
func ValueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, ValueString(p))
		}
		return strings.Join(parts, ", ")
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"Mon, 2 Jan 2006",
}

// ParseDate parses the date formats extractors commonly emit. Instants are
// normalized to UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
