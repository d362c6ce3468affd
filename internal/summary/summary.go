// Package summary derives a trip's agent-readable projection from its active
// field versions.
package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/samber/lo"

	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/store"
)

// Store is the slice of the store Refresh needs.
type Store interface {
	RefreshTrip(ctx context.Context, tripID string, project store.ProjectFunc) (*model.Trip, error)
}

// categories are field-name prefixes rendered as their own section.
var categories = []string{"flight", "hotel", "car", "activity", "train"}

const general = "details"

// Build renders the summary. Output depends only on its inputs: sections
// and fields are sorted.
func Build(trip *model.Trip, active []model.FieldVersion) string {
	var b strings.Builder
	name := trip.Name
	if name == "" {
		name = "Untitled trip"
	}
	fmt.Fprintf(&b, "Trip: %s\n", name)
	if trip.Destination != "" {
		fmt.Fprintf(&b, "Destination: %s\n", trip.Destination)
	}
	if dates := formatRange(trip.StartDate, trip.EndDate); dates != "" {
		fmt.Fprintf(&b, "Dates: %s\n", dates)
	}
	if trip.Status == model.TripStatusDraft {
		b.WriteString("Status: draft\n")
	}

	groups := lo.GroupBy(active, func(v model.FieldVersion) string { return category(v.FieldName) })
	sections := lo.Keys(groups)
	sort.Slice(sections, func(i, j int) bool {
		// The catch-all section goes last.
		if (sections[i] == general) != (sections[j] == general) {
			return sections[j] == general
		}
		return sections[i] < sections[j]
	})

	for _, section := range sections {
		fields := groups[section]
		sort.Slice(fields, func(i, j int) bool { return fields[i].FieldName < fields[j].FieldName })
		fmt.Fprintf(&b, "\n%s:\n", strings.ToUpper(section[:1])+section[1:])
		for _, v := range fields {
			fmt.Fprintf(&b, "- %s: %s\n", strings.ReplaceAll(v.FieldName, "_", " "), v.Value)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func category(field string) string {
	for _, c := range categories {
		if strings.HasPrefix(field, c+"_") {
			return c
		}
	}
	switch field {
	case "check_in", "check_out", "room_type":
		return "hotel"
	case "departure_airport", "arrival_airport", "departure_time", "arrival_time", "seat":
		return "flight"
	}
	return general
}

func formatRange(start, end *time.Time) string {
	switch {
	case start != nil && end != nil && !start.Equal(*end):
		return start.Format(time.DateOnly) + " to " + end.Format(time.DateOnly)
	case start != nil:
		return start.Format(time.DateOnly)
	case end != nil:
		return "until " + end.Format(time.DateOnly)
	}
	return ""
}

// Refresh recomputes structured_data, the derived columns and the summary of
// a trip from its active versions. The store holds the trip locked for the
// whole recompute, so concurrent refreshes cannot drop each other's fields.
func Refresh(ctx context.Context, st Store, tripID string) (*model.Trip, error) {
	trip, err := st.RefreshTrip(ctx, tripID, Project)
	if err != nil {
		return nil, eris.Wrapf(err, "summary: refresh trip %s", tripID)
	}
	return trip, nil
}

// Project rewrites trip from its active versions. Keys written by an
// external sync with no version history are kept. Draft trips take
// destination and dates from the active versions; synced trips only have
// missing ones filled in.
func Project(trip *model.Trip, active []model.FieldVersion) {
	data := make(map[string]any, len(trip.StructuredData)+len(active))
	for k, v := range trip.StructuredData {
		data[k] = v
	}
	view := &model.ExtractionResult{Fields: make(map[string]model.ExtractedField, len(active))}
	for _, v := range active {
		data[v.FieldName] = v.Value
		view.Fields[v.FieldName] = model.ExtractedField{Value: v.Value, Confidence: v.Confidence}
	}
	trip.StructuredData = data

	draft := trip.Status == model.TripStatusDraft
	if dest := view.InferredDestination(); dest != "" && (draft || trip.Destination == "") {
		trip.Destination = dest
	}
	start, end := view.InferredDates()
	if start != nil && (draft || trip.StartDate == nil) {
		trip.StartDate = start
	}
	if end != nil && (draft || trip.EndDate == nil) {
		trip.EndDate = end
	}

	trip.Summary = Build(trip, active)
}
