package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/travelroboto/trip-ingest/internal/coordinator"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/policy"
	"github.com/travelroboto/trip-ingest/internal/store"
)

var tripsCmd = &cobra.Command{
	Use:   "trips",
	Short: "Inspect and sync trips",
}

var tripsShowCmd = &cobra.Command{
	Use:   "show <trip-id>",
	Short: "Print a trip's summary, structured data and items needing attention",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		trip, err := st.GetTrip(ctx, args[0])
		if err != nil {
			return err
		}
		travelers, err := st.ListTravelers(ctx, trip.ID)
		if err != nil {
			return err
		}
		// Attention needs no model calls, so a store-only coordinator will do.
		coord := coordinator.New(st, nil, nil, nil, policy.Default(), coordinator.DefaultConfig())
		attention, err := coord.NeedsAttention(ctx, trip.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"trip":      trip,
			"travelers": travelers,
			"attention": attention,
		})
	},
}

var tripsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Upsert trips and travelers from a YAML or JSON sync file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}
		trips, err := parseTripImport(data)
		if err != nil {
			return err
		}

		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := importTrips(cmd, st, trips); err != nil {
			return err
		}
		zap.L().Info("trip import complete", zap.Int("trips", len(trips)), zap.String("file", args[0]))
		return nil
	},
}

// tripRecord is one trip in a sync file.
type tripRecord struct {
	ID              string           `yaml:"id"`
	Name            string           `yaml:"name"`
	Destination     string           `yaml:"destination"`
	StartDate       string           `yaml:"start_date"`
	EndDate         string           `yaml:"end_date"`
	CreatedByUserID string           `yaml:"created_by_user_id"`
	Status          string           `yaml:"status"`
	Travelers       []travelerRecord `yaml:"travelers"`
}

type travelerRecord struct {
	UserID string `yaml:"user_id"`
	Role   string `yaml:"role"`
}

type importedTrip struct {
	Trip      model.Trip
	Travelers []model.TripTraveler
}

// parseTripImport decodes a sync file. JSON is accepted as a YAML subset.
// Synced trips default to active status.
func parseTripImport(data []byte) ([]importedTrip, error) {
	var file struct {
		Trips []tripRecord `yaml:"trips"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "parse trip import")
	}

	out := make([]importedTrip, 0, len(file.Trips))
	for i, r := range file.Trips {
		if r.ID == "" || r.CreatedByUserID == "" {
			return nil, eris.Errorf("trip %d: id and created_by_user_id are required", i)
		}
		t := model.Trip{
			ID:              r.ID,
			Name:            r.Name,
			Destination:     r.Destination,
			CreatedByUserID: r.CreatedByUserID,
			Status:          model.TripStatus(strings.ToLower(r.Status)),
		}
		if t.Status == "" {
			t.Status = model.TripStatusActive
		}
		if t.Status != model.TripStatusActive && t.Status != model.TripStatusDraft {
			return nil, eris.Errorf("trip %s: unknown status %q", r.ID, r.Status)
		}
		if r.StartDate != "" {
			d, ok := model.ParseDate(r.StartDate)
			if !ok {
				return nil, eris.Errorf("trip %s: bad start_date %q", r.ID, r.StartDate)
			}
			t.StartDate = &d
		}
		if r.EndDate != "" {
			d, ok := model.ParseDate(r.EndDate)
			if !ok {
				return nil, eris.Errorf("trip %s: bad end_date %q", r.ID, r.EndDate)
			}
			t.EndDate = &d
		}

		travelers := []model.TripTraveler{{TripID: r.ID, UserID: r.CreatedByUserID, Role: model.RoleOrganizer}}
		for _, tr := range r.Travelers {
			if tr.UserID == "" || tr.UserID == r.CreatedByUserID {
				continue
			}
			role := tr.Role
			if role == "" {
				role = model.RoleTraveler
			}
			travelers = append(travelers, model.TripTraveler{TripID: r.ID, UserID: tr.UserID, Role: role})
		}
		out = append(out, importedTrip{Trip: t, Travelers: travelers})
	}
	return out, nil
}

func importTrips(cmd *cobra.Command, st store.Store, trips []importedTrip) error {
	for i := range trips {
		it := &trips[i]
		if err := st.UpsertTrip(cmd.Context(), &it.Trip, it.Travelers); err != nil {
			return eris.Wrapf(err, "upsert trip %s", it.Trip.ID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "upserted %s (%s)\n", it.Trip.ID, it.Trip.Name)
	}
	return nil
}

func init() {
	tripsCmd.AddCommand(tripsShowCmd, tripsImportCmd)
	rootCmd.AddCommand(tripsCmd)
}
