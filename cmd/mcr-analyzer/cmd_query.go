package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mcranalyzer/pkg/domain"
)

func newQueryCmd(a *app) *cobra.Command {
	var (
		filter   domain.MeasurementFilter
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print stored measurements as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if filter.From, err = parseFlagTime("from", from, a.cfg.Import.Location); err != nil {
				return err
			}
			if filter.To, err = parseFlagTime("to", to, a.cfg.Import.Location); err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			records, err := store.QueryMeasurements(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if records == nil {
				records = []domain.MeasurementRecord{}
			}
			return a.printJSON(records)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&filter.DeviceSerial, "device", "", "device serial")
	fl.StringVar(&filter.PlateName, "plate", "", "plate (chip) name")
	fl.StringVar(&filter.ReagentName, "reagent", "", "reagent assigned to any well")
	fl.StringVar(&from, "from", "", "earliest timestamp, inclusive (RFC 3339 or 2006-01-02 15:04 local)")
	fl.StringVar(&to, "to", "", "latest timestamp, exclusive")
	fl.IntVar(&filter.Limit, "limit", 0, "maximum number of measurements")
	return cmd
}

// parseFlagTime accepts RFC 3339 or the result sheet's local format.
func parseFlagTime(name, raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s: cannot parse %q", name, raw)
}
