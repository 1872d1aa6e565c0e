package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mcranalyzer/pkg/domain"
)

func newAssignCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "assign MEASUREMENT-ID ROW,COLUMN=REAGENT...",
		Short: "Assign reagents to wells of a measurement",
		Example: `  mcr-analyzer assign 12 0,0=BSA 0,1=BSA 1,0=anti-IgG`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid measurement id %q", args[0])
			}
			assignments, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.AssignReagents(cmd.Context(), id, assignments); err != nil {
				return err
			}
			rec, err := store.GetMeasurement(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printJSON(rec.Reagents)
		},
	}
}

func parseAssignments(args []string) ([]domain.WellAssignment, error) {
	out := make([]domain.WellAssignment, 0, len(args))
	for _, arg := range args {
		well, reagent, ok := strings.Cut(arg, "=")
		reagent = strings.TrimSpace(reagent)
		if !ok || reagent == "" {
			return nil, fmt.Errorf("assignment %q: want ROW,COLUMN=REAGENT", arg)
		}
		rs, cs, ok := strings.Cut(well, ",")
		if !ok {
			return nil, fmt.Errorf("assignment %q: want ROW,COLUMN=REAGENT", arg)
		}
		row, err := strconv.Atoi(strings.TrimSpace(rs))
		if err != nil {
			return nil, fmt.Errorf("assignment %q: row: %w", arg, err)
		}
		col, err := strconv.Atoi(strings.TrimSpace(cs))
		if err != nil {
			return nil, fmt.Errorf("assignment %q: column: %w", arg, err)
		}
		out = append(out, domain.WellAssignment{Well: domain.Well{Row: row, Column: col}, Reagent: reagent})
	}
	return out, nil
}
