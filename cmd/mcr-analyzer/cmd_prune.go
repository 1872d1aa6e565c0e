package main

import (
	"github.com/spf13/cobra"

	"mcranalyzer/internal/core"
)

func newPruneCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove archived images that no stored measurement references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			archive, err := a.openArchive(ctx)
			if err != nil {
				return err
			}
			report, err := core.PruneArchive(ctx, store, archive, dryRun, a.log)
			if err != nil {
				return err
			}
			return a.printJSON(report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list orphaned images")
	return cmd
}
