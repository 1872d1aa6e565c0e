package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"mcranalyzer/internal/core"
	"mcranalyzer/internal/decoder"
	"mcranalyzer/pkg/domain"
)

type importFlags struct {
	workers  int
	user     string
	device   string
	bitDepth int
	plate    domain.Plate
	reagents []string
	metrics  string
	report   bool
}

func newImportCmd(a *app) *cobra.Command {
	var f importFlags
	cmd := &cobra.Command{
		Use:   "import PATH...",
		Short: "Import measurement files or directories",
		Long: `Import decodes every measurement under the given paths, locates and measures
the spot grid and stores the results. Directories are scanned recursively;
result sheets (.rslt) are preferred over bare images. Geometry flags override
the grid read from the result sheet; --reagent assigns the same layout to
every imported measurement.`,
		Example: `  mcr-analyzer import data/ --reagent 0,0=BSA --reagent 1,0=anti-IgG --metrics-file import.prom`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, a, f, args)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.workers, "workers", 0, "parallel imports (default MCR_IMPORT_WORKERS)")
	fl.StringVar(&f.user, "user", "", "operator recorded with each measurement (default MCR_IMPORT_USER)")
	fl.StringVar(&f.device, "device", "", "device serial for images without a result sheet")
	fl.IntVar(&f.bitDepth, "bit-depth", 0, "expected sample depth (default MCR_BIT_DEPTH)")
	fl.StringVar(&f.plate.Name, "plate", "", "plate (chip) name")
	fl.IntVar(&f.plate.Rows, "rows", 0, "grid rows")
	fl.IntVar(&f.plate.Columns, "columns", 0, "grid columns")
	fl.Float64Var(&f.plate.SpotDiameter, "spot-diameter", 0, "spot diameter in pixels")
	fl.Float64Var(&f.plate.Pitch, "pitch", 0, "horizontal spot spacing in pixels")
	fl.Float64Var(&f.plate.PitchY, "pitch-y", 0, "vertical spot spacing in pixels (default --pitch)")
	fl.Float64Var(&f.plate.OriginX, "origin-x", 0, "x of the center of spot (0,0)")
	fl.Float64Var(&f.plate.OriginY, "origin-y", 0, "y of the center of spot (0,0)")
	fl.StringArrayVar(&f.reagents, "reagent", nil, "reagent layout entry ROW,COLUMN=REAGENT (repeatable)")
	fl.StringVar(&f.metrics, "metrics-file", "", "write import metrics in Prometheus text format to this file")
	fl.BoolVar(&f.report, "json", false, "print the batch report as JSON")
	return cmd
}

func runImport(cmd *cobra.Command, a *app, f importFlags, args []string) error {
	ctx := cmd.Context()
	layout, err := parseAssignments(f.reagents)
	if err != nil {
		return err
	}
	var paths []string
	for _, arg := range args {
		found, err := core.Scan(arg)
		if err != nil {
			return err
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no measurement files found")
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	archive, err := a.openArchive(ctx)
	if err != nil {
		return err
	}

	bitDepth := a.cfg.Import.BitDepth
	if f.bitDepth > 0 {
		bitDepth = f.bitDepth
	}
	im := core.NewImporter(store, archive, a.log)
	im.Decoder = &decoder.Decoder{BitDepth: bitDepth, Location: a.cfg.Import.Location}
	im.Pipeline = core.NewPipeline(a.cfg.Processing)
	im.Options = core.ImportOptions{User: firstSet(f.user, a.cfg.Import.User), Device: f.device, Reagents: layout}
	if f.plate != (domain.Plate{}) {
		plate := f.plate
		im.Options.Plate = &plate
	}

	reg := prometheus.NewRegistry()
	if im.Metrics, err = core.NewMetrics(reg); err != nil {
		return err
	}

	workers := a.cfg.Import.Workers
	if f.workers > 0 {
		workers = f.workers
	}
	batch := &core.Batch{Importer: im, Workers: workers, Logger: a.log}
	report, runErr := batch.Run(ctx, paths)

	if f.report {
		if err := a.printJSON(jsonReport(report)); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(a.stdout, "run %s: %d imported, %d skipped, %d failed\n",
			report.RunID, len(report.Imported), len(report.Skipped), len(report.Failed))
		for _, fail := range report.Failed {
			_, _ = fmt.Fprintf(a.stderr, "  %v\n", fail)
		}
	}
	if f.metrics != "" {
		if err := prometheus.WriteToTextfile(f.metrics, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("import interrupted: %w", runErr)
	}
	if !report.OK() {
		return fmt.Errorf("%d measurement(s) failed", len(report.Failed))
	}
	return nil
}

type failedEntry struct {
	Path          string `json:"path"`
	MeasurementID int64  `json:"measurement_id,omitempty"`
	Error         string `json:"error"`
}

func jsonReport(r *core.BatchReport) map[string]any {
	failed := make([]failedEntry, 0, len(r.Failed))
	for _, f := range r.Failed {
		failed = append(failed, failedEntry{Path: f.Path, MeasurementID: f.MeasurementID, Error: f.Err.Error()})
	}
	return map[string]any{
		"run_id":    r.RunID,
		"imported":  r.Imported,
		"skipped":   r.Skipped,
		"failed":    failed,
		"cancelled": r.Cancelled,
	}
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
