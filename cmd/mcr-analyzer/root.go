package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mcranalyzer/internal/blob"
	"mcranalyzer/internal/config"
	"mcranalyzer/internal/core"
	"mcranalyzer/internal/logging"
	"mcranalyzer/pkg/domain"
)

// app carries state shared by all subcommands.
type app struct {
	stdout, stderr io.Writer

	envFile  string
	storage  string
	dbPath   string
	logLevel string

	cfg *config.Config
	log *logging.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "mcr-analyzer",
		Short: "Analyze MCR chemiluminescence measurements",
		Long: `mcr-analyzer imports images produced by the MCR device, locates the spot
grid, measures every spot and stores the results with full provenance.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.log.Close()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.envFile, "env-file", "", "read configuration from this env file instead of ./.env")
	pf.StringVar(&a.storage, "storage", "", "storage driver (sqlite, postgres, memory)")
	pf.StringVar(&a.dbPath, "db", "", "sqlite database path")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newMigrateCmd(a),
		newImportCmd(a),
		newQueryCmd(a),
		newAssignCmd(a),
		newServeCmd(a),
		newPruneCmd(a),
	)
	return root
}

func (a *app) setup() error {
	var (
		cfg *config.Config
		err error
	)
	if a.envFile != "" {
		cfg, err = config.LoadFile(a.envFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if a.storage != "" {
		cfg.Storage.Driver = a.storage
	}
	if a.dbPath != "" {
		cfg.Storage.SQLitePath = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) openStore() (domain.Store, error) {
	store, err := core.OpenStore(a.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Storage.Driver, err)
	}
	return store, nil
}

func (a *app) openArchive(ctx context.Context) (*blob.Archive, error) {
	store, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open %s blob store: %w", a.cfg.Blob.Driver, err)
	}
	return blob.NewArchive(store), nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
