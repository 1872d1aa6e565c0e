package core

import (
	"fmt"

	"mcranalyzer/internal/config"
	"mcranalyzer/internal/infra/persistence/postgres"
	"mcranalyzer/internal/infra/persistence/sqlite"
	"mcranalyzer/internal/processing"
	"mcranalyzer/pkg/domain"
)

// OpenStore selects a backend from cfg. An empty driver means sqlite.
//
//	sqlite:   file database at SQLitePath (default ./mcr.db)
//	memory:   private in-memory sqlite database (tests / ephemeral runs)
//	postgres: PostgreSQL server at PostgresDSN
func OpenStore(cfg config.StorageConfig) (domain.Store, error) {
	switch cfg.Driver {
	case "", config.StorageSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorageMemory:
		s, err := sqlite.NewStore(sqlite.MemoryPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoragePostgres:
		s, err := postgres.NewStore(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// NewPipeline builds the processing pipeline from tuning parameters.
func NewPipeline(cfg config.ProcessingConfig) *processing.Pipeline {
	p := processing.NewPipeline()
	p.Locator.Tolerance = cfg.GridTolerance
	p.Locator.MaxDrift = cfg.GridMaxDrift
	p.Locator.MinContrast = cfg.GridMinContrast
	p.Measurer.Margin = cfg.SpotMargin
	p.Measurer.NoiseFloor = cfg.NoiseFloor
	p.ReplicateCutoff = cfg.ReplicateCutoff
	return p
}
