// Package config loads analyzer configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // MCR_TIMEZONE must resolve without system zoneinfo

	"github.com/joho/godotenv"

	"mcranalyzer/internal/blob"
)

// Storage drivers.
const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Storage    StorageConfig
	Blob       blob.Config
	Logging    LoggingConfig
	Import     ImportConfig
	Processing ProcessingConfig
	Server     ServerConfig
}

// StorageConfig selects the relational store.
type StorageConfig struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level        string
	Format       string // json or console
	Output       string // stdout, stderr, or file path
	EnableCaller bool
}

// ImportConfig controls batch imports.
type ImportConfig struct {
	Workers  int
	User     string
	BitDepth int
	Timezone string
	Location *time.Location
}

// ProcessingConfig tunes grid location and spot measurement.
type ProcessingConfig struct {
	GridTolerance   int
	GridMaxDrift    int
	GridMinContrast float64
	SpotMargin      int
	NoiseFloor      float64
	ReplicateCutoff float64
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	ImageURLExpiry  time.Duration
}

// Load reads an optional .env file from the working directory, then the
// process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// LoadFile reads the given env files (existing variables win) and then the
// process environment.
func LoadFile(paths ...string) (*Config, error) {
	if err := godotenv.Load(paths...); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup. Malformed values are reported
// together.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := &env{lookup: lookup}
	cfg := &Config{
		Storage: StorageConfig{
			Driver:      strings.ToLower(e.str("MCR_STORAGE_DRIVER", StorageSQLite)),
			SQLitePath:  e.str("MCR_SQLITE_PATH", "mcr.db"),
			PostgresDSN: e.str("MCR_POSTGRES_DSN", ""),
		},
		Blob: blob.Config{
			Driver: blob.Driver(strings.ToLower(e.str("MCR_BLOB_DRIVER", string(blob.DriverFilesystem)))),
			FSRoot: e.str("MCR_BLOB_FS_ROOT", "./blobdata"),
			S3: blob.S3Config{
				Bucket:          e.str("MCR_BLOB_S3_BUCKET", ""),
				Region:          e.str("MCR_BLOB_S3_REGION", ""),
				Endpoint:        e.str("MCR_BLOB_S3_ENDPOINT", ""),
				PathStyle:       e.boolean("MCR_BLOB_S3_PATH_STYLE", false),
				AccessKeyID:     e.str("MCR_BLOB_S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: e.str("MCR_BLOB_S3_SECRET_ACCESS_KEY", ""),
			},
		},
		Logging: LoggingConfig{
			Level:        e.str("MCR_LOG_LEVEL", "info"),
			Format:       e.str("MCR_LOG_FORMAT", "console"),
			Output:       e.str("MCR_LOG_OUTPUT", "stderr"),
			EnableCaller: e.boolean("MCR_LOG_CALLER", false),
		},
		Import: ImportConfig{
			Workers:  e.integer("MCR_IMPORT_WORKERS", runtime.NumCPU()),
			User:     e.str("MCR_IMPORT_USER", currentUser()),
			BitDepth: e.integer("MCR_BIT_DEPTH", 16),
			Timezone: e.str("MCR_TIMEZONE", "Europe/Berlin"),
		},
		Processing: ProcessingConfig{
			GridTolerance:   e.integer("MCR_GRID_TOLERANCE", 3),
			GridMaxDrift:    e.integer("MCR_GRID_MAX_DRIFT", 10),
			GridMinContrast: e.float("MCR_GRID_MIN_CONTRAST", 0),
			SpotMargin:      e.integer("MCR_SPOT_MARGIN", 1),
			NoiseFloor:      e.float("MCR_NOISE_FLOOR", 100),
			ReplicateCutoff: e.float("MCR_REPLICATE_CUTOFF", 0.1),
		},
		Server: ServerConfig{
			Addr:            e.str("MCR_HTTP_ADDR", ":8080"),
			ReadTimeout:     e.duration("MCR_HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    e.duration("MCR_HTTP_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: e.duration("MCR_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			ImageURLExpiry:  e.duration("MCR_IMAGE_URL_EXPIRY", 15*time.Minute),
		},
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(e.errs...))
	}
	loc, err := time.LoadLocation(cfg.Import.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: MCR_TIMEZONE: %w", err)
	}
	cfg.Import.Location = loc
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageSQLite, StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("MCR_POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case blob.DriverFilesystem, blob.DriverMemory, blob.DriverNone:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("MCR_BLOB_S3_BUCKET is required for the s3 blob driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	if c.Import.Workers < 1 {
		return fmt.Errorf("MCR_IMPORT_WORKERS must be at least 1")
	}
	if c.Import.BitDepth < 1 || c.Import.BitDepth > 16 {
		return fmt.Errorf("MCR_BIT_DEPTH must be between 1 and 16")
	}
	if c.Processing.GridTolerance < 0 || c.Processing.GridMaxDrift < 0 {
		return fmt.Errorf("grid tolerance and drift must not be negative")
	}
	if c.Processing.SpotMargin < 0 {
		return fmt.Errorf("MCR_SPOT_MARGIN must not be negative")
	}
	return nil
}

func currentUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return def
	}
	return v
}

func (e *env) float(key string, def float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, raw))
		return def
	}
	return v
}

func (e *env) boolean(key string, def bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return def
	}
	return v
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return def
	}
	return v
}
