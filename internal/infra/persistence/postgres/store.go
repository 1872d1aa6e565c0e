// Package postgres provides the Postgres-backed measurement store. It applies
// the embedded schema on startup and delegates queries to sqlstore.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	sqldocs "mcranalyzer/docs/schema/sql"
	"mcranalyzer/internal/infra/persistence/sqlstore"
	"mcranalyzer/pkg/domain"
)

var _ domain.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/mcranalyzer?sslmode=disable"

	uniqueViolation = "23505"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Dialect is the Postgres flavour of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	NumberedParams:    true,
	DDL:               sqldocs.Postgres,
	IsUniqueViolation: IsUniqueViolation,
}

// Store persists measurements to Postgres.
type Store struct {
	*sqlstore.Store
}

// NewStore opens a Postgres store using dsn (falls back to defaultDSN), checks
// connectivity and applies the schema.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store}, nil
}

// IsUniqueViolation reports whether err carries SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
