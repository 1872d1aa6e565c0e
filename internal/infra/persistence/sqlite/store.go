// Package sqlite provides the SQLite-backed measurement store, the default
// single-file database of the analyzer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	sqldocs "mcranalyzer/docs/schema/sql"
	"mcranalyzer/internal/infra/persistence/sqlstore"
	"mcranalyzer/pkg/domain"
)

var _ domain.Store = (*Store)(nil)

const (
	defaultPath = "mcr.db"
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"
)

// Dialect is the SQLite flavour of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	DDL:               sqldocs.SQLite,
	IsUniqueViolation: IsUniqueViolation,
}

// Store persists measurements to a SQLite file.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating if needed) the SQLite database at path and applies
// the schema. An empty path falls back to mcr.db in the working directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	source, err := dsn(path)
	if err != nil {
		return nil, err
	}
	if path != MemoryPath && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// requiredPragmas are applied to every connection. foreign_keys replaces a
// caller value; the store depends on it for reference integrity.
var requiredPragmas = []struct {
	name, value string
	force       bool
}{
	{"foreign_keys", "foreign_keys(1)", true},
	{"busy_timeout", "busy_timeout(5000)", false},
}

// dsn turns a file path, ":memory:" or a caller "file:" URI into a
// modernc DSN carrying the required pragmas.
func dsn(path string) (string, error) {
	base, query := "file:"+path, ""
	switch {
	case path == MemoryPath:
		base = "file::memory:"
	case strings.HasPrefix(path, "file:"):
		base, query, _ = strings.Cut(path, "?")
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return "", fmt.Errorf("parse sqlite dsn %q: %w", path, err)
	}
	pragmas := params["_pragma"]
	for _, req := range requiredPragmas {
		kept := pragmas[:0]
		found := false
		for _, p := range pragmas {
			name, _, _ := strings.Cut(p, "(")
			if strings.EqualFold(strings.TrimSpace(name), req.name) {
				if req.force {
					continue
				}
				found = true
			}
			kept = append(kept, p)
		}
		pragmas = kept
		if !found {
			pragmas = append(pragmas, req.value)
		}
	}
	params["_pragma"] = pragmas
	return base + "?" + params.Encode(), nil
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint failure.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}
