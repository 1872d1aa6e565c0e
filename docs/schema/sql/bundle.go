// Package sqldocs exposes the relational schema as embedded DDL bundles.
package sqldocs

import _ "embed"

// SQLite contains the SQLite DDL bundle.
//
//go:embed sqlite.sql
var SQLite string

// Postgres contains the Postgres DDL bundle.
//
//go:embed postgres.sql
var Postgres string
