// Package testutil provides a recording stub database for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

var stubSeq atomic.Int64

// Responder returns the columns and rows answered for a query.
type Responder func(query string, args []driver.NamedValue) (cols []string, rows [][]driver.Value, err error)

// StubConn records statements issued by the store. Queries are answered by
// Respond; without one they return no rows.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Queries    []string
	FailPing   bool
	FailExec   bool
	FailBegin  bool
	FailCommit bool
	Respond    Responder
}

// NewStubDB registers a sql.DB backed by a fresh stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	c.Execs = append(c.Execs, query)
	c.mu.Unlock()
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	c.Queries = append(c.Queries, query)
	c.mu.Unlock()
	if c.Respond == nil {
		return &stubRows{}, nil
	}
	cols, rows, err := c.Respond(query, args)
	if err != nil {
		return nil, err
	}
	return &stubRows{cols: cols, rows: rows}, nil
}

// Statements returns a copy of the recorded execs and queries.
func (c *StubConn) Statements() (execs, queries []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Execs...), append([]string(nil), c.Queries...)
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}

func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
