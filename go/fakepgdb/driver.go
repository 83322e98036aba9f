// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fakepgdb

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"sync/atomic"
)

// fakeDriver implements driver.Driver
type fakeDriver struct {
	db *DB
}

// Open returns a new connection to the fake database.
func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	return d.db.Connect(context.Background())
}

// fakeConn implements driver.Conn
type fakeConn struct {
	db     *DB
	id     int64
	broken atomic.Bool
	closed atomic.Bool
}

// Prepare returns a prepared statement, bound to this connection.
func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext records the prepare and hands out a new statement identity.
func (c *fakeConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	s := &fakeStmt{conn: c, query: query, id: c.db.recordPrepare(query)}
	s.table, s.copying = copyTarget(query)
	return s, nil
}

// Close closes the connection.
func (c *fakeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.db.forget(c)
	}
	return nil
}

// IsValid reports whether the session is still usable.
func (c *fakeConn) IsValid() bool {
	return !c.broken.Load() && !c.closed.Load()
}

// Begin starts and returns a new transaction.
func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx starts and returns a new transaction.
func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.db.logEntry("begin")
	return &fakeTx{conn: c}, nil
}

// QueryContext executes a query that may return rows.
func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	result, err := c.db.handleQuery(query)
	if err != nil {
		return nil, err
	}
	return newRows(result), nil
}

// ExecContext executes a query that doesn't return rows.
func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	result, err := c.db.handleQuery(query)
	if err != nil {
		return nil, err
	}
	return &fakeResult{rowsAffected: int64(len(result.Rows))}, nil
}

func (c *fakeConn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.broken.Load() {
		return driver.ErrBadConn
	}
	return nil
}

// fakeStmt implements driver.Stmt
type fakeStmt struct {
	conn   *fakeConn
	query  string
	id     int64
	closed atomic.Bool

	// COPY ... FROM STDIN state
	copying bool
	table   string
	pending int64
}

// Close closes the statement.
func (s *fakeStmt) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.db.openStmts.Add(-1)
	}
	return nil
}

// NumInput returns the number of placeholder parameters.
func (s *fakeStmt) NumInput() int {
	return -1 // -1 means the driver doesn't know
}

// Exec executes a query that doesn't return rows.
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), toNamed(args))
}

// ExecContext executes the statement. A COPY statement buffers one row per
// call with arguments and completes on a call without arguments.
func (s *fakeStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if err := s.conn.check(ctx); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, errors.New("fakepgdb: statement is closed")
	}
	if s.copying {
		if len(args) > 0 {
			row := make([]any, len(args))
			for i, a := range args {
				row[i] = a.Value
			}
			s.conn.db.recordCopyRow(s.table, row)
			s.pending++
			return &fakeResult{}, nil
		}
		n := s.pending
		s.pending = 0
		s.conn.db.logEntry("copy " + s.table)
		return &fakeResult{rowsAffected: n}, nil
	}
	result, err := s.conn.db.handleQuery(s.query)
	if err != nil {
		return nil, err
	}
	return &fakeResult{rowsAffected: int64(len(result.Rows))}, nil
}

// Query executes a query that may return rows.
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), toNamed(args))
}

// QueryContext executes a query that may return rows.
func (s *fakeStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if err := s.conn.check(ctx); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, errors.New("fakepgdb: statement is closed")
	}
	result, err := s.conn.db.handleQuery(s.query)
	if err != nil {
		return nil, err
	}
	return newRows(result), nil
}

func toNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// fakeTx implements driver.Tx
type fakeTx struct {
	conn *fakeConn
}

// Commit commits the transaction.
func (tx *fakeTx) Commit() error {
	if tx.conn.broken.Load() {
		return driver.ErrBadConn
	}
	tx.conn.db.logEntry("commit")
	return nil
}

// Rollback aborts the transaction.
func (tx *fakeTx) Rollback() error {
	if tx.conn.broken.Load() {
		return driver.ErrBadConn
	}
	tx.conn.db.logEntry("rollback")
	return nil
}

// fakeResult implements driver.Result
type fakeResult struct {
	lastInsertId int64
	rowsAffected int64
}

// LastInsertId returns the database's auto-generated ID.
func (r *fakeResult) LastInsertId() (int64, error) {
	return r.lastInsertId, nil
}

// RowsAffected returns the number of rows affected by the query.
func (r *fakeResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// fakeRows implements driver.Rows
type fakeRows struct {
	columns []string
	rows    [][]any
	index   int
}

func newRows(result *ExpectedResult) *fakeRows {
	return &fakeRows{columns: result.Columns, rows: result.Rows}
}

// Columns returns the names of the columns.
func (r *fakeRows) Columns() []string {
	return r.columns
}

// Close closes the rows iterator.
func (r *fakeRows) Close() error {
	return nil
}

// Next is called to populate the next row of data into the provided slice.
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.index >= len(r.rows) {
		return io.EOF
	}

	row := r.rows[r.index]
	r.index++

	if len(dest) != len(row) {
		return errors.New("fakepgdb: destination slice length doesn't match row length")
	}

	for i, val := range row {
		dest[i] = val
	}

	return nil
}

// Ensure interfaces are implemented
var (
	_ driver.Connector          = (*DB)(nil)
	_ driver.Driver             = (*fakeDriver)(nil)
	_ driver.Conn               = (*fakeConn)(nil)
	_ driver.ConnPrepareContext = (*fakeConn)(nil)
	_ driver.ConnBeginTx        = (*fakeConn)(nil)
	_ driver.QueryerContext     = (*fakeConn)(nil)
	_ driver.ExecerContext      = (*fakeConn)(nil)
	_ driver.Validator          = (*fakeConn)(nil)
	_ driver.Stmt               = (*fakeStmt)(nil)
	_ driver.StmtExecContext    = (*fakeStmt)(nil)
	_ driver.StmtQueryContext   = (*fakeStmt)(nil)
	_ driver.Tx                 = (*fakeTx)(nil)
	_ driver.Result             = (*fakeResult)(nil)
	_ driver.Rows               = (*fakeRows)(nil)
)
