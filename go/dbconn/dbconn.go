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

// Package dbconn wraps a single PostgreSQL session checked out of database/sql.
//
// A DBConn owns exactly one *sql.Conn. Transactions opened on it nest through
// savepoints, and its health can be checked without a round trip.
package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// Flavor names the database/sql driver behind a connection.
type Flavor int

const (
	// FlavorPQ is github.com/lib/pq, registered as "postgres".
	FlavorPQ Flavor = iota
	// FlavorPGX is github.com/jackc/pgx/v5/stdlib, registered as "pgx".
	FlavorPGX
)

func (f Flavor) String() string {
	switch f {
	case FlavorPQ:
		return "postgres"
	case FlavorPGX:
		return "pgx"
	default:
		return fmt.Sprintf("Flavor(%d)", int(f))
	}
}

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("dbconn: connection is closed")

	// ErrTxActive is returned when the connection is used directly while a
	// transaction is open on it.
	ErrTxActive = errors.New("dbconn: a transaction is open on this connection")

	// ErrNestedTxActive is returned when a transaction is used while a
	// transaction nested inside it is still open.
	ErrNestedTxActive = errors.New("dbconn: a nested transaction is still open")

	// ErrTxDone is returned by operations on a committed or rolled back transaction.
	ErrTxDone = errors.New("dbconn: transaction has already been committed or rolled back")
)

// DBConn wraps a *sql.Conn.
type DBConn struct {
	// conn is the underlying database connection.
	conn *sql.Conn

	flavor Flavor
	logger *slog.Logger

	// tx is the open top-level transaction, if any. Only the goroutine that
	// owns the connection touches it.
	tx *Tx

	// broken is set once a round trip was abandoned or failed at the
	// transport level, leaving the protocol stream in an unknown state.
	broken atomic.Bool

	// closed tracks whether this connection has been closed.
	closed atomic.Bool
}

// NewDBConn creates a new DBConn wrapping the given sql.Conn.
func NewDBConn(conn *sql.Conn, flavor Flavor, logger *slog.Logger) *DBConn {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBConn{
		conn:   conn,
		flavor: flavor,
		logger: logger,
	}
}

// Flavor returns the driver flavor of the session.
func (d *DBConn) Flavor() Flavor {
	return d.flavor
}

// IsClosed returns true if this connection has been closed.
func (d *DBConn) IsClosed() bool {
	return d.closed.Load()
}

// Close rolls back any open transaction and closes the session.
func (d *DBConn) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	var errs []error
	if d.tx != nil {
		errs = append(errs, d.tx.Close())
	}
	errs = append(errs, d.conn.Close())
	return errors.Join(errs...)
}

// usable returns why a call with ctx must not start. A context that is
// already done is refused before the driver sees it.
func (d *DBConn) usable(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.tx != nil {
		return ErrTxActive
	}
	return ctx.Err()
}

// Prepare prepares query on the session. The statement stays bound to this
// session and must be closed by the caller.
func (d *DBConn) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if err := d.usable(ctx); err != nil {
		return nil, err
	}
	stmt, err := d.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, d.observe(fmt.Errorf("prepare: %w", err))
	}
	return stmt, nil
}

// Exec executes a query without returning any rows.
func (d *DBConn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := d.usable(ctx); err != nil {
		return nil, err
	}
	res, err := d.conn.ExecContext(ctx, query, args...)
	return res, d.observe(err)
}

// Query executes a query that returns rows.
func (d *DBConn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := d.usable(ctx); err != nil {
		return nil, err
	}
	rows, err := d.conn.QueryContext(ctx, query, args...)
	return rows, d.observe(err)
}

// BatchExecute runs a script of zero or more statements over the simple query
// protocol and discards any rows. The empty script is a cheap round trip.
func (d *DBConn) BatchExecute(ctx context.Context, script string) error {
	if err := d.usable(ctx); err != nil {
		return err
	}
	_, err := d.conn.ExecContext(ctx, script)
	return d.observe(err)
}

// Begin opens a top-level transaction. Nested transactions are opened with
// Tx.Begin.
func (d *DBConn) Begin(ctx context.Context) (*Tx, error) {
	if err := d.usable(ctx); err != nil {
		return nil, err
	}
	sqlTx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, d.observe(fmt.Errorf("begin: %w", err))
	}
	d.tx = &Tx{conn: d, tx: sqlTx, depth: 1}
	return d.tx, nil
}

// InTransaction reports whether a transaction is open on the session.
func (d *DBConn) InTransaction() bool {
	return d.tx != nil
}

// PrepareCopyIn starts a COPY ... FROM STDIN into table. With lib/pq the copy
// runs in a transaction of its own, committed by CopyIn.Finish.
func (d *DBConn) PrepareCopyIn(ctx context.Context, table string, columns ...string) (*CopyIn, error) {
	if err := d.usable(ctx); err != nil {
		return nil, err
	}
	if d.flavor == FlavorPGX {
		return newPGXCopyIn(d, table, columns), nil
	}

	tx, err := d.Begin(ctx)
	if err != nil {
		return nil, err
	}
	ci, err := newPQCopyIn(ctx, d, tx.tx, table, columns)
	if err != nil {
		_ = tx.Close()
		return nil, err
	}
	ci.owned = tx
	return ci, nil
}

// IsDesynchronized reports whether the session can no longer be trusted to
// be at a message boundary. It performs no I/O.
func (d *DBConn) IsDesynchronized() bool {
	if d.closed.Load() || d.broken.Load() {
		return true
	}

	desync := false
	err := d.conn.Raw(func(driverConn any) error {
		switch c := driverConn.(type) {
		case *stdlib.Conn:
			pc := c.Conn().PgConn()
			desync = pc.IsClosed() || pc.IsBusy()
		case driver.Validator:
			desync = !c.IsValid()
		}
		return nil
	})
	if err != nil {
		return true
	}
	return desync
}

// Raw runs f with the driver connection. See sql.Conn.Raw.
func (d *DBConn) Raw(f func(driverConn any) error) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.observe(d.conn.Raw(f))
}

// Conn returns the underlying *sql.Conn.
// This should be used carefully as direct access bypasses transaction tracking.
func (d *DBConn) Conn() *sql.Conn {
	return d.conn
}

// Observe marks the connection broken when err means a round trip was cut
// short, and returns err unchanged. Callers that run statements returned by
// Prepare report their errors through it.
func (d *DBConn) Observe(err error) error {
	return d.observe(err)
}

func (d *DBConn) observe(err error) error {
	if err == nil {
		return nil
	}
	if isConnectionLost(err) {
		if d.broken.CompareAndSwap(false, true) {
			d.logger.Warn("connection desynchronized", "flavor", d.flavor.String(), "error", err)
		}
	}
	return err
}

// isConnectionLost reports whether err means a round trip was cut short.
// Context errors count because calls only reach the driver with a live
// context, so they mean the context ended mid-call.
func isConnectionLost(err error) bool {
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return pgconn.Timeout(err)
}
