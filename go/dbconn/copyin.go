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

package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// ErrCopyDone is returned when rows are added to a finished or closed copy.
var ErrCopyDone = errors.New("dbconn: copy has already finished")

// CopyIn streams rows into a table with COPY ... FROM STDIN.
//
// With lib/pq rows are sent as they are added. With pgx they are buffered and
// sent by Finish through pgx.Conn.CopyFrom.
type CopyIn struct {
	conn    *DBConn
	table   string
	columns []string

	// lib/pq
	stmt  *sql.Stmt
	owned *Tx

	// pgx
	rows [][]any

	done bool
}

func newPQCopyIn(ctx context.Context, conn *DBConn, tx *sql.Tx, table string, columns []string) (*CopyIn, error) {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return nil, conn.observe(fmt.Errorf("copy into %s: %w", table, err))
	}
	return &CopyIn{conn: conn, table: table, columns: columns, stmt: stmt}, nil
}

func newPGXCopyIn(conn *DBConn, table string, columns []string) *CopyIn {
	return &CopyIn{conn: conn, table: table, columns: columns}
}

// Table returns the copy target.
func (c *CopyIn) Table() string {
	return c.table
}

// Add queues one row. The values must line up with the copy columns.
func (c *CopyIn) Add(ctx context.Context, values ...any) error {
	if c.done {
		return ErrCopyDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(values) != len(c.columns) {
		return fmt.Errorf("dbconn: copy into %s: got %d values for %d columns", c.table, len(values), len(c.columns))
	}
	if c.stmt == nil {
		c.rows = append(c.rows, values)
		return nil
	}
	if _, err := c.stmt.ExecContext(ctx, values...); err != nil {
		return c.conn.observe(fmt.Errorf("copy into %s: %w", c.table, err))
	}
	return nil
}

// Finish completes the copy and returns the number of rows written.
func (c *CopyIn) Finish(ctx context.Context) (int64, error) {
	if c.done {
		return 0, ErrCopyDone
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.done = true

	if c.stmt == nil {
		return c.finishPGX(ctx)
	}

	res, err := c.stmt.ExecContext(ctx)
	closeErr := c.stmt.Close()
	if err != nil {
		if c.owned != nil {
			_ = c.owned.Close()
		}
		return 0, c.conn.observe(fmt.Errorf("copy into %s: %w", c.table, err))
	}
	n, _ := res.RowsAffected()
	if c.owned != nil {
		if err := c.owned.Commit(ctx); err != nil {
			return 0, err
		}
	}
	return n, closeErr
}

func (c *CopyIn) finishPGX(ctx context.Context) (int64, error) {
	var n int64
	err := c.conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("dbconn: pgx copy needs a pgx connection, got %T", driverConn)
		}
		var err error
		n, err = sc.Conn().CopyFrom(ctx, pgx.Identifier{c.table}, c.columns, pgx.CopyFromRows(c.rows))
		return err
	})
	c.rows = nil
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", c.table, err)
	}
	return n, nil
}

// Close abandons an unfinished copy. Rows sent so far are discarded.
func (c *CopyIn) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	c.rows = nil
	if c.stmt == nil {
		return nil
	}
	// Closing the statement without the final Exec makes lib/pq abort the
	// copy; the transaction is unusable afterwards.
	err := c.stmt.Close()
	if c.owned != nil {
		err = errors.Join(err, c.owned.Close())
	}
	return err
}
