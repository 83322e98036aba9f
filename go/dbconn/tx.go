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
)

// Tx is a transaction on a DBConn. The outermost Tx is a real transaction;
// each nested Tx is a savepoint inside it.
//
// Only the innermost open Tx may be used. Using an outer one while a nested
// Tx is open returns ErrNestedTxActive.
type Tx struct {
	conn *DBConn
	tx   *sql.Tx

	parent    *Tx
	child     *Tx
	savepoint string
	depth     int
	done      bool
}

// Depth returns 1 for a top-level transaction and one more for each level of
// nesting.
func (t *Tx) Depth() int {
	return t.depth
}

// Done reports whether the transaction was committed or rolled back.
func (t *Tx) Done() bool {
	return t.done
}

// Err returns why the transaction cannot be used right now, or nil.
func (t *Tx) Err() error {
	return t.usable()
}

// ready is usable plus a check that ctx is still live.
func (t *Tx) ready(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	return ctx.Err()
}

func (t *Tx) usable() error {
	switch {
	case t.done:
		return ErrTxDone
	case t.conn.closed.Load():
		return ErrClosed
	case t.child != nil:
		return ErrNestedTxActive
	}
	return nil
}

// Prepare prepares query inside the transaction. The statement is closed
// when the top-level transaction ends.
func (t *Tx) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, t.conn.observe(fmt.Errorf("prepare: %w", err))
	}
	return stmt, nil
}

// Exec executes a query without returning any rows.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, t.conn.observe(err)
}

// Query executes a query that returns rows.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	return rows, t.conn.observe(err)
}

// BatchExecute runs a script of zero or more statements and discards any rows.
func (t *Tx) BatchExecute(ctx context.Context, script string) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, script)
	return t.conn.observe(err)
}

// Begin opens a transaction nested inside t using a savepoint.
func (t *Tx) Begin(ctx context.Context) (*Tx, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("sp_%d", t.depth)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, t.conn.observe(fmt.Errorf("savepoint: %w", err))
	}
	t.child = &Tx{
		conn:      t.conn,
		tx:        t.tx,
		parent:    t,
		savepoint: name,
		depth:     t.depth + 1,
	}
	return t.child, nil
}

// PrepareCopyIn starts a COPY ... FROM STDIN into table inside the transaction.
func (t *Tx) PrepareCopyIn(ctx context.Context, table string, columns ...string) (*CopyIn, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	if t.conn.flavor == FlavorPGX {
		return newPGXCopyIn(t.conn, table, columns), nil
	}
	return newPQCopyIn(ctx, t.conn, t.tx, table, columns)
}

// Commit commits the transaction, or releases its savepoint when nested.
// The transaction is done afterwards even if Commit fails.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	defer t.finish()

	if t.parent == nil {
		return t.conn.observe(t.tx.Commit())
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
	return t.conn.observe(err)
}

// Rollback aborts the transaction, or rolls back to its savepoint when nested.
// The transaction is done afterwards even if Rollback fails.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	defer t.finish()
	return t.rollback(ctx)
}

func (t *Tx) rollback(ctx context.Context) error {
	if t.parent == nil {
		return t.conn.observe(t.tx.Rollback())
	}
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
		return t.conn.observe(err)
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
	return t.conn.observe(err)
}

// Close rolls back the transaction and any transaction nested inside it that
// is still open. It is a no-op on a finished transaction.
func (t *Tx) Close() error {
	if t.done {
		return nil
	}
	var errs []error
	if t.child != nil {
		errs = append(errs, t.child.Close())
	}
	if !t.conn.broken.Load() || t.parent == nil {
		errs = append(errs, t.rollback(context.Background()))
	}
	t.finish()
	return errors.Join(errs...)
}

func (t *Tx) finish() {
	t.done = true
	if t.parent != nil {
		t.parent.child = nil
	} else {
		t.conn.tx = nil
	}
}
