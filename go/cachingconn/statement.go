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

package cachingconn

import (
	"context"
	"database/sql"

	"github.com/multigres/pgstmtpool/go/pools/stmtcache"
)

// Statement is a prepared statement handed out by Prepare. It is either a
// shared handle on a cached statement or a private one prepared inside a
// transaction. Close it when done; closing never invalidates other handles on
// the same cached statement.
type Statement struct {
	ref     *stmtcache.Ref[*sql.Stmt]
	stmt    *sql.Stmt
	observe func(error) error
	closed  bool
}

func cachedStatement(ref *stmtcache.Ref[*sql.Stmt], observe func(error) error) *Statement {
	return &Statement{ref: ref, stmt: ref.Stmt(), observe: observe}
}

func uncachedStatement(stmt *sql.Stmt, observe func(error) error) *Statement {
	return &Statement{stmt: stmt, observe: observe}
}

// Stmt returns the driver statement. Two Statements with the same Stmt share
// one server-side prepared statement.
func (s *Statement) Stmt() *sql.Stmt {
	return s.stmt
}

// ID returns the cache identity of the statement, or 0 when it is not cached.
func (s *Statement) ID() stmtcache.ID {
	if s.ref == nil {
		return 0
	}
	return s.ref.ID()
}

// Cached reports whether the statement is shared through the cache.
func (s *Statement) Cached() bool {
	return s.ref != nil
}

// Execute runs the statement and returns the number of rows affected.
func (s *Statement) Execute(ctx context.Context, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, s.observe(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Query runs the statement and returns its rows.
func (s *Statement) Query(ctx context.Context, args ...any) (*sql.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.stmt.QueryContext(ctx, args...)
	return rows, s.observe(err)
}

// QueryRow runs the statement and returns at most one row. Errors are
// deferred until Row.Scan.
func (s *Statement) QueryRow(ctx context.Context, args ...any) *Row {
	if err := ctx.Err(); err != nil {
		return &Row{err: err, observe: s.observe}
	}
	return &Row{row: s.stmt.QueryRowContext(ctx, args...), observe: s.observe}
}

// Row is the result of QueryRow. Errors it reports mark the connection
// desynchronized the same way Query does.
type Row struct {
	row     *sql.Row
	err     error
	observe func(error) error
}

// Scan copies the columns of the row into dest. See sql.Row.Scan.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.observe(r.row.Scan(dest...))
}

// Err returns the error, if any, that was encountered while running the
// query.
func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.observe(r.row.Err())
}

// Close releases the handle. A cached statement stays prepared while the
// cache or another handle holds it.
func (s *Statement) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ref != nil {
		return s.ref.Release()
	}
	return s.stmt.Close()
}
