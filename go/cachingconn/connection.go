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
	"errors"
	"sync/atomic"

	"github.com/multigres/pgstmtpool/go/dbconn"
	"github.com/multigres/pgstmtpool/go/pools/stmtcache"
)

// ErrConnClosed is returned by operations on a closed Connection.
var ErrConnClosed = errors.New("cachingconn: connection is closed")

// Connection is a database session with a prepared statement cache.
//
// A Connection is used by one goroutine at a time, which the pool guarantees.
// While a Transaction is open on it, the Connection itself rejects work with
// dbconn.ErrTxActive; use the Transaction instead.
type Connection struct {
	conn   *dbconn.DBConn
	cache  *stmtcache.Cache[*sql.Stmt]
	closed atomic.Bool
}

// New wraps conn with a cache of up to capacity statements. A non-positive
// capacity selects stmtcache.DefaultCapacity.
func New(conn *dbconn.DBConn, capacity int, opts ...stmtcache.Option) *Connection {
	return &Connection{
		conn:  conn,
		cache: stmtcache.New[*sql.Stmt](capacity, opts...),
	}
}

// Prepare returns the cached statement for query, preparing and caching it on
// a miss. Preparing a query again while it is cached returns the same
// statement.
func (c *Connection) Prepare(ctx context.Context, query string) (*Statement, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	if c.conn.InTransaction() {
		return nil, dbconn.ErrTxActive
	}

	if ref, ok := c.cache.Lookup(query); ok {
		return cachedStatement(ref, c.conn.Observe), nil
	}

	stmt, err := c.conn.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return cachedStatement(c.cache.Insert(query, stmt), c.conn.Observe), nil
}

// Execute prepares query through the cache and runs it with args.
func (c *Connection) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	return execute(ctx, c, query, args)
}

// PrepareCopyIn starts a COPY ... FROM STDIN into table.
func (c *Connection) PrepareCopyIn(ctx context.Context, table string, columns ...string) (*dbconn.CopyIn, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	return c.conn.PrepareCopyIn(ctx, table, columns...)
}

// Transaction begins a top-level transaction sharing this connection's cache.
func (c *Connection) Transaction(ctx context.Context) (*Transaction, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Transaction{owner: c, tx: tx}, nil
}

// BatchExecute runs script on the session.
func (c *Connection) BatchExecute(ctx context.Context, script string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.conn.BatchExecute(ctx, script)
}

// CacheStats returns the statement cache counters. A closed connection
// reports zero values.
func (c *Connection) CacheStats() stmtcache.Stats {
	if c.closed.Load() {
		return stmtcache.Stats{}
	}
	return c.cache.Stats()
}

// Raw returns the underlying session.
func (c *Connection) Raw() *dbconn.DBConn {
	return c.conn
}

// IsDesynchronized reports whether the session is broken. It performs no I/O.
func (c *Connection) IsDesynchronized() bool {
	return c.closed.Load() || c.conn.IsDesynchronized()
}

// IsClosed returns true if this connection has been closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Close drops the cache and then closes the session, rolling back any open
// transaction. Statements still held by callers become unusable.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(c.cache.Close(), c.conn.Close())
}
