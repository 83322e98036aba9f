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

	"github.com/multigres/pgstmtpool/go/dbconn"
)

// Transaction is a transaction on a Connection. It borrows the connection's
// statement cache and never owns it.
//
// Using a Transaction after its Connection was closed panics: its statements
// and its cache belong to a session that no longer exists.
type Transaction struct {
	owner *Connection
	tx    *dbconn.Tx
}

func (t *Transaction) checkOwner() {
	if t.owner.closed.Load() {
		panic("cachingconn: transaction used after its connection was closed")
	}
}

// Prepare returns the cached statement for query when the connection has one.
// On a miss the statement is prepared inside the transaction and not cached.
func (t *Transaction) Prepare(ctx context.Context, query string) (*Statement, error) {
	t.checkOwner()
	if err := t.tx.Err(); err != nil {
		return nil, err
	}

	if ref, ok := t.owner.cache.Lookup(query); ok {
		return cachedStatement(ref, t.owner.conn.Observe), nil
	}

	stmt, err := t.tx.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return uncachedStatement(stmt, t.owner.conn.Observe), nil
}

// Execute prepares query and runs it with args inside the transaction.
func (t *Transaction) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	return execute(ctx, t, query, args)
}

// PrepareCopyIn starts a COPY ... FROM STDIN into table inside the transaction.
func (t *Transaction) PrepareCopyIn(ctx context.Context, table string, columns ...string) (*dbconn.CopyIn, error) {
	t.checkOwner()
	return t.tx.PrepareCopyIn(ctx, table, columns...)
}

// Transaction opens a nested transaction backed by a savepoint. It shares the
// same statement cache.
func (t *Transaction) Transaction(ctx context.Context) (*Transaction, error) {
	t.checkOwner()
	child, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Transaction{owner: t.owner, tx: child}, nil
}

// BatchExecute runs script inside the transaction.
func (t *Transaction) BatchExecute(ctx context.Context, script string) error {
	t.checkOwner()
	return t.tx.BatchExecute(ctx, script)
}

// Depth returns 1 for a top-level transaction and one more per nesting level.
func (t *Transaction) Depth() int {
	return t.tx.Depth()
}

// Commit commits the transaction, or releases its savepoint when nested.
func (t *Transaction) Commit(ctx context.Context) error {
	t.checkOwner()
	return t.tx.Commit(ctx)
}

// Rollback aborts the transaction, or rolls back to its savepoint when nested.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.checkOwner()
	return t.tx.Rollback(ctx)
}

// Close rolls back the transaction if it is still open. It is safe to defer,
// including after the connection was closed, which already rolled it back.
func (t *Transaction) Close() error {
	if t.owner.closed.Load() {
		return nil
	}
	return t.tx.Close()
}
