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

// Package cachingconn layers a per-session prepared statement cache over a
// dbconn.DBConn.
//
// A Connection owns its session and its cache. Transactions opened from it,
// at any depth, share that cache: they read through it but never add to it,
// since a statement prepared inside a transaction may be rolled back with it.
package cachingconn

import (
	"context"

	"github.com/multigres/pgstmtpool/go/dbconn"
	"github.com/multigres/pgstmtpool/go/pools/connpool"
)

// GenericConnection is implemented by both Connection and Transaction, so code
// can run the same way at the top level and inside a transaction.
type GenericConnection interface {
	// Prepare returns a prepared statement for query, from the cache when
	// possible. The caller must Close it.
	Prepare(ctx context.Context, query string) (*Statement, error)

	// Execute prepares query, runs it with args and returns the number of
	// rows affected.
	Execute(ctx context.Context, query string, args ...any) (int64, error)

	// PrepareCopyIn starts a COPY ... FROM STDIN into table. It is never
	// cached.
	PrepareCopyIn(ctx context.Context, table string, columns ...string) (*dbconn.CopyIn, error)

	// Transaction opens a transaction, nested when called on a Transaction.
	Transaction(ctx context.Context) (*Transaction, error)

	// BatchExecute runs a multi-statement script without caching or rows.
	BatchExecute(ctx context.Context, script string) error
}

var (
	_ GenericConnection   = (*Connection)(nil)
	_ GenericConnection   = (*Transaction)(nil)
	_ connpool.Connection = (*Connection)(nil)
)

func execute(ctx context.Context, c GenericConnection, query string, args []any) (int64, error) {
	stmt, err := c.Prepare(ctx, query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	return stmt.Execute(ctx, args...)
}
