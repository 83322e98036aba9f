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
	"database/sql/driver"
	"io"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgstmtpool/go/fakepgdb"
)

// newMockConn returns a DBConn on a sqlmock session with exact query matching.
func newMockConn(t *testing.T, flavor Flavor) (*DBConn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlConn, err := db.Conn(context.Background())
	require.NoError(t, err)
	return NewDBConn(sqlConn, flavor, nil), mock
}

func TestNewDBConn(t *testing.T) {
	conn, mock := newMockConn(t, FlavorPQ)

	assert.False(t, conn.IsClosed())
	assert.False(t, conn.InTransaction())
	assert.False(t, conn.IsDesynchronized())
	assert.Equal(t, FlavorPQ, conn.Flavor())
	assert.Equal(t, "postgres", FlavorPQ.String())
	assert.Equal(t, "pgx", FlavorPGX.String())

	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.True(t, conn.IsDesynchronized())
	require.NoError(t, conn.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBConn_PrepareAndExec(t *testing.T) {
	conn, mock := newMockConn(t, FlavorPQ)
	ctx := context.Background()

	mock.ExpectPrepare("SELECT $1::INT").
		ExpectQuery().WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"int4"}).AddRow(7))
	mock.ExpectExec("DELETE FROM t").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("SET a = 1; SET b = 2").WillReturnResult(sqlmock.NewResult(0, 0))

	stmt, err := conn.Prepare(ctx, "SELECT $1::INT")
	require.NoError(t, err)
	var v int
	require.NoError(t, stmt.QueryRowContext(ctx, 7).Scan(&v))
	assert.Equal(t, 7, v)

	res, err := conn.Exec(ctx, "DELETE FROM t")
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	require.NoError(t, conn.BatchExecute(ctx, "SET a = 1; SET b = 2"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBConn_NestedTransactions(t *testing.T) {
	conn, mock := newMockConn(t, FlavorPQ)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.Depth())
	assert.True(t, conn.InTransaction())

	_, err = conn.Begin(ctx)
	require.ErrorIs(t, err, ErrTxActive)
	_, err = conn.Exec(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrTxActive)

	sp1, err := tx.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sp1.Depth())

	sp2, err := sp1.Begin(ctx)
	require.NoError(t, err)

	_, err = tx.Exec(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrNestedTxActive)
	require.ErrorIs(t, sp1.Commit(ctx), ErrNestedTxActive)

	require.NoError(t, sp2.Commit(ctx))
	assert.True(t, sp2.Done())
	require.ErrorIs(t, sp2.Commit(ctx), ErrTxDone)

	require.NoError(t, sp1.Rollback(ctx))
	require.NoError(t, tx.Commit(ctx))
	assert.False(t, conn.InTransaction())
	require.NoError(t, sp1.Close())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBConn_CloseRollsBackOpenTransactions(t *testing.T) {
	conn, mock := newMockConn(t, FlavorPQ)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	sp, err := tx.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.True(t, tx.Done())
	assert.True(t, sp.Done())
	require.ErrorIs(t, tx.Commit(ctx), ErrTxDone)

	_, err = conn.Prepare(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, conn.BatchExecute(ctx, ""), ErrClosed)
	_, err = conn.Begin(ctx)
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBConn_Desynchronized(t *testing.T) {
	tests := []struct {
		name  string
		setup func(mock sqlmock.Sqlmock)
		run   func(ctx context.Context, conn *DBConn) error
	}{
		{
			name: "bad connection",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("").WillReturnError(driver.ErrBadConn)
			},
			run: func(ctx context.Context, conn *DBConn) error {
				return conn.BatchExecute(ctx, "")
			},
		},
		{
			name: "cancelled mid round trip",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("SELECT 1").WillReturnError(context.Canceled)
			},
			run: func(ctx context.Context, conn *DBConn) error {
				_, err := conn.Exec(ctx, "SELECT 1")
				return err
			},
		},
		{
			name: "unexpected eof",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1").WillReturnError(io.ErrUnexpectedEOF)
			},
			run: func(ctx context.Context, conn *DBConn) error {
				_, err := conn.Query(ctx, "SELECT 1")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock := newMockConn(t, FlavorPQ)
			tt.setup(mock)

			require.False(t, conn.IsDesynchronized())
			require.Error(t, tt.run(context.Background(), conn))
			assert.True(t, conn.IsDesynchronized())
		})
	}
}

func TestDBConn_DoneContextKeepsConnection(t *testing.T) {
	conn, mock := newMockConn(t, FlavorPQ)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := conn.Exec(ctx, "SELECT 1")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, conn.BatchExecute(ctx, ""), context.Canceled)
	_, err = conn.Begin(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, conn.InTransaction())
	assert.False(t, conn.IsDesynchronized())

	mock.ExpectBegin()
	mock.ExpectRollback()
	tx, err := conn.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "SELECT 1")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, conn.IsDesynchronized())
	require.NoError(t, tx.Rollback(context.Background()))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBConn_PlainErrorKeepsConnection(t *testing.T) {
	conn, mock := newMockConn(t, FlavorPQ)
	mock.ExpectExec("SELECT nope").WillReturnError(&pq.Error{Code: "42703", Message: "column \"nope\" does not exist"})

	_, err := conn.Exec(context.Background(), "SELECT nope")
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, pq.ErrorCode("42703"), pqErr.Code)
	assert.False(t, conn.IsDesynchronized())
}

func TestDBConn_ValidatorDesync(t *testing.T) {
	fake := fakepgdb.New(t)
	db := fake.OpenDB()
	defer db.Close()

	ctx := context.Background()
	sqlConn, err := db.Conn(ctx)
	require.NoError(t, err)
	conn := NewDBConn(sqlConn, FlavorPQ, nil)
	defer conn.Close()

	require.NoError(t, conn.BatchExecute(ctx, ""))
	assert.False(t, conn.IsDesynchronized())

	fake.ResetQueryLog()
	fake.BreakAll()
	assert.True(t, conn.IsDesynchronized())
	assert.Empty(t, fake.QueryLog(), "desync check must not talk to the server")
}

func TestCopyIn_PQ(t *testing.T) {
	conn, mock := newMockConn(t, FlavorPQ)
	ctx := context.Background()
	query := pq.CopyIn("items", "id", "name")

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(query)
	prep.ExpectExec().WithArgs(1, "a").WillReturnResult(sqlmock.NewResult(0, 0))
	prep.ExpectExec().WithArgs(2, "b").WillReturnResult(sqlmock.NewResult(0, 0))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ci, err := conn.PrepareCopyIn(ctx, "items", "id", "name")
	require.NoError(t, err)
	assert.Equal(t, "items", ci.Table())
	assert.True(t, conn.InTransaction())

	require.Error(t, ci.Add(ctx, 1))
	require.NoError(t, ci.Add(ctx, 1, "a"))
	require.NoError(t, ci.Add(ctx, 2, "b"))

	n, err := ci.Finish(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.False(t, conn.InTransaction())

	require.ErrorIs(t, ci.Add(ctx, 3, "c"), ErrCopyDone)
	_, err = ci.Finish(ctx)
	require.ErrorIs(t, err, ErrCopyDone)
	require.NoError(t, ci.Close())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyIn_CloseAborts(t *testing.T) {
	conn, mock := newMockConn(t, FlavorPQ)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(pq.CopyIn("items", "id"))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	sp, err := tx.Begin(ctx)
	require.NoError(t, err)

	ci, err := sp.PrepareCopyIn(ctx, "items", "id")
	require.NoError(t, err)
	require.NoError(t, ci.Close())

	require.NoError(t, sp.Rollback(ctx))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyIn_PGXBuffersRows(t *testing.T) {
	conn, _ := newMockConn(t, FlavorPGX)
	ctx := context.Background()

	ci, err := conn.PrepareCopyIn(ctx, "items", "id", "name")
	require.NoError(t, err)
	assert.False(t, conn.InTransaction())
	require.NoError(t, ci.Add(ctx, 1, "a"))

	// sqlmock is not a pgx session, so the flush is refused.
	_, err = ci.Finish(ctx)
	require.ErrorContains(t, err, "needs a pgx connection")
}

// getTestDB returns a test database connection if PG_TEST_DSN is set.
// Tests that require a database should call this and skip if it returns nil.
func getTestDB(t *testing.T, driverName string) *sql.DB {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping test that requires database (set PG_TEST_DSN to enable)")
		return nil
	}

	db, err := sql.Open(driverName, dsn)
	require.NoError(t, err, "failed to open test database")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = db.PingContext(ctx)
	require.NoError(t, err, "failed to ping test database")

	return db
}

func TestDBConn_RealDatabase(t *testing.T) {
	for _, flavor := range []Flavor{FlavorPQ, FlavorPGX} {
		t.Run(flavor.String(), func(t *testing.T) {
			db := getTestDB(t, flavor.String())
			defer db.Close()

			ctx := context.Background()
			sqlConn, err := db.Conn(ctx)
			require.NoError(t, err)
			conn := NewDBConn(sqlConn, flavor, nil)
			defer conn.Close()

			require.NoError(t, conn.BatchExecute(ctx, ""))
			assert.False(t, conn.IsDesynchronized())

			tx, err := conn.Begin(ctx)
			require.NoError(t, err)
			require.NoError(t, tx.BatchExecute(ctx, "CREATE TEMP TABLE copy_target (id INT, name TEXT)"))

			sp, err := tx.Begin(ctx)
			require.NoError(t, err)
			ci, err := sp.PrepareCopyIn(ctx, "copy_target", "id", "name")
			require.NoError(t, err)
			require.NoError(t, ci.Add(ctx, 1, "a"))
			require.NoError(t, ci.Add(ctx, 2, "b"))
			_, err = ci.Finish(ctx)
			require.NoError(t, err)
			require.NoError(t, sp.Commit(ctx))

			var count int
			rows, err := tx.Query(ctx, "SELECT count(*) FROM copy_target")
			require.NoError(t, err)
			require.True(t, rows.Next())
			require.NoError(t, rows.Scan(&count))
			require.NoError(t, rows.Close())
			assert.Equal(t, 2, count)

			require.NoError(t, tx.Rollback(ctx))
			assert.False(t, conn.IsDesynchronized())
		})
	}
}
