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

// Package fakepgdb provides a fake PostgreSQL database for tests.
//
// It plugs into database/sql as a driver.Connector and records every prepare,
// statement close, transaction boundary and query it sees, so tests can assert
// on statement identity and on how often the server was asked to parse a query.
package fakepgdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// DB is a fake PostgreSQL database. All methods are thread-safe.
// It implements driver.Connector to be used with sql.OpenDB.
type DB struct {
	// t is our testing.TB instance
	t testing.TB

	// name is the name of this DB
	name string

	// neverFail makes unmatched queries return empty results instead of errors
	neverFail atomic.Bool

	// nextConnID and nextStmtID hand out identities to sessions and
	// server-side statements.
	nextConnID atomic.Int64
	nextStmtID atomic.Int64

	// openStmts counts prepared statements not yet closed.
	openStmts atomic.Int64

	// mu protects all the following fields
	mu sync.Mutex

	// data maps tolower(query) to a result
	data map[string]*ExpectedResult

	// rejectedData maps tolower(query) to an error
	rejectedData map[string]error

	// patternData is a map of regexp queries to results
	patternData map[string]exprResult

	// queryCalled keeps track of how many times a query was executed
	queryCalled map[string]int

	// prepareCalled keeps track of how many times a query was prepared
	prepareCalled map[string]int

	// querylog keeps track of all executed queries and transaction boundaries
	querylog []string

	// connectErr, when set, fails every new session
	connectErr error

	// conns tracks sessions that have not been closed
	conns map[int64]*fakeConn

	// copied holds the rows received per COPY target table
	copied map[string][][]any
}

// ExpectedResult holds the data for a matched query.
type ExpectedResult struct {
	Columns []string
	Rows    [][]any
	// BeforeFunc() is synchronously called before the server returns the result.
	BeforeFunc func()
}

type exprResult struct {
	expr   *regexp.Regexp
	result *ExpectedResult
	err    string
}

var (
	// ErrUnsupportedQuery is returned for queries that match nothing.
	ErrUnsupportedQuery = errors.New("fakepgdb: query is not supported")

	copyPattern = regexp.MustCompile(`(?is)^\s*copy\s+("[^"]+"|[^\s(]+)`)
)

// New creates a new fake PostgreSQL database for testing.
//
// The empty query and the statements the driver layer issues on its own
// (BEGIN, COMMIT, ROLLBACK, SAVEPOINT and friends) are always accepted.
func New(t testing.TB) *DB {
	db := &DB{
		t:             t,
		name:          "fakepgdb",
		data:          make(map[string]*ExpectedResult),
		rejectedData:  make(map[string]error),
		patternData:   make(map[string]exprResult),
		queryCalled:   make(map[string]int),
		prepareCalled: make(map[string]int),
		conns:         make(map[int64]*fakeConn),
		copied:        make(map[string][][]any),
	}
	db.AddQuery("", &ExpectedResult{})
	for _, p := range []string{
		`begin.*`,
		`commit`,
		`rollback`,
		`savepoint \w+`,
		`release savepoint \w+`,
		`rollback to savepoint \w+`,
	} {
		db.AddQueryPattern(p, &ExpectedResult{})
	}
	return db
}

// Name returns the name of the DB.
func (db *DB) Name() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.name
}

// SetName sets the name of the DB.
func (db *DB) SetName(name string) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.name = name
	return db
}

// Connect returns a driver.Conn implementation.
func (db *DB) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.connectErr != nil {
		return nil, db.connectErr
	}
	c := &fakeConn{db: db, id: db.nextConnID.Add(1)}
	db.conns[c.id] = c
	return c, nil
}

// Driver returns a driver.Driver implementation.
func (db *DB) Driver() driver.Driver {
	return &fakeDriver{db: db}
}

// OpenDB returns a *sql.DB connected to this fake database.
func (db *DB) OpenDB() *sql.DB {
	return sql.OpenDB(db)
}

// SetConnectError makes every following session fail with err. A nil err
// lets sessions through again.
func (db *DB) SetConnectError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connectErr = err
}

// OpenConns returns the number of sessions that have not been closed.
func (db *DB) OpenConns() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.conns)
}

// BreakAll desynchronizes every open session. Broken sessions report
// themselves invalid and fail every round trip with driver.ErrBadConn.
func (db *DB) BreakAll() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, c := range db.conns {
		c.broken.Store(true)
	}
}

func (db *DB) forget(c *fakeConn) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.conns, c.id)
}

//
// Methods to add expected queries and results.
//

// AddQuery adds a query and its expected result.
func (db *DB) AddQuery(query string, expectedResult *ExpectedResult) *ExpectedResult {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := strings.ToLower(query)
	r := &ExpectedResult{
		Columns:    expectedResult.Columns,
		Rows:       expectedResult.Rows,
		BeforeFunc: expectedResult.BeforeFunc,
	}
	db.data[key] = r
	db.queryCalled[key] = 0
	return r
}

// AddQueryPattern adds an expected result for a set of queries.
// These patterns are checked if no exact matches from AddQuery() are found.
// This function forces the addition of begin/end anchors (^$) and turns on
// case-insensitive matching mode.
func (db *DB) AddQueryPattern(queryPattern string, expectedResult *ExpectedResult) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patternData[queryPattern] = exprResult{expr: expr, result: expectedResult}
}

// RejectQueryPattern allows a query pattern to be rejected with an error
func (db *DB) RejectQueryPattern(queryPattern, error string) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patternData[queryPattern] = exprResult{expr: expr, err: error}
}

// AddRejectedQuery adds a query which will be rejected at execution time.
func (db *DB) AddRejectedQuery(query string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rejectedData[strings.ToLower(query)] = err
}

// SetNeverFail makes unmatched queries return empty results instead of errors.
func (db *DB) SetNeverFail(neverFail bool) {
	db.neverFail.Store(neverFail)
}

//
// Methods to inspect what the server saw.
//

// GetQueryCalledNum returns how many times db executes a certain query.
func (db *DB) GetQueryCalledNum(query string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryCalled[strings.ToLower(query)]
}

// GetPrepareCalledNum returns how many times a certain query was prepared.
func (db *DB) GetPrepareCalledNum(query string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.prepareCalled[strings.ToLower(query)]
}

// OpenStatements returns the number of prepared statements not yet closed.
func (db *DB) OpenStatements() int {
	return int(db.openStmts.Load())
}

// QueryLog returns the query log as a semicolon separated string
func (db *DB) QueryLog() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return strings.Join(db.querylog, ";")
}

// ResetQueryLog resets the query log
func (db *DB) ResetQueryLog() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.querylog = nil
}

// CopiedRows returns the rows received by COPY ... FROM STDIN for table.
func (db *DB) CopiedRows(table string) [][]any {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows := db.copied[table]
	out := make([][]any, len(rows))
	copy(out, rows)
	return out
}

func (db *DB) logEntry(entry string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.querylog = append(db.querylog, entry)
}

func (db *DB) recordPrepare(query string) int64 {
	db.mu.Lock()
	db.prepareCalled[strings.ToLower(query)]++
	db.mu.Unlock()
	db.openStmts.Add(1)
	return db.nextStmtID.Add(1)
}

func (db *DB) recordCopyRow(table string, row []any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.copied[table] = append(db.copied[table], row)
}

// handleQuery handles a query and returns the result.
func (db *DB) handleQuery(query string) (*ExpectedResult, error) {
	key := strings.ToLower(query)
	db.mu.Lock()
	db.queryCalled[key]++
	db.querylog = append(db.querylog, key)

	// Check if we should reject it
	if err, ok := db.rejectedData[key]; ok {
		db.mu.Unlock()
		return nil, err
	}

	// Check explicit queries from AddQuery()
	result, ok := db.data[key]
	if ok {
		db.mu.Unlock()
		if f := result.BeforeFunc; f != nil {
			f()
		}
		return result, nil
	}

	// Check query patterns from AddQueryPattern()
	for _, pat := range db.patternData {
		if pat.expr.MatchString(query) {
			db.mu.Unlock()
			if pat.err != "" {
				return nil, errors.New(pat.err)
			}
			return pat.result, nil
		}
	}
	name := db.name
	db.mu.Unlock()

	if db.neverFail.Load() {
		return &ExpectedResult{}, nil
	}

	return nil, fmt.Errorf("%w: '%s' on %v", ErrUnsupportedQuery, query, name)
}

// copyTarget returns the unquoted table name of a COPY statement.
func copyTarget(query string) (string, bool) {
	m := copyPattern.FindStringSubmatch(query)
	if m == nil {
		return "", false
	}
	return strings.Trim(m[1], `"`), true
}
