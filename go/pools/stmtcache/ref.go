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

package stmtcache

import (
	"fmt"
	"sync/atomic"
)

// Closer is the statement type a Cache holds.
type Closer interface {
	Close() error
}

// ID identifies one prepared statement for the lifetime of a Cache.
// IDs are never reused, so two handles with the same ID share a statement.
type ID uint64

// Ref is a reference-counted handle on a cached statement.
//
// The cache holds one reference while the statement is cached. Every Lookup
// or Insert hands out one more, which the caller drops with Release. The
// statement is closed when the last reference goes away.
type Ref[S Closer] struct {
	id    ID
	query string
	stmt  S
	refs  atomic.Int64
}

func newRef[S Closer](id ID, query string, stmt S) *Ref[S] {
	r := &Ref[S]{id: id, query: query, stmt: stmt}
	r.refs.Store(1)
	return r
}

// ID returns the statement identity.
func (r *Ref[S]) ID() ID {
	return r.id
}

// Query returns the text the statement was prepared from.
func (r *Ref[S]) Query() string {
	return r.query
}

// Stmt returns the underlying statement. It must not be used after Release.
func (r *Ref[S]) Stmt() S {
	return r.stmt
}

// Refs returns the current reference count.
func (r *Ref[S]) Refs() int64 {
	return r.refs.Load()
}

// Retain adds a reference.
func (r *Ref[S]) Retain() *Ref[S] {
	if r.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("stmtcache: retain of released statement %d", r.id))
	}
	return r
}

// Release drops a reference and closes the statement when none remain.
// The close error, if any, is returned to whoever dropped the last reference.
func (r *Ref[S]) Release() error {
	n := r.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n == 0:
		return r.stmt.Close()
	default:
		panic(fmt.Sprintf("stmtcache: statement %d released more times than retained", r.id))
	}
}
