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

// Package connpool provides a generic connection pool driven by a Manager
// that knows how to open, probe and judge connections.
package connpool

import "context"

// Connection represents a pooled database connection.
// Implementations must be safe for concurrent use by a single client.
type Connection interface {
	// IsClosed returns true if the connection has been closed.
	IsClosed() bool

	// Close closes the connection and releases associated resources.
	Close() error
}

// Manager opens connections for a pool and tells it which ones to discard.
type Manager[C Connection] interface {
	// Connect opens a new connection.
	Connect(ctx context.Context) (C, error)

	// IsValid checks that an idle connection still works, typically with a
	// round trip. The pool calls it on checkout when TestOnCheckout is set.
	IsValid(ctx context.Context, conn C) error

	// HasBroken reports whether conn is known to be unusable. It must not
	// block or perform I/O: the pool calls it on every checkout and return.
	HasBroken(conn C) bool
}
