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

package connpool

import (
	"sync/atomic"
	"time"
)

// Pooled wraps a connection with metadata for pool management.
type Pooled[C Connection] struct {
	// conn is the underlying connection.
	conn C

	// pool is the owning pool, used by Recycle and Taint.
	pool *Pool[C]

	// next links the idle stack. Protected by the stack's mutex.
	next *Pooled[C]

	// createdAt is the time when this connection was created.
	createdAt time.Time

	// lastUsedAt is the time when this connection was last used.
	// Updated atomically when returning to pool or borrowing from pool.
	lastUsedAt atomic.Int64 // Unix timestamp in nanoseconds

	// released is set once the connection was handed back, so a second
	// Recycle or Taint is a no-op.
	released atomic.Bool
}

func newPooled[C Connection](pool *Pool[C], conn C) *Pooled[C] {
	now := time.Now()
	p := &Pooled[C]{
		conn:      conn,
		pool:      pool,
		createdAt: now,
	}
	p.lastUsedAt.Store(now.UnixNano())
	return p
}

// Conn returns the underlying connection.
func (p *Pooled[C]) Conn() C {
	return p.conn
}

// CreatedAt returns the time when this connection was created.
func (p *Pooled[C]) CreatedAt() time.Time {
	return p.createdAt
}

// LastUsedAt returns the time when this connection was last used.
func (p *Pooled[C]) LastUsedAt() time.Time {
	return time.Unix(0, p.lastUsedAt.Load())
}

// UpdateLastUsed updates the last used timestamp to now.
func (p *Pooled[C]) UpdateLastUsed() {
	p.lastUsedAt.Store(time.Now().UnixNano())
}

// Age returns the duration since this connection was created.
func (p *Pooled[C]) Age() time.Duration {
	return time.Since(p.createdAt)
}

// IdleTime returns the duration since this connection was last used.
func (p *Pooled[C]) IdleTime() time.Duration {
	return time.Since(p.LastUsedAt())
}

// Recycle returns the connection to its pool.
func (p *Pooled[C]) Recycle() error {
	if !p.released.CompareAndSwap(false, true) {
		return nil
	}
	return p.pool.put(p)
}

// Taint closes the connection and frees its pool slot.
func (p *Pooled[C]) Taint() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.pool.borrowed.Add(-1)
	p.pool.metrics.Add(-1, p.pool.name, stateUsed)
	p.pool.closeConnection(p, "tainted")
}
