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

// Package stmtcache implements a bounded LRU cache of prepared statements for
// a single database session.
//
// The LRU list maps query text to an ID, and a side table owned by the cache
// maps each ID to a reference-counted handle on the driver statement. Handles
// outlive eviction: an evicted statement is closed only once every caller
// holding it has released it.
//
// A Cache is bound to the session that prepared its statements and must never
// be shared with another session.
package stmtcache

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/golang/groupcache/lru"
)

// DefaultCapacity is used when a cache is created with a non-positive capacity.
const DefaultCapacity = 10

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
	Capacity  int
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *Metrics
	poolName string
}

// WithLogger sets the logger used to report statements that fail to close.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records lookups and evictions on m, tagged with poolName.
func WithMetrics(m *Metrics, poolName string) Option {
	return func(o *options) {
		o.metrics = m
		o.poolName = poolName
	}
}

// Cache is an LRU cache of prepared statements keyed by query text.
// All methods are safe for concurrent use.
type Cache[S Closer] struct {
	capacity int
	logger   *slog.Logger
	metrics  *Metrics
	poolName string

	mu      sync.Mutex
	lru     *lru.Cache
	refs    map[ID]*Ref[S]
	nextID  ID
	closed  bool
	evicted []*Ref[S]

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache holding at most capacity statements.
func New[S Closer](capacity int, opts ...Option) *Cache[S] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[S]{
		capacity: capacity,
		logger:   o.logger,
		metrics:  o.metrics,
		poolName: o.poolName,
		lru:      lru.New(capacity),
		refs:     make(map[ID]*Ref[S], capacity),
	}
	c.lru.OnEvicted = c.onEvicted
	return c
}

// onEvicted runs under c.mu from inside the LRU.
func (c *Cache[S]) onEvicted(_ lru.Key, value any) {
	id := value.(ID)
	ref, ok := c.refs[id]
	if !ok {
		return
	}
	delete(c.refs, id)
	c.evicted = append(c.evicted, ref)
	c.evictions++
	c.metrics.recordEviction(c.poolName)
}

// lockOpen takes the cache lock. Using a closed cache is a programming error:
// its statements belong to a session that is gone.
func (c *Cache[S]) lockOpen() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		panic("stmtcache: use of closed cache")
	}
}

// unlock releases the cache lock and then drops the cache's reference on
// every statement evicted while it was held.
func (c *Cache[S]) unlock() {
	evicted := c.evicted
	c.evicted = nil
	c.mu.Unlock()
	c.release(evicted)
}

func (c *Cache[S]) release(refs []*Ref[S]) error {
	var errs []error
	for _, ref := range refs {
		if err := ref.Release(); err != nil {
			c.logger.Warn("failed to close evicted statement", "query", ref.Query(), "id", ref.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the statement cached for query and marks it most recently
// used. The returned handle is retained and must be released by the caller.
func (c *Cache[S]) Lookup(query string) (*Ref[S], bool) {
	c.lockOpen()
	defer c.unlock()

	v, ok := c.lru.Get(query)
	if !ok {
		c.misses++
		c.metrics.recordLookup(c.poolName, false)
		return nil, false
	}
	c.hits++
	c.metrics.recordLookup(c.poolName, true)
	return c.refs[v.(ID)].Retain(), true
}

// Insert caches stmt under query and returns a retained handle on it. When the
// cache is full the least recently used statement is evicted. A statement
// already cached under query is replaced and released.
func (c *Cache[S]) Insert(query string, stmt S) *Ref[S] {
	c.lockOpen()
	defer c.unlock()

	if v, ok := c.lru.Get(query); ok {
		// lru.Add updates existing keys in place without calling OnEvicted.
		id := v.(ID)
		c.evicted = append(c.evicted, c.refs[id])
		delete(c.refs, id)
	}

	c.nextID++
	ref := newRef(c.nextID, query, stmt)
	c.refs[ref.id] = ref
	c.lru.Add(query, ref.id)
	return ref.Retain()
}

// Contains reports whether query is cached without changing its recency.
func (c *Cache[S]) Contains(query string) bool {
	c.lockOpen()
	defer c.unlock()

	for _, ref := range c.refs {
		if ref.query == query {
			return true
		}
	}
	return false
}

// Len returns the number of cached statements.
func (c *Cache[S]) Len() int {
	c.lockOpen()
	defer c.unlock()
	return c.lru.Len()
}

// Cap returns the maximum number of cached statements.
func (c *Cache[S]) Cap() int {
	return c.capacity
}

// Stats returns the cache counters.
func (c *Cache[S]) Stats() Stats {
	c.lockOpen()
	defer c.unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Len:       c.lru.Len(),
		Capacity:  c.capacity,
	}
}

// Close drops the cache's reference on every statement. Statements still
// held by callers are closed when those callers release them. Any further
// use of the cache panics. Close is idempotent.
func (c *Cache[S]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	refs := make([]*Ref[S], 0, len(c.refs))
	for _, ref := range c.refs {
		refs = append(refs, ref)
	}
	c.refs = nil
	c.lru.OnEvicted = nil
	c.lru.Clear()
	c.mu.Unlock()

	return c.release(refs)
}

// IsClosed reports whether Close has been called.
func (c *Cache[S]) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
