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

// Package pgmanager adapts PostgreSQL sessions to the connpool.Manager
// contract.
//
// Manager hands out plain sessions. StatementCachingManager hands out
// sessions that cache prepared statements. Both parse their connection
// parameters once; a parse failure is replayed as the same connect error by
// every Connect.
package pgmanager

import (
	"context"
	"database/sql/driver"
	"log/slog"

	"github.com/multigres/pgstmtpool/go/cachingconn"
	"github.com/multigres/pgstmtpool/go/connfactory"
	"github.com/multigres/pgstmtpool/go/dbconn"
	"github.com/multigres/pgstmtpool/go/mterrors"
	"github.com/multigres/pgstmtpool/go/pools/connpool"
	"github.com/multigres/pgstmtpool/go/pools/stmtcache"
)

// Option configures a manager.
type Option func(*options)

type options struct {
	flavor       dbconn.Flavor
	logger       *slog.Logger
	connector    driver.Connector
	cacheMetrics *stmtcache.Metrics
	poolName     string
}

// WithFlavor selects the database/sql driver. The default is lib/pq.
func WithFlavor(flavor dbconn.Flavor) Option {
	return func(o *options) { o.flavor = flavor }
}

// WithLogger sets the logger for the manager and its connections.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithConnector dials through c instead of the selected driver.
func WithConnector(c driver.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithCacheMetrics records statement cache metrics labelled with poolName.
// Only StatementCachingManager has a cache to record.
func WithCacheMetrics(m *stmtcache.Metrics, poolName string) Option {
	return func(o *options) {
		o.cacheMetrics = m
		o.poolName = poolName
	}
}

// CacheConfig configures the per-connection statement cache.
type CacheConfig struct {
	// StatementPoolSize is the number of prepared statements kept per
	// connection. A non-positive value selects the default of 10.
	StatementPoolSize int
}

// DefaultCacheConfig returns a CacheConfig with StatementPoolSize 10.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{StatementPoolSize: stmtcache.DefaultCapacity}
}

// base is the part shared by both managers.
type base struct {
	opts       options
	factory    *connfactory.Factory
	connectErr error
}

func newBase(dsn string, sslMode connfactory.SSLMode, opts []Option) base {
	o := options{
		flavor: dbconn.FlavorPQ,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	factoryOpts := []connfactory.Option{
		connfactory.WithFlavor(o.flavor),
		connfactory.WithLogger(o.logger),
	}
	if o.connector != nil {
		factoryOpts = append(factoryOpts, connfactory.WithConnector(o.connector))
	}

	b := base{
		opts:    o,
		factory: connfactory.New(dsn, sslMode, factoryOpts...),
	}
	if err := b.factory.Err(); err != nil {
		b.connectErr = mterrors.Connect(err)
	}
	return b
}

func (b *base) connect(ctx context.Context) (*dbconn.DBConn, error) {
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	conn, err := b.factory.Connect(ctx)
	if err != nil {
		b.opts.logger.WarnContext(ctx, "failed to connect", "error", err)
		return nil, mterrors.Connect(err)
	}
	return conn, nil
}

func isValid(ctx context.Context, conn *dbconn.DBConn) error {
	if err := conn.BatchExecute(ctx, ""); err != nil {
		return mterrors.Other("is_valid", err)
	}
	return nil
}

// Params returns the parsed connection parameters.
func (b *base) Params() connfactory.ConnectParams {
	return b.factory.Params()
}

// Close releases the manager. Connections already handed out keep working
// until they are closed.
func (b *base) Close() error {
	return b.factory.Close()
}

// Manager hands out plain database sessions.
type Manager struct {
	base
}

// NewManager builds a Manager. It never fails: a bad dsn or sslMode makes
// every Connect fail with the same connect error.
func NewManager(dsn string, sslMode connfactory.SSLMode, opts ...Option) *Manager {
	return &Manager{base: newBase(dsn, sslMode, opts)}
}

// Connect opens a new session.
func (m *Manager) Connect(ctx context.Context) (*dbconn.DBConn, error) {
	return m.connect(ctx)
}

// IsValid runs an empty query on conn.
func (m *Manager) IsValid(ctx context.Context, conn *dbconn.DBConn) error {
	return isValid(ctx, conn)
}

// HasBroken reports whether conn is desynchronized or was handed back with a
// transaction still open. It performs no I/O. Closing such a connection rolls
// the transaction back.
func (m *Manager) HasBroken(conn *dbconn.DBConn) bool {
	return conn.IsDesynchronized() || conn.InTransaction()
}

// StatementCachingManager hands out sessions with a prepared statement cache.
type StatementCachingManager struct {
	base
	cache CacheConfig
}

// NewStatementCachingManager builds a StatementCachingManager. Like
// NewManager it never fails.
func NewStatementCachingManager(dsn string, sslMode connfactory.SSLMode, cache CacheConfig, opts ...Option) *StatementCachingManager {
	return &StatementCachingManager{
		base:  newBase(dsn, sslMode, opts),
		cache: cache,
	}
}

// CacheConfig returns the cache configuration of new connections.
func (m *StatementCachingManager) CacheConfig() CacheConfig {
	return m.cache
}

// Connect opens a new session with an empty statement cache.
func (m *StatementCachingManager) Connect(ctx context.Context) (*cachingconn.Connection, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	cacheOpts := []stmtcache.Option{stmtcache.WithLogger(m.opts.logger)}
	if m.opts.cacheMetrics != nil {
		cacheOpts = append(cacheOpts, stmtcache.WithMetrics(m.opts.cacheMetrics, m.opts.poolName))
	}
	return cachingconn.New(conn, m.cache.StatementPoolSize, cacheOpts...), nil
}

// IsValid runs an empty query on conn. It neither reads nor changes the
// statement cache.
func (m *StatementCachingManager) IsValid(ctx context.Context, conn *cachingconn.Connection) error {
	if conn.IsClosed() {
		return mterrors.Other("is_valid", cachingconn.ErrConnClosed)
	}
	return isValid(ctx, conn.Raw())
}

// HasBroken reports whether conn is desynchronized or still inside a
// transaction. It performs no I/O.
func (m *StatementCachingManager) HasBroken(conn *cachingconn.Connection) bool {
	return conn.IsDesynchronized() || conn.Raw().InTransaction()
}

var (
	_ connpool.Manager[*dbconn.DBConn]          = (*Manager)(nil)
	_ connpool.Manager[*cachingconn.Connection] = (*StatementCachingManager)(nil)
)
