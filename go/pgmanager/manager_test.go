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

package pgmanager

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/multigres/pgstmtpool/go/cachingconn"
	"github.com/multigres/pgstmtpool/go/connfactory"
	"github.com/multigres/pgstmtpool/go/dbconn"
	"github.com/multigres/pgstmtpool/go/fakepgdb"
	"github.com/multigres/pgstmtpool/go/mterrors"
	"github.com/multigres/pgstmtpool/go/pools/connpool"
	"github.com/multigres/pgstmtpool/go/pools/stmtcache"
)

const selectOne = "SELECT 1::INT"

func newFake(t *testing.T) *fakepgdb.DB {
	t.Helper()
	fake := fakepgdb.New(t)
	fake.AddQuery(selectOne, &fakepgdb.ExpectedResult{Columns: []string{"int4"}, Rows: [][]any{{int64(1)}}})
	return fake
}

func newCachingManager(t *testing.T, fake *fakepgdb.DB, size int, opts ...Option) *StatementCachingManager {
	t.Helper()
	opts = append([]Option{WithConnector(fake)}, opts...)
	m := NewStatementCachingManager("host=localhost", connfactory.SSLDisable, CacheConfig{StatementPoolSize: size}, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestConnect_DeferredParseError(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		sslMode connfactory.SSLMode
	}{
		{name: "bad port", dsn: "postgres://user@localhost:badport/db"},
		{name: "bad ssl mode", dsn: "host=localhost", sslMode: "sometimes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewStatementCachingManager(tt.dsn, tt.sslMode, DefaultCacheConfig())
			defer m.Close()

			_, err1 := m.Connect(context.Background())
			require.Error(t, err1)
			assert.True(t, mterrors.IsConnect(err1))
			assert.Contains(t, err1.Error(), "MT15001")

			_, err2 := m.Connect(context.Background())
			assert.Same(t, err1, err2)

			plain := NewManager(tt.dsn, tt.sslMode)
			defer plain.Close()
			_, err := plain.Connect(context.Background())
			assert.True(t, mterrors.IsConnect(err))
		})
	}
}

func TestConnect_DeferredParseErrorFailsPoolOpen(t *testing.T) {
	m := NewStatementCachingManager("postgres://user@localhost:badport/db", connfactory.SSLDefault, DefaultCacheConfig())
	defer m.Close()

	pool := connpool.NewPool(m, connpool.Config{Name: "bad", Capacity: 2, MinIdle: 1})
	defer pool.Close()

	err := pool.Open(context.Background())
	require.Error(t, err)
	assert.True(t, mterrors.IsConnect(err))
	assert.Equal(t, int64(0), pool.Stats().Active)
}

func TestConnect_NetworkErrorIsConnectError(t *testing.T) {
	fake := newFake(t)
	refused := errors.New("connection refused")
	fake.SetConnectError(refused)

	m := newCachingManager(t, fake, 10)
	_, err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, mterrors.IsConnect(err))
	assert.ErrorIs(t, err, refused)
}

func TestLivenessProbe(t *testing.T) {
	fake := newFake(t)
	m := newCachingManager(t, fake, 10)
	ctx := context.Background()

	conn, err := m.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, m.IsValid(ctx, conn))
	assert.Equal(t, 1, fake.GetQueryCalledNum(""))
	assert.False(t, m.HasBroken(conn))
	assert.Equal(t, 0, conn.CacheStats().Len)

	fake.BreakAll()
	assert.True(t, m.HasBroken(conn))
	assert.Equal(t, 1, fake.GetQueryCalledNum(""), "HasBroken must not run a query")

	err = m.IsValid(ctx, conn)
	require.Error(t, err)
	assert.True(t, mterrors.IsOther(err))
}

func TestLivenessProbe_Rejected(t *testing.T) {
	fake := newFake(t)
	fake.AddRejectedQuery("", errors.New("server is shutting down"))
	m := NewManager("host=localhost", connfactory.SSLDefault, WithConnector(fake))
	defer m.Close()
	ctx := context.Background()

	conn, err := m.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	err = m.IsValid(ctx, conn)
	require.Error(t, err)
	assert.True(t, mterrors.IsOther(err))
	assert.Contains(t, err.Error(), "is_valid")
	// A plain query error leaves the session usable.
	assert.False(t, m.HasBroken(conn))
}

func TestLivenessProbe_ClosedConnection(t *testing.T) {
	fake := newFake(t)
	m := newCachingManager(t, fake, 10)
	ctx := context.Background()

	conn, err := m.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	assert.True(t, m.HasBroken(conn))
	err = m.IsValid(ctx, conn)
	assert.True(t, mterrors.IsOther(err))
	assert.ErrorIs(t, err, cachingconn.ErrConnClosed)
}

func TestManager_PlainSessions(t *testing.T) {
	fake := newFake(t)
	m := NewManager("host=localhost", connfactory.SSLDefault, WithConnector(fake), WithFlavor(dbconn.FlavorPQ))
	defer m.Close()
	ctx := context.Background()

	conn, err := m.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, m.IsValid(ctx, conn))
	assert.False(t, m.HasBroken(conn))
	assert.Equal(t, "host=localhost", m.Params().DSN)

	require.NoError(t, conn.Close())
	assert.True(t, m.HasBroken(conn))
	assert.Equal(t, 0, fake.OpenConns())
}

func TestPool_TwoHoldersThenThird(t *testing.T) {
	fake := newFake(t)
	m := newCachingManager(t, fake, 10)
	ctx := context.Background()

	pool := connpool.NewPool(m, connpool.Config{Name: "smoke", Capacity: 2})
	defer pool.Close()

	first, err := pool.Get(ctx)
	require.NoError(t, err)
	second, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first.Conn(), second.Conn())

	_, err = pool.Get(ctx)
	require.ErrorIs(t, err, connpool.ErrPoolExhausted)

	stmt, err := first.Conn().Prepare(ctx, selectOne)
	require.NoError(t, err)
	require.NoError(t, stmt.Close())
	cached := first.Conn()
	require.NoError(t, first.Recycle())

	third, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, cached, third.Conn())

	// The cache survives the round trip through the pool.
	again, err := third.Conn().Prepare(ctx, selectOne)
	require.NoError(t, err)
	assert.Same(t, stmt.Stmt(), again.Stmt())
	require.NoError(t, again.Close())
	assert.Equal(t, 1, fake.GetPrepareCalledNum(selectOne))

	require.NoError(t, second.Recycle())
	require.NoError(t, third.Recycle())
	assert.Equal(t, connpool.PoolStats{Active: 2, Borrowed: 0, Idle: 2}, pool.Stats())
}

func TestPool_TestOnCheckoutRunsIsValid(t *testing.T) {
	fake := newFake(t)
	m := newCachingManager(t, fake, 10)
	ctx := context.Background()

	pool := connpool.NewPool(m, connpool.Config{Name: "validated", Capacity: 1, TestOnCheckout: true})
	defer pool.Close()

	pooled, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fake.GetQueryCalledNum(""), "fresh connections are not probed")
	require.NoError(t, pooled.Recycle())

	pooled, err = pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.GetQueryCalledNum(""))
	require.NoError(t, pooled.Recycle())
}

func TestPool_BrokenConnectionIsDiscarded(t *testing.T) {
	fake := newFake(t)
	m := newCachingManager(t, fake, 10)
	ctx := context.Background()

	pool := connpool.NewPool(m, connpool.Config{Name: "broken", Capacity: 1})
	defer pool.Close()

	pooled, err := pool.Get(ctx)
	require.NoError(t, err)
	fake.BreakAll()
	require.NoError(t, pooled.Recycle())
	assert.Equal(t, connpool.PoolStats{}, pool.Stats())
	assert.True(t, pooled.Conn().IsClosed())

	fresh, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, pooled.Conn(), fresh.Conn())
	require.NoError(t, fresh.Recycle())
}

func TestPool_OpenTransactionIsDiscarded(t *testing.T) {
	fake := newFake(t)
	m := newCachingManager(t, fake, 10)
	ctx := context.Background()

	pool := connpool.NewPool(m, connpool.Config{Name: "leaked-tx", Capacity: 1})
	defer pool.Close()

	pooled, err := pool.Get(ctx)
	require.NoError(t, err)
	_, err = pooled.Conn().Transaction(ctx)
	require.NoError(t, err)
	assert.True(t, m.HasBroken(pooled.Conn()))

	require.NoError(t, pooled.Recycle())
	assert.True(t, pooled.Conn().IsClosed())
	assert.Equal(t, connpool.PoolStats{}, pool.Stats())
	assert.Equal(t, "begin;rollback", fake.QueryLog())

	fresh, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, pooled.Conn(), fresh.Conn())
	n, err := fresh.Conn().Execute(ctx, selectOne)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, fresh.Recycle())
}

func TestManager_OpenTransactionIsBroken(t *testing.T) {
	fake := newFake(t)
	m := NewManager("host=localhost", connfactory.SSLDisable, WithConnector(fake))
	defer m.Close()
	ctx := context.Background()

	conn, err := m.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	assert.True(t, m.HasBroken(conn))

	require.NoError(t, tx.Rollback(ctx))
	assert.False(t, m.HasBroken(conn))
}

func TestStatementCachingManager_CacheOptions(t *testing.T) {
	fake := newFake(t)
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := stmtcache.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m := newCachingManager(t, fake, 0, WithCacheMetrics(metrics, "primary"))
	assert.Equal(t, 0, m.CacheConfig().StatementPoolSize)
	ctx := context.Background()

	conn, err := m.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, stmtcache.DefaultCapacity, conn.CacheStats().Capacity)

	_, err = conn.Execute(ctx, selectOne)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, selectOne)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var lookups int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "db.client.statement_cache.lookups" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				lookups += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), lookups)
}

func TestStatementCachingManager_RealDatabase(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping test that requires database (set PG_TEST_DSN to enable)")
	}

	for _, flavor := range []dbconn.Flavor{dbconn.FlavorPQ, dbconn.FlavorPGX} {
		t.Run(flavor.String(), func(t *testing.T) {
			m := NewStatementCachingManager(dsn, connfactory.SSLDefault, CacheConfig{StatementPoolSize: 1}, WithFlavor(flavor))
			defer m.Close()
			ctx := context.Background()

			conn, err := m.Connect(ctx)
			require.NoError(t, err)
			defer conn.Close()
			require.NoError(t, m.IsValid(ctx, conn))
			assert.False(t, m.HasBroken(conn))

			queryInt := func(query string) (int, stmtcache.ID) {
				stmt, err := conn.Prepare(ctx, query)
				require.NoError(t, err)
				defer stmt.Close()
				var v int
				require.NoError(t, stmt.QueryRow(ctx).Scan(&v))
				return v, stmt.ID()
			}

			v, idA := queryInt("SELECT 1::INT")
			assert.Equal(t, 1, v)
			v, _ = queryInt("SELECT 2::INT")
			assert.Equal(t, 2, v)
			v, idC := queryInt("SELECT 1::INT")
			assert.Equal(t, 1, v)
			assert.NotEqual(t, idA, idC)
		})
	}
}
