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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolExhausted is returned when the pool has reached capacity.
	ErrPoolExhausted = errors.New("pool exhausted")
)

const (
	// DefaultCapacity is used when Config.Capacity is not positive.
	DefaultCapacity = 10

	meterName = "github.com/multigres/pgstmtpool/go/pools/connpool"
)

// Config holds configuration for the connection pool.
type Config struct {
	// Name labels the pool in logs and metrics.
	Name string

	// Capacity is the maximum number of connections in the pool.
	// If 0, defaults to DefaultCapacity.
	Capacity int

	// MaxIdle is the maximum number of idle connections to keep.
	// If 0, defaults to Capacity.
	MaxIdle int

	// MinIdle is the number of connections Open creates up front.
	MinIdle int

	// IdleTimeout is how long a connection can be idle before being closed.
	// If 0, connections are never closed due to idle time.
	IdleTimeout time.Duration

	// MaxLifetime is the maximum lifetime of a connection.
	// If 0, connections are never closed due to age.
	MaxLifetime time.Duration

	// TestOnCheckout makes Get run Manager.IsValid on idle connections
	// before handing them out.
	TestOnCheckout bool

	// Meter records db.client.connection.count. Defaults to the global
	// meter provider.
	Meter metric.Meter

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pool hands out connections opened by a Manager, keeping returned ones idle
// for reuse.
type Pool[C Connection] struct {
	name    string
	manager Manager[C]
	idle    connStack[C]

	// Configuration
	capacity       int           // Maximum number of connections
	maxIdle        int           // Maximum idle connections to keep
	minIdle        int           // Connections created by Open
	idleTimeout    time.Duration // How long before idle connections are closed
	maxLifetime    time.Duration // Maximum connection lifetime
	testOnCheckout bool

	logger  *slog.Logger
	metrics ConnectionCount

	// Atomic counters
	active   atomic.Int64 // Total connections (borrowed + idle)
	borrowed atomic.Int64 // Connections currently borrowed by clients

	// Lifecycle
	closed atomic.Bool
}

// NewPool creates a new connection pool that opens connections with manager.
// No connection is opened until Open or Get.
func NewPool[C Connection](manager Manager[C], cfg Config) *Pool[C] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.Capacity {
		cfg.MaxIdle = cfg.Capacity
	}
	if cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = cfg.MaxIdle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter(meterName)
	}

	p := &Pool[C]{
		name:           cfg.Name,
		manager:        manager,
		capacity:       cfg.Capacity,
		maxIdle:        cfg.MaxIdle,
		minIdle:        cfg.MinIdle,
		idleTimeout:    cfg.IdleTimeout,
		maxLifetime:    cfg.MaxLifetime,
		testOnCheckout: cfg.TestOnCheckout,
		logger:         cfg.Logger.With("pool", cfg.Name),
	}

	var err error
	if p.metrics, err = NewConnectionCount(cfg.Meter); err != nil {
		p.logger.Warn("failed to create connection count metric", "error", err)
	}
	return p
}

// Open creates MinIdle connections and parks them idle. The first connect
// error aborts Open and is returned; connections opened so far stay pooled.
func (p *Pool[C]) Open(ctx context.Context) error {
	for p.idle.Len() < p.minIdle {
		pooled, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.borrowed.Add(-1)
		p.metrics.Add(-1, p.name, stateUsed)
		p.pushIdle(pooled)
	}
	return nil
}

// Get returns an idle connection from the pool, or opens a new one if the
// pool is under capacity.
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		pooled, ok := p.idle.Pop()
		if !ok {
			break
		}
		p.metrics.Add(-1, p.name, stateIdle)

		if reason := p.discardReason(pooled); reason != "" {
			p.closeConnection(pooled, reason)
			continue
		}

		if p.testOnCheckout {
			if err := p.manager.IsValid(ctx, pooled.conn); err != nil {
				p.logger.DebugContext(ctx, "idle connection failed validation", "error", err)
				p.closeConnection(pooled, "invalid")
				continue
			}
		}

		pooled.released.Store(false)
		pooled.UpdateLastUsed()
		p.borrowed.Add(1)
		p.metrics.Add(1, p.name, stateUsed)
		return pooled, nil
	}

	return p.create(ctx)
}

// create opens a connection in a free slot and counts it as borrowed.
func (p *Pool[C]) create(ctx context.Context) (*Pooled[C], error) {
	for {
		n := p.active.Load()
		if n >= int64(p.capacity) {
			return nil, ErrPoolExhausted
		}
		if p.active.CompareAndSwap(n, n+1) {
			break
		}
	}

	conn, err := p.manager.Connect(ctx)
	if err != nil {
		p.active.Add(-1)
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	p.borrowed.Add(1)
	p.metrics.Add(1, p.name, stateUsed)
	return newPooled(p, conn), nil
}

// Put returns a connection to the pool. It is the same as pooled.Recycle().
func (p *Pool[C]) Put(pooled *Pooled[C]) error {
	if pooled == nil {
		return nil
	}
	return pooled.Recycle()
}

func (p *Pool[C]) put(pooled *Pooled[C]) error {
	p.borrowed.Add(-1)
	p.metrics.Add(-1, p.name, stateUsed)

	if p.closed.Load() {
		p.closeConnection(pooled, "pool closed")
		return ErrPoolClosed
	}

	if pooled.conn.IsClosed() || p.manager.HasBroken(pooled.conn) {
		p.closeConnection(pooled, "broken")
		return nil
	}

	// Check max lifetime
	if p.maxLifetime > 0 && pooled.Age() > p.maxLifetime {
		p.closeConnection(pooled, "max lifetime")
		return nil
	}

	pooled.UpdateLastUsed()
	if !p.pushIdle(pooled) {
		p.closeConnection(pooled, "max idle")
	}
	return nil
}

func (p *Pool[C]) pushIdle(pooled *Pooled[C]) bool {
	pooled.released.Store(true)
	if !p.idle.PushIfBelow(pooled, p.maxIdle) {
		return false
	}
	p.metrics.Add(1, p.name, stateIdle)
	return true
}

// discardReason returns why an idle connection must not be handed out, or "".
func (p *Pool[C]) discardReason(pooled *Pooled[C]) string {
	switch {
	case pooled.conn.IsClosed():
		return "closed"
	case p.maxLifetime > 0 && pooled.Age() > p.maxLifetime:
		return "max lifetime"
	case p.idleTimeout > 0 && pooled.IdleTime() > p.idleTimeout:
		return "idle timeout"
	case p.manager.HasBroken(pooled.conn):
		return "broken"
	}
	return ""
}

// closeConnection closes a connection and decrements the active counter.
func (p *Pool[C]) closeConnection(pooled *Pooled[C], reason string) {
	if !pooled.conn.IsClosed() {
		if err := pooled.conn.Close(); err != nil {
			p.logger.Warn("failed to close connection", "reason", reason, "error", err)
		}
	}
	p.active.Add(-1)
	p.logger.Debug("connection discarded", "reason", reason, "age", pooled.Age())
}

// Close closes all idle connections. Borrowed connections are closed when
// they are returned.
func (p *Pool[C]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}

	for _, pooled := range p.idle.Drain() {
		p.metrics.Add(-1, p.name, stateIdle)
		p.closeConnection(pooled, "pool closed")
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (p *Pool[C]) IsClosed() bool {
	return p.closed.Load()
}

// Capacity returns the maximum number of connections.
func (p *Pool[C]) Capacity() int {
	return p.capacity
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() PoolStats {
	return PoolStats{
		Active:   p.active.Load(),
		Borrowed: p.borrowed.Load(),
		Idle:     int64(p.idle.Len()),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Active   int64 // Total connections
	Borrowed int64 // Connections borrowed by clients
	Idle     int64 // Connections available in pool
}
