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
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/multigres/pgstmtpool/go/connfactory"
	"github.com/multigres/pgstmtpool/go/pools/connpool"
	"github.com/multigres/pgstmtpool/go/pools/stmtcache"
	"github.com/multigres/pgstmtpool/go/viperutil"
)

// Config holds viper-backed configuration for a pool of PostgreSQL sessions.
// Create with NewConfig(), register flags with RegisterFlags(), then build
// the manager with NewStatementCachingManager() when ready.
type Config struct {
	// --- Connection settings ---
	dsn     viperutil.Value[string]
	sslMode viperutil.Value[string]
	driver  viperutil.Value[string]

	// --- Statement cache ---
	statementPoolSize viperutil.Value[int]

	// --- Pool sizing ---
	capacity       viperutil.Value[int]
	minIdle        viperutil.Value[int]
	idleTimeout    viperutil.Value[time.Duration]
	maxLifetime    viperutil.Value[time.Duration]
	testOnCheckout viperutil.Value[bool]
}

// NewConfig creates a new Config with all settings registered to the
// provided registry.
func NewConfig(reg *viperutil.Registry) *Config {
	var (
		capacity    = connpool.DefaultCapacity
		idleTimeout = 5 * time.Minute
		maxLifetime = 1 * time.Hour
	)

	return &Config{
		dsn: viperutil.Configure(reg, "postgres.dsn", viperutil.Options[string]{
			Default:  "",
			FlagName: "dsn",
			EnvVars:  []string{"PGSTMTPOOL_DSN"},
		}),
		sslMode: viperutil.Configure(reg, "postgres.ssl-mode", viperutil.Options[string]{
			Default:  "",
			FlagName: "ssl-mode",
			EnvVars:  []string{"PGSTMTPOOL_SSL_MODE"},
		}),
		driver: viperutil.Configure(reg, "postgres.driver", viperutil.Options[string]{
			Default:  "postgres",
			FlagName: "driver",
		}),

		statementPoolSize: viperutil.Configure(reg, "stmtcache.size", viperutil.Options[int]{
			Default:  stmtcache.DefaultCapacity,
			FlagName: "statement-pool-size",
			EnvVars:  []string{"PGSTMTPOOL_STATEMENT_POOL_SIZE"},
		}),

		capacity: viperutil.Configure(reg, "connpool.capacity", viperutil.Options[int]{
			Default:  capacity,
			FlagName: "pool-capacity",
		}),
		minIdle: viperutil.Configure(reg, "connpool.min-idle", viperutil.Options[int]{
			FlagName: "pool-min-idle",
		}),
		idleTimeout: viperutil.Configure(reg, "connpool.idle-timeout", viperutil.Options[time.Duration]{
			Default:  idleTimeout,
			FlagName: "pool-idle-timeout",
		}),
		maxLifetime: viperutil.Configure(reg, "connpool.max-lifetime", viperutil.Options[time.Duration]{
			Default:  maxLifetime,
			FlagName: "pool-max-lifetime",
		}),
		testOnCheckout: viperutil.Configure(reg, "connpool.test-on-checkout", viperutil.Options[bool]{
			Default:  false,
			FlagName: "pool-test-on-checkout",
		}),
	}
}

// RegisterFlags registers all pool flags with the given FlagSet.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("dsn", c.dsn.Default(), "PostgreSQL connection string, as a postgres:// URL or key=value pairs (can also be set via PGSTMTPOOL_DSN env var)")
	fs.String("ssl-mode", c.sslMode.Default(), "SSL mode appended to the connection string (disable, require, verify-ca, verify-full)")
	fs.String("driver", c.driver.Default(), "database/sql driver (postgres, pgx)")

	fs.Int("statement-pool-size", c.statementPoolSize.Default(), "Number of prepared statements cached per connection")

	fs.Int("pool-capacity", c.capacity.Default(), "Maximum number of connections in the pool")
	fs.Int("pool-min-idle", c.minIdle.Default(), "Number of connections opened when the pool starts")
	fs.Duration("pool-idle-timeout", c.idleTimeout.Default(), "How long a connection can remain idle before being closed")
	fs.Duration("pool-max-lifetime", c.maxLifetime.Default(), "Maximum lifetime of a connection before recycling")
	fs.Bool("pool-test-on-checkout", c.testOnCheckout.Default(), "Run a liveness probe on idle connections before handing them out")

	viperutil.BindFlags(fs,
		c.dsn,
		c.sslMode,
		c.driver,
		c.statementPoolSize,
		c.capacity,
		c.minIdle,
		c.idleTimeout,
		c.maxLifetime,
		c.testOnCheckout,
	)
}

// --- Getters for individual values ---

// DSN returns the configured connection string.
func (c *Config) DSN() string {
	return c.dsn.Get()
}

// SSLMode returns the configured SSL mode, unvalidated.
func (c *Config) SSLMode() connfactory.SSLMode {
	return connfactory.SSLMode(c.sslMode.Get())
}

// Driver returns the configured driver name.
func (c *Config) Driver() string {
	return c.driver.Get()
}

// StatementPoolSize returns the configured statement cache capacity.
func (c *Config) StatementPoolSize() int {
	return c.statementPoolSize.Get()
}

// Capacity returns the configured pool capacity.
func (c *Config) Capacity() int {
	return c.capacity.Get()
}

// MinIdle returns the configured number of connections opened up front.
func (c *Config) MinIdle() int {
	return c.minIdle.Get()
}

// IdleTimeout returns the configured idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return c.idleTimeout.Get()
}

// MaxLifetime returns the configured connection lifetime.
func (c *Config) MaxLifetime() time.Duration {
	return c.maxLifetime.Get()
}

// TestOnCheckout returns whether idle connections are probed on checkout.
func (c *Config) TestOnCheckout() bool {
	return c.testOnCheckout.Get()
}

// CacheConfig returns the statement cache settings.
func (c *Config) CacheConfig() CacheConfig {
	return CacheConfig{StatementPoolSize: c.StatementPoolSize()}
}

// PoolConfig returns the connpool settings for a pool named name.
func (c *Config) PoolConfig(name string, logger *slog.Logger) connpool.Config {
	return connpool.Config{
		Name:           name,
		Capacity:       c.Capacity(),
		MinIdle:        c.MinIdle(),
		IdleTimeout:    c.IdleTimeout(),
		MaxLifetime:    c.MaxLifetime(),
		TestOnCheckout: c.TestOnCheckout(),
		Logger:         logger,
	}
}

// NewManager builds a Manager from the configured connection settings. It
// fails only on an unknown driver; connection string errors surface from
// Connect.
func (c *Config) NewManager(opts ...Option) (*Manager, error) {
	flavor, err := connfactory.ParseFlavor(c.Driver())
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithFlavor(flavor)}, opts...)
	return NewManager(c.DSN(), c.SSLMode(), opts...), nil
}

// NewStatementCachingManager builds a StatementCachingManager from the
// configured connection and cache settings.
func (c *Config) NewStatementCachingManager(opts ...Option) (*StatementCachingManager, error) {
	flavor, err := connfactory.ParseFlavor(c.Driver())
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithFlavor(flavor)}, opts...)
	return NewStatementCachingManager(c.DSN(), c.SSLMode(), c.CacheConfig(), opts...), nil
}
