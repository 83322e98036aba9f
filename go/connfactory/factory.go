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

// Package connfactory turns connection parameters into live sessions.
//
// Parameters are parsed once, when the Factory is built. A parse failure does
// not fail construction: it is kept and returned by every Connect, so a pool
// built on a bad DSN fails deterministically at its first checkout.
package connfactory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/multigres/pgstmtpool/go/dbconn"
)

// Option configures a Factory.
type Option func(*Factory)

// WithFlavor selects the database/sql driver. The default is lib/pq.
func WithFlavor(flavor dbconn.Flavor) Option {
	return func(f *Factory) { f.flavor = flavor }
}

// WithLogger sets the logger handed to every connection.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// WithConnector dials through c instead of the selected driver. The DSN is
// still validated.
func WithConnector(c driver.Connector) Option {
	return func(f *Factory) { f.connector = c }
}

// Factory opens one database session per Connect call.
type Factory struct {
	flavor    dbconn.Flavor
	logger    *slog.Logger
	connector driver.Connector

	params ConnectParams
	err    error

	// db hands out sessions and never keeps idle ones, so closing a
	// session's *sql.Conn closes the session.
	db *sql.DB
}

// New builds a Factory. It never fails; see Err.
func New(dsn string, sslMode SSLMode, opts ...Option) *Factory {
	f := &Factory{
		flavor: dbconn.FlavorPQ,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.params, f.err = ParseParams(dsn, sslMode, f.flavor)
	if f.err != nil {
		f.logger.Warn("invalid connection parameters, every connect will fail", "error", f.err)
		return f
	}

	connector := f.connector
	if connector == nil {
		connector, f.err = f.driverConnector()
		if f.err != nil {
			return f
		}
	}
	f.db = sql.OpenDB(connector)
	f.db.SetMaxIdleConns(0)
	return f
}

func (f *Factory) driverConnector() (driver.Connector, error) {
	switch f.flavor {
	case dbconn.FlavorPGX:
		cfg, err := pgx.ParseConfig(f.params.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse connection string: %w", err)
		}
		return stdlib.GetConnector(*cfg), nil
	default:
		c, err := pq.NewConnector(f.params.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse connection string: %w", err)
		}
		return c, nil
	}
}

// Err returns the error from parsing the connection parameters, if any.
func (f *Factory) Err() error {
	return f.err
}

// Params returns the parsed connection parameters.
func (f *Factory) Params() ConnectParams {
	return f.params
}

// Flavor returns the driver flavor of the sessions this factory opens.
func (f *Factory) Flavor() dbconn.Flavor {
	return f.flavor
}

// Connect opens a new session. A parse error from New is returned as is.
func (f *Factory) Connect(ctx context.Context) (*dbconn.DBConn, error) {
	if f.err != nil {
		return nil, f.err
	}
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return dbconn.NewDBConn(conn, f.flavor, f.logger), nil
}

// Close releases the factory. Sessions already handed out keep working until
// they are closed.
func (f *Factory) Close() error {
	if f.db == nil {
		return nil
	}
	return f.db.Close()
}
