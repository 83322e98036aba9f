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

package connfactory

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/multigres/pgstmtpool/go/dbconn"
)

// SSLMode is the TLS policy requested from the driver.
type SSLMode string

const (
	// SSLDefault leaves the choice to the DSN or the driver default.
	SSLDefault    SSLMode = ""
	SSLDisable    SSLMode = "disable"
	SSLRequire    SSLMode = "require"
	SSLVerifyCA   SSLMode = "verify-ca"
	SSLVerifyFull SSLMode = "verify-full"
)

// ParseSSLMode validates s as an SSLMode.
func ParseSSLMode(s string) (SSLMode, error) {
	switch m := SSLMode(strings.ToLower(strings.TrimSpace(s))); m {
	case SSLDefault, SSLDisable, SSLRequire, SSLVerifyCA, SSLVerifyFull:
		return m, nil
	default:
		return "", fmt.Errorf("invalid ssl mode %q: expected one of disable, require, verify-ca, verify-full", s)
	}
}

// ParseFlavor maps a database/sql driver name to its flavor.
func ParseFlavor(name string) (dbconn.Flavor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "postgres", "pq":
		return dbconn.FlavorPQ, nil
	case "pgx":
		return dbconn.FlavorPGX, nil
	default:
		return 0, fmt.Errorf("unknown driver %q: expected postgres or pgx", name)
	}
}

// ConnectParams are validated connection parameters.
type ConnectParams struct {
	// DSN is the connection string in key=value form, including sslmode
	// when one was requested.
	DSN     string
	SSLMode SSLMode
	Flavor  dbconn.Flavor
}

// ParseParams normalizes dsn, which may be a postgres:// URL or a key=value
// string, and checks that the driver selected by flavor accepts it.
func ParseParams(dsn string, sslMode SSLMode, flavor dbconn.Flavor) (ConnectParams, error) {
	mode, err := ParseSSLMode(string(sslMode))
	if err != nil {
		return ConnectParams{}, err
	}

	kv := strings.TrimSpace(dsn)
	if strings.HasPrefix(kv, "postgres://") || strings.HasPrefix(kv, "postgresql://") {
		if kv, err = pq.ParseURL(kv); err != nil {
			return ConnectParams{}, fmt.Errorf("parse connection url: %w", err)
		}
	}
	if mode != SSLDefault {
		// Later keys win in both drivers.
		kv = strings.TrimSpace(kv + " sslmode=" + string(mode))
	}

	switch flavor {
	case dbconn.FlavorPQ:
		if _, err := pq.NewConnector(kv); err != nil {
			return ConnectParams{}, fmt.Errorf("parse connection string: %w", err)
		}
	case dbconn.FlavorPGX:
		if _, err := pgx.ParseConfig(kv); err != nil {
			return ConnectParams{}, fmt.Errorf("parse connection string: %w", err)
		}
	default:
		return ConnectParams{}, fmt.Errorf("unknown driver flavor %v", flavor)
	}

	return ConnectParams{DSN: kv, SSLMode: mode, Flavor: flavor}, nil
}
