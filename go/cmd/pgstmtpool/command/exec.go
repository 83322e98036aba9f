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

package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/multigres/pgstmtpool/go/cachingconn"
	"github.com/multigres/pgstmtpool/go/pgmanager"
	"github.com/multigres/pgstmtpool/go/pools/connpool"
	"github.com/multigres/pgstmtpool/go/pools/stmtcache"
)

const meterName = "github.com/multigres/pgstmtpool/go/cmd/pgstmtpool"

// ExecResult is printed by the exec command.
type ExecResult struct {
	Runs          int                `json:"runs"`
	Rows          int64              `json:"rows"`
	InTransaction bool               `json:"in_transaction"`
	Cache         stmtcache.Stats    `json:"cache"`
	Pool          connpool.PoolStats `json:"pool"`
}

// AddExecCommand adds the exec subcommand
func AddExecCommand(pc *PgstmtpoolCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec QUERY",
		Short: "Run a query repeatedly through a pooled, statement-caching connection",
		Long: `Check a connection out of the pool and run QUERY --repeat times through
the connection's prepared statement cache, then report the rows returned and
the cache counters.

With --in-transaction the runs happen inside one transaction that is rolled
back at the end. Statements already cached are reused inside the transaction,
but statements first prepared there are not added to the cache.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, pc, args[0])
		},
	}
	cmd.Flags().Int("repeat", 3, "Number of times to run the query")
	cmd.Flags().Bool("in-transaction", false, "Run inside a transaction that is rolled back")
	cmd.Flags().Duration("timeout", defaultTimeout, "Time allowed for the whole run")
	return cmd
}

func runExec(cmd *cobra.Command, pc *PgstmtpoolCommand, query string) error {
	repeat, _ := cmd.Flags().GetInt("repeat")
	inTx, _ := cmd.Flags().GetBool("in-transaction")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if repeat <= 0 {
		return fmt.Errorf("--repeat must be positive, got %d", repeat)
	}

	logger := pc.logger.GetLogger()
	opts := []pgmanager.Option{pgmanager.WithLogger(logger)}
	if metrics, err := stmtcache.NewMetrics(otel.Meter(meterName)); err != nil {
		logger.Warn("failed to create statement cache metrics", "error", err)
	} else {
		opts = append(opts, pgmanager.WithCacheMetrics(metrics, "exec"))
	}
	opts = append(opts, pc.managerOpts...)

	m, err := pc.config.NewStatementCachingManager(opts...)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	pool := connpool.NewPool(m, pc.config.PoolConfig("exec", logger))
	defer pool.Close()
	if err := pool.Open(ctx); err != nil {
		return err
	}

	pooled, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	defer pooled.Recycle()
	conn := pooled.Conn()

	result := ExecResult{Runs: repeat, InTransaction: inTx}
	if inTx {
		tx, err := conn.Transaction(ctx)
		if err != nil {
			return err
		}
		result.Rows, err = runRepeated(ctx, tx, query, repeat)
		err = errors.Join(err, tx.Rollback(ctx))
		if err != nil {
			return err
		}
	} else if result.Rows, err = runRepeated(ctx, conn, query, repeat); err != nil {
		return err
	}

	result.Cache = conn.CacheStats()
	result.Pool = pool.Stats()
	return printJSON(cmd, result)
}

// runRepeated runs query n times on c and returns the total number of rows.
func runRepeated(ctx context.Context, c cachingconn.GenericConnection, query string, n int) (int64, error) {
	var total int64
	for range n {
		rows, err := queryCount(ctx, c, query)
		if err != nil {
			return total, err
		}
		total += rows
	}
	return total, nil
}

func queryCount(ctx context.Context, c cachingconn.GenericConnection, query string) (int64, error) {
	stmt, err := c.Prepare(ctx, query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	rows, err := stmt.Query(ctx)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}
