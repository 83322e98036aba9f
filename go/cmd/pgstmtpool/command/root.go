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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/multigres/pgstmtpool/go/mterrors"
	"github.com/multigres/pgstmtpool/go/pgmanager"
	"github.com/multigres/pgstmtpool/go/servenv"
	"github.com/multigres/pgstmtpool/go/viperutil"
)

const defaultTimeout = 10 * time.Second

// PgstmtpoolCommand holds the configuration shared by pgstmtpool commands.
type PgstmtpoolCommand struct {
	reg    *viperutil.Registry
	vc     *viperutil.ViperConfig
	logger *servenv.Logger
	config *pgmanager.Config

	// managerOpts are appended to every manager the commands build.
	managerOpts []pgmanager.Option
}

// GetRootCommand creates and returns the root command with all subcommands.
func GetRootCommand() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand(managerOpts ...pgmanager.Option) (*cobra.Command, *PgstmtpoolCommand) {
	reg := viperutil.NewRegistry()
	pc := &PgstmtpoolCommand{
		reg:         reg,
		vc:          viperutil.NewViperConfig(reg),
		logger:      servenv.NewLogger(reg),
		config:      pgmanager.NewConfig(reg),
		managerOpts: managerOpts,
	}

	root := &cobra.Command{
		Use:   "pgstmtpool",
		Short: "Pooled PostgreSQL sessions with a per-connection prepared statement cache",
		Long: `pgstmtpool opens PostgreSQL sessions through a connection pool whose
connections each keep an LRU cache of prepared statements.

Get started with:
  pgstmtpool probe --dsn postgres://user@localhost/db
  pgstmtpool exec --dsn postgres://user@localhost/db "SELECT 1"

Configuration:
  Values are read from flags, then PGSTMTPOOL_* environment variables, then a
  config file named 'pgstmtpool' found on --config-path.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Silence usage for application errors, but allow it for flag errors
			cmd.SilenceUsage = true

			if err := pc.vc.LoadConfig(pc.reg); err != nil {
				return err
			}
			pc.logger.SetupLogging()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return pc.logger.Close()
		},
	}

	pc.vc.RegisterFlags(root.PersistentFlags())
	pc.logger.RegisterFlags(root.PersistentFlags())
	pc.config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(AddProbeCommand(pc))
	root.AddCommand(AddExecCommand(pc))

	return root, pc
}

func (pc *PgstmtpoolCommand) newManager() (*pgmanager.StatementCachingManager, error) {
	opts := append([]pgmanager.Option{pgmanager.WithLogger(pc.logger.GetLogger())}, pc.managerOpts...)
	return pc.config.NewStatementCachingManager(opts...)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response to JSON: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// ErrorAttrs returns slog attributes naming the code, kind and documented
// meaning of a coded error. It returns nil for other errors.
func ErrorAttrs(err error) []any {
	var mterr *mterrors.MultigresError
	if !errors.As(err, &mterr) {
		return nil
	}
	attrs := []any{"code", mterr.ID, "kind", mterrors.KindOf(err).String()}
	if desc, derr := mterrors.Describe(mterr.ID); derr == nil {
		attrs = append(attrs, "description", desc)
	}
	return attrs
}
