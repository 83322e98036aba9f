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
	"fmt"

	"github.com/spf13/cobra"
)

// ProbeResult is printed by the probe command.
type ProbeResult struct {
	Driver            string `json:"driver"`
	StatementPoolSize int    `json:"statement_pool_size"`
	Valid             bool   `json:"valid"`
	Broken            bool   `json:"broken"`
}

// AddProbeCommand adds the probe subcommand
func AddProbeCommand(pc *PgstmtpoolCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect once and run the liveness probe",
		Long: `Open a single session, run the pool's liveness probe on it and report
whether the session is broken.

A connection string that cannot be parsed fails here with the same error
every pooled connect would return.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, pc)
		},
	}
	cmd.Flags().Duration("timeout", defaultTimeout, "Time allowed to connect and probe")
	return cmd
}

func runProbe(cmd *cobra.Command, pc *PgstmtpoolCommand) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	m, err := pc.newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	conn, err := m.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	result := ProbeResult{
		Driver:            m.Params().Flavor.String(),
		StatementPoolSize: conn.CacheStats().Capacity,
	}
	if err := m.IsValid(ctx, conn); err != nil {
		pc.logger.GetLogger().WarnContext(ctx, "liveness probe failed", "error", err)
	} else {
		result.Valid = true
	}
	result.Broken = m.HasBroken(conn)

	if err := printJSON(cmd, result); err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("liveness probe failed")
	}
	return nil
}
