// Copyright 2026 Memoryfab
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/storage"
	"github.com/memoryfab/htm/pkg/storage/postgres"
)

type statusReport struct {
	SchemaVersion int            `json:"schema_version"`
	Store         *storage.Stats `json:"store"`
	Pool          poolStats      `json:"pool"`
	PendingOps    int            `json:"pending_migrations"`
}

type poolStats struct {
	TotalConns int32 `json:"total_conns"`
	IdleConns  int32 `json:"idle_conns"`
	MaxConns   int32 `json:"max_conns"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report store, schema, and pool status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tracer := observability.NewNoOpTracer()

		pool, err := postgres.NewPool(ctx, cfg.Database, tracer)
		if err != nil {
			return err
		}
		defer pool.Close()
		store := postgres.NewStore(pool, cfg, tracer)

		migrator, err := postgres.NewMigrator(pool, tracer)
		if err != nil {
			return err
		}
		version, err := migrator.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		pending, err := migrator.PendingMigrations(ctx)
		if err != nil {
			return err
		}

		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}

		stat := pool.Stat()
		report := statusReport{
			SchemaVersion: version,
			Store:         stats,
			Pool: poolStats{
				TotalConns: stat.TotalConns(),
				IdleConns:  stat.IdleConns(),
				MaxConns:   stat.MaxConns(),
			},
			PendingOps: len(pending),
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
