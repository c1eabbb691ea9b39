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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/storage/postgres"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
			if err := m.MigrateUp(ctx); err != nil {
				return err
			}
			current, err := m.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", current)
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
			if err := m.MigrateDown(ctx, migrateSteps); err != nil {
				return err
			}
			current, err := m.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", current)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
			current, err := m.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			pending, err := m.PendingMigrations(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("current version: %d\n", current)
			if len(pending) == 0 {
				fmt.Println("no pending migrations")
				return nil
			}
			for _, migration := range pending {
				fmt.Printf("pending: %06d %s\n", migration.Version, migration.Description)
			}
			return nil
		})
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

// withMigrator connects a pool, builds a migrator, and guarantees the
// pool is returned.
func withMigrator(ctx context.Context, fn func(context.Context, *postgres.Migrator) error) error {
	tracer := observability.NewNoOpTracer()
	pool, err := postgres.NewPool(ctx, cfg.Database, tracer)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrator, err := postgres.NewMigrator(pool, tracer)
	if err != nil {
		return err
	}
	return fn(ctx, migrator)
}
