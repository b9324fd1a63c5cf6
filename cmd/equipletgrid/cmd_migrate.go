/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/equiplet_grid/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the blackboard schema",
	Long:  "Create or update the SQL blackboard tables and indexes. Not needed for the mongo blackboard.",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if !cfg.Blackboard.IsSQL() {
		return fmt.Errorf("blackboard %s has no SQL schema", cfg.Blackboard)
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect to blackboard database: %w", err)
	}
	defer func() { _ = db.Close(database) }()

	if err := db.Migrate(database); err != nil {
		return err
	}
	logger.Info().Str("backend", string(cfg.Blackboard)).Msg("blackboard schema applied")
	return nil
}
