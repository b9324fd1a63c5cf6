/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/config"
	"github.com/friendsincode/equiplet_grid/internal/db"
	"github.com/friendsincode/equiplet_grid/internal/events"
	"github.com/friendsincode/equiplet_grid/internal/grid"
	"github.com/friendsincode/equiplet_grid/internal/product"
)

var submitCmd = &cobra.Command{
	Use:   "submit <product.yaml>",
	Short: "Submit a product to the grid",
	Long: `Insert a product into the blackboard as pending. A grid instance running
product intake picks it up and starts its product agent.

Example product file:

  id: chair-17
  name: chair
  bindings:
    color: oak
  steps:
    - capability: pick
      parameters: {part: leg, x: X-PLACEHOLDER}
    - capability: glue
      parameters: {finish: "{{color}}"}
`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	p, err := grid.LoadProduct(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	id, err := product.Submit(ctx, store, p)
	if err != nil {
		return fmt.Errorf("submit product: %w", err)
	}
	logger.Info().Str("product_id", id).Int("steps", len(p.Steps)).Msg("product submitted")
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// openStore connects to the configured blackboard without starting any agents.
func openStore(ctx context.Context) (blackboard.Store, func(), error) {
	if cfg.Blackboard == config.BlackboardMongo {
		store, err := blackboard.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close(context.Background()) }, nil
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to blackboard database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		_ = db.Close(database)
		return nil, nil, err
	}
	// Instances on other processes poll for pending products, so no broker is needed here.
	store := blackboard.NewSQLStore(database, events.NewBus(), logger)
	return store, func() { _ = db.Close(database) }, nil
}
