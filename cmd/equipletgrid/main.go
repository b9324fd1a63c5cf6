/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/equiplet_grid/internal/config"
	"github.com/friendsincode/equiplet_grid/internal/grid"
	"github.com/friendsincode/equiplet_grid/internal/logbuffer"
	"github.com/friendsincode/equiplet_grid/internal/logging"
	"github.com/friendsincode/equiplet_grid/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
	logBuf = logbuffer.New(5000)
)

var rootCmd = &cobra.Command{
	Use:     "equipletgrid",
	Short:   "Equiplet Grid - agent based production scheduling",
	Long:    "Equiplet Grid negotiates product steps with reconfigurable equiplets, reserves their time slots and drives the steps to completion.",
	Version: version.Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a grid instance",
	Long:  "Host the equiplets of the grid file assigned to this instance, run product intake and serve the status API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf))
	for _, warning := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warning)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	def, err := grid.LoadDefinition(cfg.GridFile)
	if err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Str("grid_file", cfg.GridFile).Msg("Equiplet Grid starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := grid.NewService(ctx, cfg, def, logBuf, logger)
	if err != nil {
		return fmt.Errorf("initialize grid: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	if err := svc.Run(ctx); err != nil {
		return err
	}

	logger.Info().Msg("Equiplet Grid stopped")
	return nil
}
