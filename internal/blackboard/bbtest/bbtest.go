/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bbtest provides an in-memory SQLite blackboard for tests.
package bbtest

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/db"
	"github.com/friendsincode/equiplet_grid/internal/events"
)

// New returns a migrated SQLite-backed store with an in-process event bus.
func New(t testing.TB) *blackboard.SQLStore {
	t.Helper()
	store, _ := NewWithBus(t)
	return store
}

// NewWithBus also returns the bus the store publishes on.
func NewWithBus(t testing.TB) (*blackboard.SQLStore, *events.Bus) {
	t.Helper()

	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.RegisterCallbacks(database); err != nil {
		t.Fatalf("register callbacks: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBus()
	store := blackboard.NewSQLStore(database, bus, zerolog.Nop())
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store, bus
}
