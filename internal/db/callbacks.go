/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

const startTimeKey = "telemetry:start_time"

// RegisterCallbacks times the statements gorm issues for the blackboard and counts their errors.
func RegisterCallbacks(db *gorm.DB) error {
	cb := db.Callback()
	err := errors.Join(
		cb.Create().Before("gorm:create").Register("telemetry:before_create", startTimer),
		cb.Create().After("gorm:create").Register("telemetry:after_create", observe("create")),
		cb.Query().Before("gorm:query").Register("telemetry:before_query", startTimer),
		cb.Query().After("gorm:query").Register("telemetry:after_query", observe("query")),
		cb.Update().Before("gorm:update").Register("telemetry:before_update", startTimer),
		cb.Update().After("gorm:update").Register("telemetry:after_update", observe("update")),
		cb.Delete().Before("gorm:delete").Register("telemetry:before_delete", startTimer),
		cb.Delete().After("gorm:delete").Register("telemetry:after_delete", observe("delete")),
		cb.Raw().Before("gorm:raw").Register("telemetry:before_raw", startTimer),
		cb.Raw().After("gorm:raw").Register("telemetry:after_raw", observe("raw")),
	)
	if err != nil {
		return fmt.Errorf("register telemetry callbacks: %w", err)
	}
	return nil
}

func startTimer(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

func observe(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(startTimeKey)
		if !ok {
			return
		}
		start, ok := v.(time.Time)
		if !ok {
			return
		}

		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		telemetry.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())

		switch err := db.Error; {
		case err == nil, errors.Is(err, gorm.ErrRecordNotFound):
		case errors.Is(err, gorm.ErrDuplicatedKey):
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation, "duplicate").Inc()
		default:
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation, "query_error").Inc()
		}
	}
}

// UpdateConnectionMetrics updates connection pool metrics.
// Called from the grid service housekeeping loop.
func UpdateConnectionMetrics(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}

	stats := sqlDB.Stats()
	telemetry.DatabaseConnectionsActive.Set(float64(stats.OpenConnections))
}
