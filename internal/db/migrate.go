/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/friendsincode/equiplet_grid/internal/models"
)

// Migrate applies the blackboard schema using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(&models.BlackboardDocument{}); err != nil {
		return fmt.Errorf("auto-migrate blackboard: %w", err)
	}

	// Directory and step lookups filter by collection first.
	if !database.Migrator().HasIndex(&models.BlackboardDocument{}, "idx_blackboard_collection_seq") {
		if err := database.Exec("CREATE INDEX idx_blackboard_collection_seq ON blackboard_documents (collection, seq)").Error; err != nil {
			return fmt.Errorf("create blackboard index: %w", err)
		}
	}
	return nil
}
