/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/munin_collect/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.CollectionSlot{},
		&models.ExecutionRecord{},
		&models.Notification{},
	); err != nil {
		return err
	}

	if err := applyRunningExclusionGuard(database); err != nil {
		return err
	}

	return nil
}

// applyRunningExclusionGuard installs a partial unique index so the database
// itself rejects a second Running record for the same (slot_id, date_bucket).
// The store's serialized insert enforces the invariant on every backend; on
// postgres and sqlite this index makes it hold even against out-of-band writes.
func applyRunningExclusionGuard(database *gorm.DB) error {
	dialect := database.Dialector.Name()
	if dialect != "postgres" && dialect != "sqlite" {
		return nil
	}

	stmt := `
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_single_running
ON execution_records (slot_id, date_bucket)
WHERE status = 'running'
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply running exclusion guard: %w", err)
	}

	return nil
}
