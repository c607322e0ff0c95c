/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		&models.CatalogEntry{},
		&models.DownloadTask{},
		&models.ScreenTimeState{},
		&models.Setting{},
	)
}
