/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetSetting returns the value for key, or "" when unset.
func GetSetting(db *gorm.DB, key string) (string, error) {
	var row Setting
	err := db.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// SetSetting upserts the value for key.
func SetSetting(db *gorm.DB, key, value string) error {
	row := Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

// GetScreenTimeState retrieves the singleton screen-time row, creating it
// with screen time disabled if it doesn't exist yet.
func GetScreenTimeState(db *gorm.DB) (*ScreenTimeState, error) {
	var state ScreenTimeState
	err := db.First(&state, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = ScreenTimeState{
			ID:                1,
			DailyLimitMinutes: 60,
			Enabled:           false,
			LastReset:         time.Now(),
		}
		if err := db.Create(&state).Error; err != nil {
			return nil, err
		}
		return &state, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}
