/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage enforces the local cache ceiling and runs eviction.
package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/telemetry"
)

// EvictionResult reports what one EvictToFree pass reclaimed.
type EvictionResult struct {
	Evicted    []models.CatalogEntry
	FreedBytes int64
	// Blocked is set when no further watched candidates exist and the
	// requested headroom is still unavailable. Unwatched content is never
	// evicted; the download orchestrator pauses admission instead.
	Blocked bool
}

// Governor tracks consumed cache bytes against the configured ceiling.
// Only the download orchestrator initiates eviction, which keeps free-space
// accounting a producer/consumer handoff rather than a shared lock.
type Governor struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger

	mu    sync.Mutex
	limit int64
	floor int64
}

// New creates a governor. A persisted runtime limit override takes
// precedence over the configured default.
func New(database *gorm.DB, limit, floor int64, bus *events.Bus, logger zerolog.Logger) (*Governor, error) {
	g := &Governor{
		db:     database,
		bus:    bus,
		logger: logger.With().Str("component", "storage").Logger(),
		limit:  limit,
		floor:  floor,
	}
	stored, err := models.GetSetting(database, models.SettingStorageLimit)
	if err != nil {
		return nil, fmt.Errorf("load storage limit: %w", err)
	}
	if stored != "" {
		if parsed, err := strconv.ParseInt(stored, 10, 64); err == nil && parsed > floor {
			g.limit = parsed
		}
	}
	return g, nil
}

// Limit returns the current ceiling in bytes.
func (g *Governor) Limit() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// SetLimit updates and persists the ceiling. Parent-gated at the API layer.
func (g *Governor) SetLimit(limit int64) error {
	g.mu.Lock()
	if limit <= g.floor {
		g.mu.Unlock()
		return fmt.Errorf("limit %d must exceed the floor buffer %d", limit, g.floor)
	}
	g.limit = limit
	g.mu.Unlock()
	return models.SetSetting(g.db, models.SettingStorageLimit, strconv.FormatInt(limit, 10))
}

// ConsumedBytes sums the sizes of all locally cached files.
func (g *Governor) ConsumedBytes() (int64, error) {
	var consumed int64
	err := g.db.Model(&models.CatalogEntry{}).
		Where("local_path <> ''").
		Select("COALESCE(SUM(local_size), 0)").
		Scan(&consumed).Error
	return consumed, err
}

// HasHeadroom reports whether n more bytes fit under the ceiling while
// keeping the floor buffer reserved.
func (g *Governor) HasHeadroom(n int64) (bool, error) {
	consumed, err := g.ConsumedBytes()
	if err != nil {
		return false, err
	}
	return consumed+n <= g.effectiveCeiling(), nil
}

func (g *Governor) effectiveCeiling() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit - g.floor
}

// EvictToFree removes watched local copies, oldest watch date first, until n
// bytes fit under the ceiling. Unwatched entries are never candidates. When
// candidates run out first, the result is partial and Blocked is set.
// Post-condition: HasHeadroom(n) holds, or Blocked was raised.
func (g *Governor) EvictToFree(ctx context.Context, n int64) (EvictionResult, error) {
	var result EvictionResult

	for {
		ok, err := g.HasHeadroom(n)
		if err != nil {
			return result, err
		}
		if ok {
			return result, nil
		}

		var candidate models.CatalogEntry
		err = g.db.WithContext(ctx).
			Where("watched = ? AND local_path <> ''", true).
			Order("last_watched_at ASC").
			First(&candidate).Error
		if err == gorm.ErrRecordNotFound {
			result.Blocked = true
			telemetry.StorageBlockedTotal.Inc()
			g.logger.Warn().Int64("requested", n).Msg("eviction blocked: no watched candidates left")
			return result, nil
		}
		if err != nil {
			return result, err
		}

		if err := g.evictEntry(ctx, &candidate); err != nil {
			return result, err
		}
		result.Evicted = append(result.Evicted, candidate)
		result.FreedBytes += candidate.LocalSize
	}
}

// evictEntry deletes the cached file and clears the file fields. Metadata is
// retained until the next sync removes the entry.
func (g *Governor) evictEntry(ctx context.Context, entry *models.CatalogEntry) error {
	if entry.LocalPath != "" {
		if err := os.Remove(entry.LocalPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", entry.LocalPath, err)
		}
	}

	freed := entry.LocalSize
	err := g.db.WithContext(ctx).Model(&models.CatalogEntry{}).
		Where("remote_id = ? AND user_scope = ?", entry.RemoteID, entry.UserScope).
		Updates(map[string]any{
			"local_path": "",
			"progress":   0.0,
			"local_size": 0,
			"checksum":   "",
		}).Error
	if err != nil {
		return err
	}

	telemetry.EvictedBytesTotal.Add(float64(freed))
	g.logger.Info().Str("entry", entry.RemoteID).Int64("freed", freed).Msg("evicted watched entry")
	g.bus.Publish(events.EventStorageEvicted, events.Payload{
		"entry_id": entry.RemoteID,
		"freed":    freed,
	})
	return nil
}
