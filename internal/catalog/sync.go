/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package catalog reconciles the local metadata cache against the remote
// media server.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/jellyfin"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/netmon"
	"github.com/wickerworks/wren_player/internal/telemetry"
)

// ErrOffline is returned when a sync is requested without connectivity.
var ErrOffline = errors.New("network unavailable")

// removalGracePasses is how many consecutive passes a remote item must be
// absent before its local entry is dropped. Debounces transient server
// hiccups.
const removalGracePasses = 2

// RemoteCatalog is the slice of the media server client the synchronizer
// needs.
type RemoteCatalog interface {
	ListItems(ctx context.Context, libraryID string) ([]jellyfin.RemoteItem, error)
	FetchImage(ctx context.Context, itemID, tag string) ([]byte, error)
	UserID() string
}

// NetworkState reports the committed connectivity classification.
type NetworkState interface {
	Current() netmon.State
}

// SyncResult is the delta produced by one sync pass.
type SyncResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

type inflightSync struct {
	done   chan struct{}
	result SyncResult
	err    error
}

// Synchronizer reconciles the CatalogEntry table against the remote listing.
// The server is authoritative for metadata; local-only fields (watched,
// last watched date, local file, resume position) are preserved verbatim.
type Synchronizer struct {
	db       *gorm.DB
	remote   RemoteCatalog
	network  NetworkState
	bus      *events.Bus
	logger   zerolog.Logger
	imageDir string
	interval time.Duration
	nowFunc  func() time.Time

	mu       sync.Mutex
	inflight *inflightSync
}

// New constructs the synchronizer. Artwork is prefetched into imageDir so
// the browsing grid renders without connectivity.
func New(database *gorm.DB, remote RemoteCatalog, network NetworkState, imageDir string, interval time.Duration, bus *events.Bus, logger zerolog.Logger) (*Synchronizer, error) {
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &Synchronizer{
		db:       database,
		remote:   remote,
		network:  network,
		bus:      bus,
		logger:   logger.With().Str("component", "catalog").Logger(),
		imageDir: imageDir,
		interval: interval,
		nowFunc:  time.Now,
	}, nil
}

// Sync runs one reconciliation pass over the given libraries. A sync already
// in progress is awaited rather than duplicated (single-flight); both callers
// receive the same result.
func (s *Synchronizer) Sync(ctx context.Context, libraryIDs []string) (SyncResult, error) {
	s.mu.Lock()
	if s.inflight != nil {
		waiting := s.inflight
		s.mu.Unlock()
		select {
		case <-waiting.done:
			return waiting.result, waiting.err
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()
		}
	}
	flight := &inflightSync{done: make(chan struct{})}
	s.inflight = flight
	s.mu.Unlock()

	result, err := s.syncOnce(ctx, libraryIDs)

	flight.result = result
	flight.err = err
	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	close(flight.done)

	return result, err
}

func (s *Synchronizer) syncOnce(ctx context.Context, libraryIDs []string) (SyncResult, error) {
	if s.network.Current() == netmon.StateNone {
		return SyncResult{}, ErrOffline
	}

	scope := s.remote.UserID()
	s.bus.Publish(events.EventSyncStarted, events.Payload{"libraries": len(libraryIDs)})

	remote := make(map[string]jellyfin.RemoteItem)
	libraryOf := make(map[string]string)
	for _, libraryID := range libraryIDs {
		items, err := s.remote.ListItems(ctx, libraryID)
		if err != nil {
			telemetry.SyncRunsTotal.WithLabelValues("error").Inc()
			return SyncResult{}, fmt.Errorf("list library %s: %w", libraryID, err)
		}
		for _, item := range items {
			remote[item.ID] = item
			libraryOf[item.ID] = libraryID
		}
	}

	var local []models.CatalogEntry
	if err := s.db.WithContext(ctx).Where("user_scope = ?", scope).Find(&local).Error; err != nil {
		return SyncResult{}, fmt.Errorf("load local entries: %w", err)
	}
	localByID := make(map[string]models.CatalogEntry, len(local))
	for _, entry := range local {
		localByID[entry.RemoteID] = entry
	}

	var result SyncResult
	for id, item := range remote {
		existing, ok := localByID[id]
		if !ok {
			if err := s.createEntry(ctx, scope, libraryOf[id], item); err != nil {
				return result, err
			}
			result.Added++
			continue
		}
		if err := s.reviveEntry(ctx, existing); err != nil {
			return result, err
		}
		if s.needsUpdate(existing, item) {
			if err := s.updateEntry(ctx, existing, libraryOf[id], item); err != nil {
				return result, err
			}
			result.Updated++
		}
	}

	for id, entry := range localByID {
		if _, present := remote[id]; present {
			continue
		}
		removed, err := s.ageOutEntry(ctx, entry)
		if err != nil {
			return result, err
		}
		if removed {
			result.Removed++
		}
	}

	if err := models.SetSetting(s.db, models.SettingLastSync, s.nowFunc().UTC().Format(time.RFC3339)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record last sync timestamp")
	}

	telemetry.SyncRunsTotal.WithLabelValues("ok").Inc()
	telemetry.SyncItemsTotal.WithLabelValues("added").Add(float64(result.Added))
	telemetry.SyncItemsTotal.WithLabelValues("updated").Add(float64(result.Updated))
	telemetry.SyncItemsTotal.WithLabelValues("removed").Add(float64(result.Removed))

	s.logger.Info().
		Int("added", result.Added).
		Int("updated", result.Updated).
		Int("removed", result.Removed).
		Msg("catalog sync completed")
	s.bus.Publish(events.EventSyncCompleted, events.Payload{
		"added":   result.Added,
		"updated": result.Updated,
		"removed": result.Removed,
	})
	return result, nil
}

func (s *Synchronizer) createEntry(ctx context.Context, scope, libraryID string, item jellyfin.RemoteItem) error {
	entry := models.CatalogEntry{
		RemoteID:     item.ID,
		UserScope:    scope,
		LibraryID:    libraryID,
		Title:        item.Name,
		ImageTag:     item.ImageTags["Primary"],
		ImagePath:    s.prefetchArtwork(ctx, item, models.CatalogEntry{}),
		RunTimeTicks: item.RunTimeTicks,
		AddedAt:      item.DateCreated,
		ModifiedAt:   s.modifiedAt(item),
	}
	// Server-side play state seeds a fresh entry so resume positions follow
	// the account onto the device. After creation the playback manager owns
	// these fields.
	if item.UserData != nil {
		entry.ResumePositionTicks = item.UserData.PlaybackPositionTicks
		entry.Watched = item.UserData.Played
		entry.LastWatchedAt = item.UserData.LastPlayedDate
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// needsUpdate reports whether the remote metadata is newer than the cached
// copy. The server's modification timestamp decides when it is present;
// older servers that omit it fall back to a field comparison.
func (s *Synchronizer) needsUpdate(local models.CatalogEntry, item jellyfin.RemoteItem) bool {
	if !item.DateModified.IsZero() {
		return item.DateModified.After(local.ModifiedAt)
	}
	return local.Title != item.Name ||
		local.ImageTag != item.ImageTags["Primary"] ||
		local.RunTimeTicks != item.RunTimeTicks
}

// modifiedAt returns the server's modification timestamp, or the sync time
// when the server does not report one.
func (s *Synchronizer) modifiedAt(item jellyfin.RemoteItem) time.Time {
	if !item.DateModified.IsZero() {
		return item.DateModified
	}
	return s.nowFunc().UTC()
}

// updateEntry overwrites server-sourced metadata only. Local-only fields are
// untouched by construction: the update lists exactly the columns the server
// owns.
func (s *Synchronizer) updateEntry(ctx context.Context, existing models.CatalogEntry, libraryID string, item jellyfin.RemoteItem) error {
	return s.db.WithContext(ctx).Model(&models.CatalogEntry{}).
		Where("remote_id = ? AND user_scope = ?", existing.RemoteID, existing.UserScope).
		Updates(map[string]any{
			"library_id":     libraryID,
			"title":          item.Name,
			"image_tag":      item.ImageTags["Primary"],
			"image_path":     s.prefetchArtwork(ctx, item, existing),
			"run_time_ticks": item.RunTimeTicks,
			"modified_at":    s.modifiedAt(item),
		}).Error
}

// prefetchArtwork caches the primary artwork next to the database. A cached
// file with an unchanged tag is reused; fetch failures are non-fatal and the
// next pass tries again.
func (s *Synchronizer) prefetchArtwork(ctx context.Context, item jellyfin.RemoteItem, previous models.CatalogEntry) string {
	tag := item.ImageTags["Primary"]
	if tag == "" {
		return ""
	}
	path := filepath.Join(s.imageDir, item.ID+".jpg")
	if previous.ImagePath == path && previous.ImageTag == tag {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	data, err := s.remote.FetchImage(ctx, item.ID, tag)
	if err != nil {
		s.logger.Warn().Err(err).Str("entry", item.ID).Msg("artwork prefetch failed")
		return previous.ImagePath
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn().Err(err).Str("entry", item.ID).Msg("failed to store artwork")
		return previous.ImagePath
	}
	return path
}

func (s *Synchronizer) reviveEntry(ctx context.Context, entry models.CatalogEntry) error {
	if entry.MissingPasses == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.CatalogEntry{}).
		Where("remote_id = ? AND user_scope = ?", entry.RemoteID, entry.UserScope).
		Update("missing_passes", 0).Error
}

// ageOutEntry advances the removal grace counter and drops the entry once
// the remote item stayed absent for the full grace period.
func (s *Synchronizer) ageOutEntry(ctx context.Context, entry models.CatalogEntry) (bool, error) {
	passes := entry.MissingPasses + 1
	if passes < removalGracePasses {
		err := s.db.WithContext(ctx).Model(&models.CatalogEntry{}).
			Where("remote_id = ? AND user_scope = ?", entry.RemoteID, entry.UserScope).
			Update("missing_passes", passes).Error
		return false, err
	}

	if entry.LocalPath != "" {
		s.logger.Info().Str("entry", entry.RemoteID).Msg("removing cached file for item deleted remotely")
		removeLocalFile(entry.LocalPath, s.logger)
	}
	if entry.ImagePath != "" {
		removeLocalFile(entry.ImagePath, s.logger)
	}
	err := s.db.WithContext(ctx).
		Where("remote_id = ? AND user_scope = ?", entry.RemoteID, entry.UserScope).
		Delete(&models.CatalogEntry{}).Error
	return err == nil, err
}

// Run executes the recurring sync schedule until context cancellation. A
// pass starts when the interval elapsed and the device sits on an unmetered
// connection with power (charging or healthy battery).
func (s *Synchronizer) Run(ctx context.Context, libraries func() []string, powerOK func() bool) error {
	s.logger.Info().Dur("interval", s.interval).Msg("catalog sync schedule started")
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("catalog sync schedule stopped")
			return ctx.Err()
		case <-ticker.C:
			if !s.due() {
				continue
			}
			if s.network.Current() != netmon.StateUnmetered || !powerOK() {
				continue
			}
			if _, err := s.Sync(ctx, libraries()); err != nil && !errors.Is(err, ErrOffline) {
				s.logger.Warn().Err(err).Msg("scheduled sync failed")
			}
		}
	}
}

func (s *Synchronizer) due() bool {
	stored, err := models.GetSetting(s.db, models.SettingLastSync)
	if err != nil || stored == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, stored)
	if err != nil {
		return true
	}
	return s.nowFunc().Sub(last) >= s.interval
}
