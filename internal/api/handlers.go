/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wickerworks/wren_player/internal/catalog"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/parentalgate"
	"github.com/wickerworks/wren_player/internal/playback"
)

// entryView is the catalog shape the presentation layer renders.
type entryView struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	ImageTag        string  `json:"image_tag,omitempty"`
	ImagePath       string  `json:"image_path,omitempty"`
	DurationSeconds int     `json:"duration_seconds"`
	Downloaded      bool    `json:"downloaded"`
	Watched         bool    `json:"watched"`
	Progress        float64 `json:"progress"`
	ResumeSeconds   int     `json:"resume_seconds"`
	PriorityRank    int     `json:"priority_rank"`
}

func viewOf(entry models.CatalogEntry) entryView {
	return entryView{
		ID:              entry.RemoteID,
		Title:           entry.Title,
		ImageTag:        entry.ImageTag,
		ImagePath:       entry.ImagePath,
		DurationSeconds: int(entry.Duration().Seconds()),
		Downloaded:      entry.Downloaded(),
		Watched:         entry.Watched,
		Progress:        entry.Progress,
		ResumeSeconds:   int(models.TicksToDuration(entry.ResumePositionTicks).Seconds()),
		PriorityRank:    entry.PriorityRank,
	}
}

func (s *Server) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	var entries []models.CatalogEntry
	if err := s.db.WithContext(r.Context()).
		Where("user_scope = ?", s.userScope()).
		Order("title ASC").
		Find(&entries).Error; err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load catalog")
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, viewOf(entry))
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	var entry models.CatalogEntry
	err := s.db.WithContext(r.Context()).
		First(&entry, "remote_id = ? AND user_scope = ?", chi.URLParam(r, "id"), s.userScope()).Error
	if err != nil {
		s.respondError(w, http.StatusNotFound, "unknown entry")
		return
	}
	s.respondJSON(w, http.StatusOK, viewOf(entry))
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rank int `json:"rank"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result := s.db.WithContext(r.Context()).Model(&models.CatalogEntry{}).
		Where("remote_id = ? AND user_scope = ?", chi.URLParam(r, "id"), s.userScope()).
		Update("priority_rank", req.Rank)
	if result.Error != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to update priority")
		return
	}
	if result.RowsAffected == 0 {
		s.respondError(w, http.StatusNotFound, "unknown entry")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"rank": req.Rank})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncer.Sync(r.Context(), s.libraries())
	if errors.Is(err, catalog.ErrOffline) {
		s.respondError(w, http.StatusConflict, "no network connection")
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("manual sync failed")
		s.respondError(w, http.StatusBadGateway, "sync failed")
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"state": s.network.Current().String()})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	consumed, err := s.storage.ConsumedBytes()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read storage usage")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int64{
		"consumed_bytes": consumed,
		"limit_bytes":    s.storage.Limit(),
	})
}

func (s *Server) handleSetStorageLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LimitMB int64 `json:"limit_mb"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.storage.SetLimit(req.LimitMB * 1024 * 1024); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int64{"limit_bytes": s.storage.Limit()})
}

func (s *Server) handleScreenTime(w http.ResponseWriter, r *http.Request) {
	state := s.screenTime.Snapshot()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"enabled":             state.Enabled,
		"daily_limit_minutes": state.DailyLimitMinutes,
		"extension_minutes":   state.ExtensionMinutes,
		"used_seconds":        state.UsedSeconds,
		"remaining_minutes":   state.RemainingMinutes(),
		"limit_reached":       state.LimitReached(),
	})
}

func (s *Server) handleSetScreenTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DailyLimitMinutes int  `json:"daily_limit_minutes"`
		Enabled           bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.screenTime.SetDailyLimit(req.DailyLimitMinutes, req.Enabled); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.handleScreenTime(w, r)
}

func (s *Server) handleExtension(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.screenTime.GrantExtension(req.Minutes); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.handleScreenTime(w, r)
}

func (s *Server) handleGateVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN string `json:"pin"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.gate.VerifyPIN(req.PIN)
	switch {
	case errors.Is(err, parentalgate.ErrLocked):
		s.respondError(w, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, parentalgate.ErrWrongPIN):
		s.respondError(w, http.StatusForbidden, "wrong pin")
	case errors.Is(err, parentalgate.ErrNoPIN):
		s.respondError(w, http.StatusConflict, "no pin configured")
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, "pin verification failed")
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

// handleSetPIN sets the parental PIN. Changing an existing PIN requires a
// valid gate token; initial setup is open.
func (s *Server) handleSetPIN(w http.ResponseWriter, r *http.Request) {
	existing, err := models.GetSetting(s.db, models.SettingPINHash)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read pin state")
		return
	}
	if existing != "" {
		if err := s.gate.Require(r.Header.Get(parentTokenHeader)); err != nil {
			s.respondError(w, http.StatusForbidden, "parental gate required")
			return
		}
	}
	var req struct {
		PIN string `json:"pin"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.gate.SetPIN(req.PIN); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handlePlaybackState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.playback.Snapshot())
}

func (s *Server) handlePlaybackSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntryID string `json:"entry_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	err := s.playback.Select(r.Context(), req.EntryID)
	switch {
	case errors.Is(err, playback.ErrLimitReached):
		s.respondError(w, http.StatusForbidden, "screen time limit reached")
	case errors.Is(err, playback.ErrNotAvailableOffline):
		s.respondError(w, http.StatusConflict, "not available offline")
	case err != nil:
		s.respondError(w, http.StatusNotFound, "cannot play entry")
	default:
		s.respondJSON(w, http.StatusOK, s.playback.Snapshot())
	}
}

func (s *Server) handlePlaybackPause(w http.ResponseWriter, r *http.Request) {
	if err := s.playback.Pause(); err != nil {
		s.respondError(w, http.StatusInternalServerError, "pause failed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.playback.Snapshot())
}

func (s *Server) handlePlaybackResume(w http.ResponseWriter, r *http.Request) {
	err := s.playback.Resume()
	if errors.Is(err, playback.ErrLimitReached) {
		s.respondError(w, http.StatusForbidden, "screen time limit reached")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.playback.Snapshot())
}

func (s *Server) handlePlaybackSkip(w http.ResponseWriter, r *http.Request) {
	err := s.playback.Skip(r.Context())
	switch {
	case errors.Is(err, playback.ErrLimitReached):
		s.respondError(w, http.StatusForbidden, "screen time limit reached")
	case errors.Is(err, playback.ErrNotAvailableOffline):
		s.respondError(w, http.StatusConflict, "not available offline")
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, "skip failed")
	default:
		s.respondJSON(w, http.StatusOK, s.playback.Snapshot())
	}
}

func (s *Server) handlePlaybackStop(w http.ResponseWriter, r *http.Request) {
	if err := s.playback.Stop(); err != nil {
		s.respondError(w, http.StatusInternalServerError, "stop failed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.playback.Snapshot())
}

func (s *Server) handleCancelAutoplay(w http.ResponseWriter, r *http.Request) {
	s.playback.CancelAutoplay()
	s.respondJSON(w, http.StatusOK, s.playback.Snapshot())
}

func (s *Server) handleBrowseOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntryIDs []string `json:"entry_ids"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.playback.SetBrowseOrder(req.EntryIDs)
	s.respondJSON(w, http.StatusNoContent, nil)
}
