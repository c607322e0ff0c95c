/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api is the local control surface the presentation layer talks to.
// It is bound to loopback; the only write protection is the parental gate.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/catalog"
	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/netmon"
	"github.com/wickerworks/wren_player/internal/parentalgate"
	"github.com/wickerworks/wren_player/internal/playback"
	"github.com/wickerworks/wren_player/internal/screentime"
	"github.com/wickerworks/wren_player/internal/storage"
)

// parentTokenHeader carries the short-lived session token minted by the
// parental gate.
const parentTokenHeader = "X-Parent-Token"

// Syncer triggers catalog reconciliation.
type Syncer interface {
	Sync(ctx context.Context, libraryIDs []string) (catalog.SyncResult, error)
}

// NetworkState reports the committed connectivity classification.
type NetworkState interface {
	Current() netmon.State
}

// Server wires the engine components to HTTP handlers.
type Server struct {
	db         *gorm.DB
	gate       *parentalgate.Gate
	screenTime *screentime.Governor
	storage    *storage.Governor
	playback   *playback.Manager
	syncer     Syncer
	libraries  func() []string
	userScope  func() string
	network    NetworkState
	bus        *events.Bus
	logger     zerolog.Logger
}

// NewServer creates the API server.
func NewServer(
	database *gorm.DB,
	gate *parentalgate.Gate,
	screenTime *screentime.Governor,
	storageGov *storage.Governor,
	playbackMgr *playback.Manager,
	syncer Syncer,
	libraries func() []string,
	userScope func() string,
	network NetworkState,
	bus *events.Bus,
	logger zerolog.Logger,
) *Server {
	return &Server{
		db:         database,
		gate:       gate,
		screenTime: screenTime,
		storage:    storageGov,
		playback:   playbackMgr,
		syncer:     syncer,
		libraries:  libraries,
		userScope:  userScope,
		network:    network,
		bus:        bus,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// requireParent guards mutations behind a valid parental gate token.
func (s *Server) requireParent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.gate.Require(r.Header.Get(parentTokenHeader)); err != nil {
			s.respondError(w, http.StatusForbidden, "parental gate required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
