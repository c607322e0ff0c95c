/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the HTTP router. Parent-gated mutations sit behind the
// gate middleware; everything else is open to the local UI process.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog", s.handleListCatalog)
		r.Get("/catalog/{id}", s.handleGetEntry)
		r.Post("/sync", s.handleSync)
		r.Get("/network", s.handleNetwork)
		r.Get("/storage", s.handleStorage)
		r.Get("/screentime", s.handleScreenTime)

		r.Route("/playback", func(r chi.Router) {
			r.Get("/", s.handlePlaybackState)
			r.Post("/select", s.handlePlaybackSelect)
			r.Post("/pause", s.handlePlaybackPause)
			r.Post("/resume", s.handlePlaybackResume)
			r.Post("/skip", s.handlePlaybackSkip)
			r.Post("/stop", s.handlePlaybackStop)
			r.Post("/cancel-autoplay", s.handleCancelAutoplay)
			r.Put("/browse-order", s.handleBrowseOrder)
		})

		r.Post("/gate/verify", s.handleGateVerify)
		r.Post("/gate/pin", s.handleSetPIN)

		r.Group(func(r chi.Router) {
			r.Use(s.requireParent)
			r.Put("/settings/storage-limit", s.handleSetStorageLimit)
			r.Put("/settings/screentime", s.handleSetScreenTime)
			r.Post("/screentime/extension", s.handleExtension)
			r.Put("/catalog/{id}/priority", s.handleSetPriority)
		})
	})

	r.Get("/events", s.handleEvents)
	return r
}
