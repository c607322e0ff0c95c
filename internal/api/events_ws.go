/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wireEvent is the frame pushed to websocket subscribers.
type wireEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// handleEvents streams every engine event to the presentation layer over a
// websocket. The UI drives all its reactive state (download badges, network
// banner, screen-time countdown) from this feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Loopback-only API; the UI process is not a browser origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.bus.SubscribeAll()
	defer s.bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, wireEvent{
				Type:    string(ev.Type),
				Payload: ev.Payload,
			})
			cancel()
			if err != nil {
				return
			}
		}
	}
}
