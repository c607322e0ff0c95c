/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wren_sync_runs_total",
		Help: "Catalog sync passes by result.",
	}, []string{"result"})

	SyncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wren_sync_items_total",
		Help: "Catalog delta items by operation.",
	}, []string{"op"})

	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wren_download_bytes_total",
		Help: "Bytes written to the local cache by the download orchestrator.",
	})

	DownloadRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wren_download_retries_total",
		Help: "Download task retry attempts.",
	})

	DownloadFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wren_download_failures_total",
		Help: "Download task failures by kind.",
	}, []string{"kind"})

	EvictedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wren_evicted_bytes_total",
		Help: "Bytes reclaimed by storage eviction.",
	})

	StorageBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wren_storage_blocked_total",
		Help: "Times eviction could not free enough space.",
	})

	PlaybackTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wren_playback_transitions_total",
		Help: "Playback state machine transitions.",
	}, []string{"state"})

	ScreenTimeUsedSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wren_screen_time_used_seconds",
		Help: "Seconds of today's screen-time budget consumed.",
	})

	NetworkState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wren_network_state",
		Help: "Current network classification (0=none, 1=metered, 2=unmetered).",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
