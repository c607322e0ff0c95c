/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package engine is the composition root: it wires the database, the media
// server client, and the governors into one runnable process.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/api"
	"github.com/wickerworks/wren_player/internal/catalog"
	"github.com/wickerworks/wren_player/internal/config"
	"github.com/wickerworks/wren_player/internal/db"
	"github.com/wickerworks/wren_player/internal/download"
	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/jellyfin"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/netmon"
	"github.com/wickerworks/wren_player/internal/parentalgate"
	"github.com/wickerworks/wren_player/internal/playback"
	"github.com/wickerworks/wren_player/internal/power"
	"github.com/wickerworks/wren_player/internal/screentime"
	"github.com/wickerworks/wren_player/internal/storage"
	"github.com/wickerworks/wren_player/internal/telemetry"
)

// Engine owns every long-running component. Without a configured server it
// boots in offline-only mode: the cached catalog plays, sync and downloads
// stay off.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger

	database *gorm.DB
	bus      *events.Bus
	client   *jellyfin.Client

	monitor      *netmon.Monitor
	storage      *storage.Governor
	screenTime   *screentime.Governor
	gate         *parentalgate.Gate
	synchronizer *catalog.Synchronizer
	orchestrator *download.Orchestrator
	playback     *playback.Manager

	httpServer    *http.Server
	metricsServer *http.Server
}

// offlineRemote backs playback when no media server is configured.
type offlineRemote struct{}

func (offlineRemote) StreamURL(string) string { return "" }

func (offlineRemote) ReportProgress(context.Context, string, int64) error { return nil }

func (offlineRemote) MarkPlayed(context.Context, string) error { return nil }

// New wires the engine. player is the media surface supplied by the
// presentation layer; pass playback.NewNullPlayer() for headless use.
func New(cfg *config.Config, player playback.Player, logger zerolog.Logger) (*Engine, error) {
	database, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	bus := events.NewBus()

	signingKey := []byte(cfg.GateSigningKey)
	if len(signingKey) == 0 {
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		signingKey = key
	}
	gate := parentalgate.New(database, signingKey, logger)

	storageGov, err := storage.New(database, cfg.StorageLimitBytes(), cfg.StorageFloorBytes(), bus, logger)
	if err != nil {
		return nil, err
	}
	screenGov, err := screentime.New(database, bus, logger)
	if err != nil {
		return nil, err
	}

	monitor := netmon.New(&netmon.ProbeClassifier{
		ServerURL:  cfg.ServerURL,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}, bus, logger)

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With().Str("component", "engine").Logger(),
		database:   database,
		bus:        bus,
		monitor:    monitor,
		storage:    storageGov,
		screenTime: screenGov,
		gate:       gate,
	}

	var playbackRemote playback.Remote = offlineRemote{}
	if cfg.ServerURL != "" {
		pinned, err := models.GetSetting(database, models.SettingPinnedFingerprint)
		if err != nil {
			return nil, fmt.Errorf("load pinned fingerprint: %w", err)
		}
		client := jellyfin.NewClient(cfg.ServerURL, cfg.RequestTimeout, pinned, logger)
		client.SetCredentials(cfg.ServerUsername, cfg.ServerPassword)
		e.client = client
		playbackRemote = client

		e.synchronizer, err = catalog.New(database, client, monitor,
			filepath.Join(cfg.DataDir, "images"), cfg.SyncInterval, bus, logger)
		if err != nil {
			return nil, err
		}
		powerPolicy := power.NewPolicy(power.NewSysfsSource(logger), cfg.BatteryMinPercent)
		e.orchestrator, err = download.New(database, client, monitor, storageGov, powerPolicy, e.userScope,
			cfg.DataDir, windowDuration(cfg.DownloadWindowMinMinutes), windowDuration(cfg.DownloadWindowMaxMinutes),
			cfg.DownloadMaxRetries, bus, logger)
		if err != nil {
			return nil, err
		}
	}

	e.playback = playback.NewManager(database, player, playbackRemote, monitor, screenGov, e.userScope, bus, logger)

	apiServer := api.NewServer(database, gate, screenGov, storageGov, e.playback,
		e.syncerOrOffline(), e.libraries, e.userScope, monitor, bus, logger)
	e.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	e.metricsServer = &http.Server{
		Addr:              cfg.MetricsBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return e, nil
}

func windowDuration(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

func randomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return []byte(hex.EncodeToString(key)), nil
}

// offlineSyncer rejects manual sync in offline-only mode.
type offlineSyncer struct{}

func (offlineSyncer) Sync(context.Context, []string) (catalog.SyncResult, error) {
	return catalog.SyncResult{}, catalog.ErrOffline
}

func (e *Engine) syncerOrOffline() api.Syncer {
	if e.synchronizer != nil {
		return e.synchronizer
	}
	return offlineSyncer{}
}

// userScope isolates the cache per server account. Persisted so offline
// boots keep serving the last authenticated account's cache.
func (e *Engine) userScope() string {
	if e.client != nil {
		if id := e.client.UserID(); id != "" {
			return id
		}
	}
	stored, err := models.GetSetting(e.database, models.SettingUserScope)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read stored user scope")
	}
	return stored
}

// libraries returns the enabled library ids.
func (e *Engine) libraries() []string {
	stored, err := models.GetSetting(e.database, models.SettingLibraries)
	if err != nil || stored == "" {
		return nil
	}
	return strings.Split(stored, ",")
}

// Run starts all component loops and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error().Err(err).Str("loop", name).Msg("component loop exited")
				cancel()
			}
		}()
	}

	start("netmon", e.monitor.Run)
	start("playback", e.playback.Run)
	if e.client != nil {
		start("bootstrap", e.bootstrap)
		start("catalog", func(ctx context.Context) error {
			return e.synchronizer.Run(ctx, e.libraries, e.powerOK)
		})
		start("download", e.orchestrator.Run)
	}

	serveErr := make(chan error, 2)
	go func() { serveErr <- e.httpServer.ListenAndServe() }()
	go func() { serveErr <- e.metricsServer.ListenAndServe() }()
	e.logger.Info().Str("addr", e.httpServer.Addr).Msg("control api listening")

	select {
	case <-runCtx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error().Err(err).Msg("http server failed")
			cancel()
			wg.Wait()
			e.shutdownServers()
			return err
		}
	}

	e.shutdownServers()
	wg.Wait()
	return nil
}

func (e *Engine) powerOK() bool {
	policy := power.NewPolicy(power.NewSysfsSource(e.logger), e.cfg.BatteryMinPercent)
	return policy.OK()
}

// bootstrap authenticates against the media server with backoff, persists
// the account scope, and seeds the enabled libraries on first run.
func (e *Engine) bootstrap(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(expo, ctx)
	err := backoff.Retry(func() error {
		if err := e.client.Authenticate(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("authentication failed, retrying")
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return err
	}

	if err := models.SetSetting(e.database, models.SettingUserScope, e.client.UserID()); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist user scope")
	}
	e.logger.Info().Str("user", e.client.UserID()).Msg("authenticated against media server")

	if len(e.libraries()) == 0 {
		libs, err := e.client.ListLibraries(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to list libraries")
			return nil
		}
		ids := make([]string, 0, len(libs))
		for _, lib := range libs {
			ids = append(ids, lib.ID)
		}
		if err := models.SetSetting(e.database, models.SettingLibraries, strings.Join(ids, ",")); err != nil {
			e.logger.Warn().Err(err).Msg("failed to persist libraries")
		}
	}
	return nil
}

func (e *Engine) shutdownServers() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn().Err(err).Msg("api server shutdown failed")
	}
	if err := e.metricsServer.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn().Err(err).Msg("metrics server shutdown failed")
	}
}

// Gate exposes the parental gate for CLI subcommands.
func (e *Engine) Gate() *parentalgate.Gate { return e.gate }

// DB exposes the database handle for CLI subcommands.
func (e *Engine) DB() *gorm.DB { return e.database }

// Close releases held resources.
func (e *Engine) Close() error {
	return db.Close(e.database)
}
