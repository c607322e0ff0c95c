/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package screentime enforces the persisted daily watch budget.
package screentime

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/telemetry"
)

// Governor is the single owner of the persisted screen-time state. All reads
// and writes are serialized through it, so playback ticks and day-rollover
// checks never interleave inconsistently.
type Governor struct {
	db      *gorm.DB
	bus     *events.Bus
	logger  zerolog.Logger
	nowFunc func() time.Time

	mu    sync.Mutex
	state models.ScreenTimeState
}

// New loads (or creates) the singleton state row.
func New(database *gorm.DB, bus *events.Bus, logger zerolog.Logger) (*Governor, error) {
	state, err := models.GetScreenTimeState(database)
	if err != nil {
		return nil, fmt.Errorf("load screen time state: %w", err)
	}
	return &Governor{
		db:      database,
		bus:     bus,
		logger:  logger.With().Str("component", "screentime").Logger(),
		nowFunc: time.Now,
		state:   *state,
	}, nil
}

// Tick accrues watched seconds into today's budget and flushes the state.
// Seconds accrued before midnight do not roll into the new day: the rollover
// check runs first.
func (g *Governor) Tick(secondsWatched int) error {
	if secondsWatched <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.resetIfNewDayLocked(); err != nil {
		return err
	}
	g.state.UsedSeconds += secondsWatched
	telemetry.ScreenTimeUsedSeconds.Set(float64(g.state.UsedSeconds))
	return g.persistLocked()
}

// RemainingMinutes returns whole minutes left in today's budget, or -1
// while no limit is enabled.
func (g *Governor) RemainingMinutes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.resetIfNewDayLocked(); err != nil {
		g.logger.Error().Err(err).Msg("day rollover check failed")
	}
	return g.state.RemainingMinutes()
}

// IsLimitReached reports whether the enabled budget (plus extensions) is
// spent. Always false while the limit is disabled.
func (g *Governor) IsLimitReached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.resetIfNewDayLocked(); err != nil {
		g.logger.Error().Err(err).Msg("day rollover check failed")
	}
	return g.state.LimitReached()
}

// GrantExtension adds parent-granted minutes for today only; extensions are
// cleared at the next day rollover. Parent-gated at the API layer.
func (g *Governor) GrantExtension(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("extension must be positive, got %d", minutes)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.resetIfNewDayLocked(); err != nil {
		return err
	}
	g.state.ExtensionMinutes += minutes
	g.logger.Info().Int("minutes", minutes).Msg("screen time extension granted")
	if err := g.persistLocked(); err != nil {
		return err
	}
	g.publishLocked()
	return nil
}

// SetDailyLimit updates the configured budget. Parent-gated at the API layer.
func (g *Governor) SetDailyLimit(minutes int, enabled bool) error {
	if minutes < 0 {
		return fmt.Errorf("daily limit must not be negative, got %d", minutes)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.DailyLimitMinutes = minutes
	g.state.Enabled = enabled
	if err := g.persistLocked(); err != nil {
		return err
	}
	g.publishLocked()
	return nil
}

// ResetIfNewDay applies the day rollover if the date changed. Idempotent;
// also invoked implicitly by every query so sessions spanning midnight are
// handled without an app restart.
func (g *Governor) ResetIfNewDay() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resetIfNewDayLocked()
}

// Snapshot returns a copy of the current state for the presentation layer.
func (g *Governor) Snapshot() models.ScreenTimeState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.resetIfNewDayLocked(); err != nil {
		g.logger.Error().Err(err).Msg("day rollover check failed")
	}
	return g.state
}

func (g *Governor) resetIfNewDayLocked() error {
	now := g.nowFunc()
	y1, m1, d1 := g.state.LastReset.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return nil
	}
	g.logger.Info().Int("used_seconds", g.state.UsedSeconds).Msg("daily screen time reset")
	g.state.UsedSeconds = 0
	g.state.ExtensionMinutes = 0
	g.state.LastReset = now
	telemetry.ScreenTimeUsedSeconds.Set(0)
	if err := g.persistLocked(); err != nil {
		return err
	}
	g.publishLocked()
	return nil
}

func (g *Governor) persistLocked() error {
	return g.db.Save(&g.state).Error
}

func (g *Governor) publishLocked() {
	g.bus.Publish(events.EventScreenTimeUpdate, events.Payload{
		"used_seconds":      g.state.UsedSeconds,
		"remaining_minutes": g.state.RemainingMinutes(),
		"limit_reached":     g.state.LimitReached(),
		"enabled":           g.state.Enabled,
	})
}
