/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playback runs the playback state machine and keeps it honest
// across network loss and the daily screen-time budget.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/netmon"
	"github.com/wickerworks/wren_player/internal/telemetry"
)

const (
	// tickInterval paces screen-time accrual and position persistence.
	tickInterval = 5 * time.Second
	// limitCheckInterval paces mid-playback budget checks.
	limitCheckInterval = 30 * time.Second
	// watchedThreshold is the progress fraction that counts as watched.
	watchedThreshold = 0.90
	// resumeThreshold is the progress fraction past which resume restarts
	// from the beginning instead.
	resumeThreshold = 0.95
	// autoplayDelay is the countdown before the next item starts.
	autoplayDelay = 4 * time.Second
)

var (
	// ErrNotAvailableOffline is returned when the item has no local copy
	// and no connectivity exists to stream it.
	ErrNotAvailableOffline = errors.New("not available offline")
	// ErrLimitReached is returned when the screen-time budget is spent.
	ErrLimitReached = errors.New("screen time limit reached")
)

// Remote is the slice of the media server client the manager needs. All
// calls toward it are fire-and-forget: playback never waits on the server.
type Remote interface {
	StreamURL(itemID string) string
	ReportProgress(ctx context.Context, itemID string, positionTicks int64) error
	MarkPlayed(ctx context.Context, itemID string) error
}

// ScreenTime gates playback against the daily budget.
type ScreenTime interface {
	IsLimitReached() bool
	Tick(secondsWatched int) error
}

// NetworkState reports the committed connectivity classification.
type NetworkState interface {
	Current() netmon.State
}

// Snapshot is the externally visible playback state.
type Snapshot struct {
	State    State         `json:"state"`
	Reason   EndReason     `json:"reason,omitempty"`
	EntryID  string        `json:"entry_id,omitempty"`
	Title    string        `json:"title,omitempty"`
	Source   Source        `json:"source,omitempty"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`
}

// Manager owns the playback state machine. One item plays at a time; the
// manager picks the source, applies resume positions, accrues screen time,
// and switches sources under the player when the network drops.
type Manager struct {
	db         *gorm.DB
	player     Player
	remote     Remote
	network    NetworkState
	screenTime ScreenTime
	scope      func() string
	bus        *events.Bus
	logger     zerolog.Logger
	nowFunc    func() time.Time

	// countdown is overridable so tests do not wait out the real delay.
	countdown time.Duration

	mu              sync.Mutex
	state           State
	reason          EndReason
	entry           *models.CatalogEntry
	source          Source
	watchedMarked   bool
	browseOrder     []string
	autoplayCancel  context.CancelFunc
	sinceLimitCheck time.Duration
}

// NewManager creates a manager in the idle state. scope returns the active
// account scope; entries are only ever looked up inside it.
func NewManager(database *gorm.DB, player Player, remote Remote, network NetworkState, screenTime ScreenTime, scope func() string, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		db:         database,
		player:     player,
		remote:     remote,
		network:    network,
		screenTime: screenTime,
		scope:      scope,
		bus:        bus,
		logger:     logger.With().Str("component", "playback").Logger(),
		nowFunc:    time.Now,
		countdown:  autoplayDelay,
		state:      StateIdle,
	}
}

// SetBrowseOrder records the ordered item list the child is browsing.
// Autoplay advances along it.
func (m *Manager) SetBrowseOrder(entryIDs []string) {
	m.mu.Lock()
	m.browseOrder = append([]string(nil), entryIDs...)
	m.mu.Unlock()
}

// Select starts playback of an entry. The source is chosen automatically:
// a verified local copy wins, streaming needs connectivity, and with
// neither the item is not available offline.
func (m *Manager) Select(ctx context.Context, entryID string) error {
	m.CancelAutoplay()

	if m.screenTime.IsLimitReached() {
		m.setEnded(ReasonLimitReached)
		return ErrLimitReached
	}

	var entry models.CatalogEntry
	if err := m.db.WithContext(ctx).First(&entry, "remote_id = ? AND user_scope = ?", entryID, m.scope()).Error; err != nil {
		return fmt.Errorf("load entry %s: %w", entryID, err)
	}

	source, location, err := m.chooseSource(&entry)
	if err != nil {
		m.setEnded(ReasonNotAvailableOffline)
		return err
	}

	m.mu.Lock()
	m.entry = &entry
	m.source = source
	m.watchedMarked = entry.Watched
	m.sinceLimitCheck = 0
	m.setStateLocked(StateLoading, ReasonNone)
	m.mu.Unlock()

	if err := m.player.Load(location); err != nil {
		m.setEnded(ReasonStreamFailed)
		return fmt.Errorf("load %s: %w", entryID, err)
	}
	m.applyResume(&entry)

	if err := m.player.Play(); err != nil {
		m.setEnded(ReasonStreamFailed)
		return fmt.Errorf("play %s: %w", entryID, err)
	}

	m.mu.Lock()
	m.setStateLocked(StatePlaying, ReasonNone)
	m.mu.Unlock()
	m.logger.Info().Str("entry", entryID).Str("source", string(source)).Msg("playback started")
	return nil
}

func (m *Manager) chooseSource(entry *models.CatalogEntry) (Source, string, error) {
	if entry.Downloaded() {
		return SourceLocal, entry.LocalPath, nil
	}
	if m.network.Current() != netmon.StateNone {
		return SourceStream, m.remote.StreamURL(entry.RemoteID), nil
	}
	return SourceNone, "", ErrNotAvailableOffline
}

// applyResume seeks to the stored position, once per load. Items nearly
// finished restart from the beginning.
func (m *Manager) applyResume(entry *models.CatalogEntry) {
	if entry.ResumePositionTicks <= 0 || entry.RunTimeTicks <= 0 {
		return
	}
	fraction := float64(entry.ResumePositionTicks) / float64(entry.RunTimeTicks)
	if fraction >= resumeThreshold {
		return
	}
	position := models.TicksToDuration(entry.ResumePositionTicks)
	if err := m.player.Seek(position); err != nil {
		m.logger.Warn().Err(err).Msg("resume seek failed")
		return
	}
	m.logger.Debug().Dur("position", position).Msg("resumed from stored position")
}

// Pause pauses playback and persists the position.
func (m *Manager) Pause() error {
	m.mu.Lock()
	if m.state != StatePlaying && m.state != StateBuffering {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if err := m.player.Pause(); err != nil {
		return err
	}
	m.persistPosition()
	m.mu.Lock()
	m.setStateLocked(StatePaused, ReasonNone)
	m.mu.Unlock()
	return nil
}

// Resume continues paused playback, re-checking the budget first.
func (m *Manager) Resume() error {
	m.mu.Lock()
	if m.state != StatePaused {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if m.screenTime.IsLimitReached() {
		m.endPlayback(ReasonLimitReached)
		return ErrLimitReached
	}
	if err := m.player.Play(); err != nil {
		return err
	}
	m.mu.Lock()
	m.setStateLocked(StatePlaying, ReasonNone)
	m.mu.Unlock()
	return nil
}

// Stop ends playback and returns to idle.
func (m *Manager) Stop() error {
	m.CancelAutoplay()
	m.mu.Lock()
	active := m.state == StatePlaying || m.state == StatePaused || m.state == StateBuffering
	m.mu.Unlock()
	if active {
		m.persistPosition()
		if err := m.player.Stop(); err != nil {
			m.logger.Warn().Err(err).Msg("player stop failed")
		}
	}
	m.mu.Lock()
	m.entry = nil
	m.source = SourceNone
	m.setStateLocked(StateIdle, ReasonStopped)
	m.mu.Unlock()
	return nil
}

// Skip advances to the next item in browse order, applying the same source
// selection as a direct pick. Past the end of the order playback stops.
func (m *Manager) Skip(ctx context.Context) error {
	m.CancelAutoplay()

	m.mu.Lock()
	entry := m.entry
	active := m.state == StatePlaying || m.state == StatePaused || m.state == StateBuffering
	m.mu.Unlock()
	if entry == nil {
		return nil
	}
	if active {
		m.persistPosition()
	}

	next := m.nextInBrowseOrder(entry.RemoteID)
	if next == "" {
		m.logger.Debug().Str("entry", entry.RemoteID).Msg("skip past end of browse order")
		return m.Stop()
	}
	m.logger.Info().Str("from", entry.RemoteID).Str("to", next).Msg("skipping to next item")
	return m.Select(ctx, next)
}

// ReportBuffering toggles between playing and buffering. Screen time does
// not accrue while buffering.
func (m *Manager) ReportBuffering(buffering bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buffering && m.state == StatePlaying {
		m.setStateLocked(StateBuffering, ReasonNone)
	}
	if !buffering && m.state == StateBuffering {
		m.setStateLocked(StatePlaying, ReasonNone)
	}
}

// CancelAutoplay aborts a pending autoplay countdown.
func (m *Manager) CancelAutoplay() {
	m.mu.Lock()
	cancel := m.autoplayCancel
	m.autoplayCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the current playback state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{State: m.state, Reason: m.reason}
	if m.entry != nil {
		snap.EntryID = m.entry.RemoteID
		snap.Title = m.entry.Title
		snap.Source = m.source
		snap.Position = m.player.Position()
		snap.Duration = m.entry.Duration()
	}
	return snap
}

// Run drives periodic ticks and reacts to network transitions until the
// context ends.
func (m *Manager) Run(ctx context.Context) error {
	netEvents := m.bus.Subscribe(events.EventNetworkChanged)
	defer m.bus.Unsubscribe(netEvents)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-netEvents:
			m.handleNetworkChange()
		case <-ticker.C:
			m.tick(tickInterval)
		}
	}
}

// tick runs one accrual pass: screen time, position persistence, the
// watched threshold, the budget check, and end-of-item detection.
func (m *Manager) tick(elapsed time.Duration) {
	m.mu.Lock()
	if m.state != StatePlaying || m.entry == nil {
		m.mu.Unlock()
		return
	}
	entry := m.entry
	m.sinceLimitCheck += elapsed
	checkLimit := m.sinceLimitCheck >= limitCheckInterval
	if checkLimit {
		m.sinceLimitCheck = 0
	}
	m.mu.Unlock()

	if err := m.screenTime.Tick(int(elapsed.Seconds())); err != nil {
		m.logger.Warn().Err(err).Msg("screen time accrual failed")
	}

	position := m.player.Position()
	duration := entry.Duration()
	m.persistPosition()

	if duration > 0 && !m.markedWatched() && position >= time.Duration(float64(duration)*watchedThreshold) {
		m.markWatched(entry)
	}

	if checkLimit && m.screenTime.IsLimitReached() {
		m.logger.Info().Msg("screen time limit reached during playback")
		m.endPlayback(ReasonLimitReached)
		return
	}

	if duration > 0 && position >= duration {
		m.onCompleted(entry)
	}
}

func (m *Manager) markedWatched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchedMarked
}

// markWatched flags the entry locally and tells the server in the
// background. Server failures are invisible here; the next sync carries
// the state anyway.
func (m *Manager) markWatched(entry *models.CatalogEntry) {
	m.mu.Lock()
	m.watchedMarked = true
	m.mu.Unlock()

	now := m.nowFunc()
	if err := m.db.Model(&models.CatalogEntry{}).
		Where("remote_id = ? AND user_scope = ?", entry.RemoteID, entry.UserScope).
		Updates(map[string]any{"watched": true, "last_watched_at": now}).Error; err != nil {
		m.logger.Warn().Err(err).Msg("failed to mark entry watched")
		return
	}
	m.logger.Info().Str("entry", entry.RemoteID).Msg("marked watched")

	if m.network.Current() != netmon.StateNone {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.remote.MarkPlayed(ctx, entry.RemoteID); err != nil {
				m.logger.Debug().Err(err).Msg("remote played report failed")
			}
		}()
	}
}

// persistPosition stores the resume position and forwards it to the server
// in the background.
func (m *Manager) persistPosition() {
	m.mu.Lock()
	entry := m.entry
	m.mu.Unlock()
	if entry == nil {
		return
	}

	ticks := models.DurationToTicks(m.player.Position())
	if err := m.db.Model(&models.CatalogEntry{}).
		Where("remote_id = ? AND user_scope = ?", entry.RemoteID, entry.UserScope).
		Update("resume_position_ticks", ticks).Error; err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist resume position")
	}

	if m.network.Current() != netmon.StateNone {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.remote.ReportProgress(ctx, entry.RemoteID, ticks); err != nil {
				m.logger.Debug().Err(err).Msg("remote progress report failed")
			}
		}()
	}
}

// onCompleted ends the item, clears its resume position, and arms the
// autoplay countdown toward the next item in browse order.
func (m *Manager) onCompleted(entry *models.CatalogEntry) {
	if err := m.db.Model(&models.CatalogEntry{}).
		Where("remote_id = ? AND user_scope = ?", entry.RemoteID, entry.UserScope).
		Update("resume_position_ticks", 0).Error; err != nil {
		m.logger.Warn().Err(err).Msg("failed to clear resume position")
	}
	if err := m.player.Stop(); err != nil {
		m.logger.Warn().Err(err).Msg("player stop failed")
	}
	m.setEnded(ReasonCompleted)

	next := m.nextInBrowseOrder(entry.RemoteID)
	if next == "" || m.screenTime.IsLimitReached() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.autoplayCancel = cancel
	m.mu.Unlock()

	m.bus.Publish(events.EventPlaybackState, events.Payload{
		"state":   "autoplay_countdown",
		"next":    next,
		"seconds": int(m.countdown.Seconds()),
	})
	go func() {
		timer := time.NewTimer(m.countdown)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := m.Select(context.Background(), next); err != nil {
				m.logger.Warn().Err(err).Str("entry", next).Msg("autoplay failed")
			}
		}
	}()
}

func (m *Manager) nextInBrowseOrder(current string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.browseOrder {
		if id == current && i+1 < len(m.browseOrder) {
			return m.browseOrder[i+1]
		}
	}
	return ""
}

// handleNetworkChange switches a streaming session to the local copy when
// connectivity drops, preserving the position. Without a local copy the
// session ends.
func (m *Manager) handleNetworkChange() {
	m.mu.Lock()
	active := m.state == StatePlaying || m.state == StateBuffering || m.state == StatePaused
	streaming := m.source == SourceStream
	entry := m.entry
	wasPlaying := m.state == StatePlaying || m.state == StateBuffering
	m.mu.Unlock()

	if !active || !streaming || entry == nil {
		return
	}
	if m.network.Current() != netmon.StateNone {
		return
	}

	position := m.player.Position()

	// Reload: a download may have completed since playback started.
	var fresh models.CatalogEntry
	if err := m.db.First(&fresh, "remote_id = ? AND user_scope = ?", entry.RemoteID, entry.UserScope).Error; err == nil && fresh.Downloaded() {
		m.logger.Info().Str("entry", entry.RemoteID).Msg("network lost, switching to local copy")
		if err := m.player.Load(fresh.LocalPath); err != nil {
			m.logger.Warn().Err(err).Msg("local switch failed")
			m.endPlayback(ReasonStreamFailed)
			return
		}
		if err := m.player.Seek(position); err != nil {
			m.logger.Warn().Err(err).Msg("seek after switch failed")
		}
		if wasPlaying {
			if err := m.player.Play(); err != nil {
				m.endPlayback(ReasonStreamFailed)
				return
			}
		}
		m.mu.Lock()
		m.entry = &fresh
		m.source = SourceLocal
		if wasPlaying {
			m.setStateLocked(StatePlaying, ReasonNone)
		}
		m.mu.Unlock()
		return
	}

	m.logger.Info().Str("entry", entry.RemoteID).Msg("network lost, no local copy")
	m.endPlayback(ReasonNotAvailableOffline)
}

// endPlayback stops the player and transitions to ended with a reason.
func (m *Manager) endPlayback(reason EndReason) {
	m.persistPosition()
	if err := m.player.Stop(); err != nil {
		m.logger.Warn().Err(err).Msg("player stop failed")
	}
	m.setEnded(reason)
}

func (m *Manager) setEnded(reason EndReason) {
	m.mu.Lock()
	m.setStateLocked(StateEnded, reason)
	m.mu.Unlock()
}

// setStateLocked transitions the state machine and publishes the change.
// Callers hold m.mu.
func (m *Manager) setStateLocked(state State, reason EndReason) {
	if m.state == state && m.reason == reason {
		return
	}
	m.state = state
	m.reason = reason
	telemetry.PlaybackTransitionsTotal.WithLabelValues(string(state)).Inc()

	payload := events.Payload{"state": string(state)}
	if reason != ReasonNone {
		payload["reason"] = string(reason)
	}
	if m.entry != nil {
		payload["entry_id"] = m.entry.RemoteID
	}
	m.bus.Publish(events.EventPlaybackState, payload)
}
