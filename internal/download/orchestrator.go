/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package download keeps a rolling window of unwatched content cached
// locally, one transfer at a time.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/netmon"
	"github.com/wickerworks/wren_player/internal/storage"
	"github.com/wickerworks/wren_player/internal/telemetry"
)

// pollInterval is how often the queue is re-examined between events.
const pollInterval = 30 * time.Second

// Remote is the slice of the media server client the orchestrator needs.
type Remote interface {
	Download(ctx context.Context, itemID string, offset int64) (io.ReadCloser, int64, bool, error)
}

// NetworkState reports the committed connectivity classification.
type NetworkState interface {
	Current() netmon.State
}

// PowerPolicy admits background work based on charging state.
type PowerPolicy interface {
	OK() bool
}

// Orchestrator fills the unwatched-content window. Admission requires an
// unmetered connection, acceptable power, and storage headroom; at most one
// transfer runs at a time so a tablet-class radio is never saturated.
type Orchestrator struct {
	db       *gorm.DB
	remote   Remote
	network  NetworkState
	governor *storage.Governor
	power    PowerPolicy
	scope    func() string
	bus      *events.Bus
	logger   zerolog.Logger

	cacheDir   string
	windowMin  time.Duration
	windowMax  time.Duration
	maxRetries int
	poll       time.Duration
	nowFunc    func() time.Time

	mu           sync.Mutex
	cancelActive context.CancelFunc
	stepActive   bool
	filling      bool
	blockedSent  bool
}

// New creates an orchestrator writing into dataDir/cache. scope returns the
// active account scope; the queue only ever touches that account's rows.
func New(database *gorm.DB, remote Remote, network NetworkState, governor *storage.Governor, power PowerPolicy, scope func() string, dataDir string, windowMin, windowMax time.Duration, maxRetries int, bus *events.Bus, logger zerolog.Logger) (*Orchestrator, error) {
	cacheDir := filepath.Join(dataDir, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Orchestrator{
		db:         database,
		remote:     remote,
		network:    network,
		governor:   governor,
		power:      power,
		scope:      scope,
		bus:        bus,
		logger:     logger.With().Str("component", "download").Logger(),
		cacheDir:   cacheDir,
		windowMin:  windowMin,
		windowMax:  windowMax,
		maxRetries: maxRetries,
		poll:       pollInterval,
		nowFunc:    time.Now,
	}, nil
}

// Run drives the queue until context cancellation. A network downgrade
// cancels the active transfer immediately rather than waiting for the
// socket to starve.
func (o *Orchestrator) Run(ctx context.Context) error {
	netEvents := o.bus.Subscribe(events.EventNetworkChanged)
	defer o.bus.Unsubscribe(netEvents)

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	o.logger.Info().
		Dur("window_min", o.windowMin).
		Dur("window_max", o.windowMax).
		Msg("download orchestrator started")

	for {
		select {
		case <-ctx.Done():
			o.cancelTransfer()
			return ctx.Err()
		case <-netEvents:
			if o.network.Current() != netmon.StateUnmetered {
				o.cancelTransfer()
			}
		case <-ticker.C:
			// The pass runs off the loop so a network downgrade can still
			// cancel a transfer in flight. At most one pass at a time.
			o.mu.Lock()
			busy := o.stepActive
			o.stepActive = true
			o.mu.Unlock()
			if busy {
				continue
			}
			go func() {
				defer func() {
					o.mu.Lock()
					o.stepActive = false
					o.mu.Unlock()
				}()
				if err := o.step(ctx); err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Warn().Err(err).Msg("download pass failed")
				}
			}()
		}
	}
}

// step runs one admission pass: check the gates, pick a task, transfer it.
func (o *Orchestrator) step(ctx context.Context) error {
	if o.network.Current() != netmon.StateUnmetered {
		return nil
	}
	if !o.power.OK() {
		return nil
	}

	window, err := o.unwatchedWindow(ctx)
	if err != nil {
		return err
	}
	if !o.admitWindow(window) {
		return nil
	}

	task, err := o.nextTask(ctx)
	if err != nil {
		return err
	}
	if task == nil {
		task, err = o.enqueueNext(ctx)
		if err != nil || task == nil {
			return err
		}
	}

	var entry models.CatalogEntry
	if err := o.db.WithContext(ctx).
		First(&entry, "remote_id = ? AND user_scope = ?", task.EntryID, task.UserScope).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// Entry removed by sync while queued; drop the orphan.
			return o.db.Model(&models.DownloadTask{}).
				Where("id = ?", task.ID).
				Updates(map[string]any{"status": models.TaskFailed, "terminal": true, "last_error": "entry removed"}).Error
		}
		return err
	}

	if ok, err := o.ensureHeadroom(ctx, task, &entry); err != nil || !ok {
		return err
	}

	return o.runTask(ctx, task, &entry)
}

// admitWindow applies hysteresis: filling starts below the minimum window
// and continues until the maximum is reached.
func (o *Orchestrator) admitWindow(window time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.filling {
		if window >= o.windowMax {
			o.filling = false
			return false
		}
		return true
	}
	if window < o.windowMin {
		o.filling = true
		return true
	}
	return false
}

// ensureHeadroom evicts watched content until the task fits. When eviction
// blocks, the presentation layer is notified once per blocked stretch.
func (o *Orchestrator) ensureHeadroom(ctx context.Context, task *models.DownloadTask, entry *models.CatalogEntry) (bool, error) {
	need := o.neededBytes(task, entry)
	result, err := o.governor.EvictToFree(ctx, need)
	if err != nil {
		return false, err
	}
	if result.Blocked {
		o.mu.Lock()
		alreadySent := o.blockedSent
		o.blockedSent = true
		o.mu.Unlock()
		if !alreadySent {
			o.logger.Warn().Int64("needed", need).Msg("downloads blocked: storage full of unwatched content")
			o.bus.Publish(events.EventDownloadBlocked, events.Payload{"needed": need})
		}
		return false, nil
	}
	o.mu.Lock()
	o.blockedSent = false
	o.mu.Unlock()
	return true, nil
}

func (o *Orchestrator) runTask(ctx context.Context, task *models.DownloadTask, entry *models.CatalogEntry) error {
	transferCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelActive = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelActive = nil
		o.mu.Unlock()
		cancel()
	}()

	err := o.transfer(transferCtx, task, entry)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		// Paused, not failed: the partial file and byte count survive for
		// the next admission pass.
		o.logger.Info().Str("entry", entry.RemoteID).Msg("transfer paused")
		return o.db.Model(&models.DownloadTask{}).
			Where("id = ?", task.ID).
			Update("status", models.TaskQueued).Error
	}
	return o.failTask(ctx, task, entry, err)
}

// failTask schedules a retry with exponential backoff, or marks the task
// terminal once retries are exhausted.
func (o *Orchestrator) failTask(ctx context.Context, task *models.DownloadTask, entry *models.CatalogEntry, cause error) error {
	retries := task.Retries + 1
	updates := map[string]any{
		"status":     models.TaskFailed,
		"retries":    retries,
		"last_error": cause.Error(),
	}

	if retries >= o.maxRetries {
		updates["terminal"] = true
		telemetry.DownloadFailuresTotal.WithLabelValues("exhausted").Inc()
		o.logger.Error().Err(cause).Str("entry", entry.RemoteID).Int("retries", retries).Msg("download abandoned")
		o.bus.Publish(events.EventDownloadFailed, events.Payload{
			"entry_id": entry.RemoteID,
			"error":    cause.Error(),
			"terminal": true,
		})
	} else {
		next := o.nowFunc().Add(retryDelay(retries))
		updates["next_retry_at"] = next
		telemetry.DownloadRetriesTotal.Inc()
		o.logger.Warn().Err(cause).Str("entry", entry.RemoteID).Time("next_retry", next).Msg("download failed, will retry")
		o.bus.Publish(events.EventDownloadFailed, events.Payload{
			"entry_id": entry.RemoteID,
			"error":    cause.Error(),
			"terminal": false,
		})
	}

	return o.db.WithContext(ctx).Model(&models.DownloadTask{}).
		Where("id = ?", task.ID).
		Updates(updates).Error
}

func (o *Orchestrator) cancelTransfer() {
	o.mu.Lock()
	cancel := o.cancelActive
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pass runs one admission pass outside the regular schedule.
func (o *Orchestrator) Pass(ctx context.Context) error {
	return o.step(ctx)
}
