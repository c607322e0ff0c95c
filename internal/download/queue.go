/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package download

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/models"
)

// estimateBytesPerSecond sizes the headroom request before the server has
// told us the real file size. Roughly 2 Mbit/s, typical for kid-profile
// transcodes.
const estimateBytesPerSecond = 250_000

// unwatchedWindow returns the total runtime of fully downloaded, unwatched
// content for the active account. The orchestrator keeps this inside the
// configured window.
func (o *Orchestrator) unwatchedWindow(ctx context.Context) (time.Duration, error) {
	var ticks int64
	err := o.db.WithContext(ctx).Model(&models.CatalogEntry{}).
		Where("user_scope = ? AND watched = ? AND local_path <> '' AND progress >= 1.0", o.scope(), false).
		Select("COALESCE(SUM(run_time_ticks), 0)").
		Scan(&ticks).Error
	if err != nil {
		return 0, fmt.Errorf("sum unwatched window: %w", err)
	}
	return models.TicksToDuration(ticks), nil
}

// nextTask returns the task to work on: an interrupted active transfer
// first, then a retryable failure whose backoff elapsed, then the oldest
// queued task. Returns nil when the queue is empty.
func (o *Orchestrator) nextTask(ctx context.Context) (*models.DownloadTask, error) {
	var task models.DownloadTask
	scope := o.scope()

	err := o.db.WithContext(ctx).
		Where("user_scope = ? AND status = ?", scope, models.TaskActive).
		First(&task).Error
	if err == nil {
		return &task, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	err = o.db.WithContext(ctx).
		Where("user_scope = ? AND status = ? AND terminal = ? AND next_retry_at <= ?", scope, models.TaskFailed, false, o.nowFunc()).
		Order("next_retry_at ASC").
		First(&task).Error
	if err == nil {
		return &task, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	err = o.db.WithContext(ctx).
		Where("user_scope = ? AND status = ?", scope, models.TaskQueued).
		Order("priority DESC, created_at ASC").
		First(&task).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// enqueueNext creates a task for the best undownloaded candidate: unwatched,
// no local copy, no pending task, parent priority first and newest content
// next. Returns nil when nothing qualifies.
func (o *Orchestrator) enqueueNext(ctx context.Context) (*models.DownloadTask, error) {
	scope := o.scope()
	pending := o.db.Model(&models.DownloadTask{}).
		Select("entry_id").
		Where("user_scope = ?", scope).
		Where("status IN ? OR (status = ? AND terminal = ?)",
			[]models.TaskStatus{models.TaskQueued, models.TaskActive},
			models.TaskFailed, false)

	var entry models.CatalogEntry
	err := o.db.WithContext(ctx).
		Where("user_scope = ? AND watched = ? AND local_path = '' AND run_time_ticks > 0", scope, false).
		Where("remote_id NOT IN (?)", pending).
		Order("priority_rank DESC, added_at DESC").
		First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	task := models.DownloadTask{
		ID:        uuid.NewString(),
		EntryID:   entry.RemoteID,
		UserScope: entry.UserScope,
		Status:    models.TaskQueued,
		Priority:  entry.PriorityRank,
	}
	if err := o.db.WithContext(ctx).Create(&task).Error; err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", entry.RemoteID, err)
	}
	o.logger.Info().Str("entry", entry.RemoteID).Str("task", task.ID).Msg("download queued")
	return &task, nil
}

// neededBytes returns the headroom to request for a task: the remaining
// known size, or a runtime-based estimate before the first response.
func (o *Orchestrator) neededBytes(task *models.DownloadTask, entry *models.CatalogEntry) int64 {
	if task.ExpectedSize > 0 {
		remaining := task.ExpectedSize - task.BytesDone
		if remaining > 0 {
			return remaining
		}
		return 0
	}
	return int64(entry.Duration().Seconds()) * estimateBytesPerSecond
}

// retryDelay computes the wait before retry n using the shared exponential
// schedule: ~30s doubling up to an hour, with jitter.
func retryDelay(retries int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 30 * time.Second
	policy.MaxInterval = time.Hour
	policy.MaxElapsedTime = 0
	delay := policy.NextBackOff()
	for i := 1; i < retries; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}
