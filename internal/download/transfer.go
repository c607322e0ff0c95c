/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/models"
	"github.com/wickerworks/wren_player/internal/telemetry"
)

// progressChunk is how many bytes pass between persisted progress updates.
const progressChunk = 8 << 20

// errIntegrity marks a completed transfer whose byte count disagreed with
// the size the server announced.
var errIntegrity = errors.New("integrity check failed")

func (o *Orchestrator) partPath(entry *models.CatalogEntry) string {
	return filepath.Join(o.cacheDir, entry.RemoteID+".part")
}

func (o *Orchestrator) finalPath(entry *models.CatalogEntry) string {
	return filepath.Join(o.cacheDir, entry.RemoteID+".mp4")
}

// transfer moves the task's bytes into the cache. Partial files are resumed
// with a range request; the checksum is maintained incrementally, rehashing
// the existing prefix on resume so the digest always covers the whole file.
func (o *Orchestrator) transfer(ctx context.Context, task *models.DownloadTask, entry *models.CatalogEntry) error {
	partPath := o.partPath(entry)
	offset, digest, err := resumeState(partPath)
	if err != nil {
		return fmt.Errorf("inspect partial file: %w", err)
	}

	body, total, resumed, err := o.remote.Download(ctx, entry.RemoteID, offset)
	if err != nil {
		return fmt.Errorf("open transfer: %w", err)
	}
	defer body.Close()

	if offset > 0 && !resumed {
		// Server replayed the full object: start the file and digest over.
		o.logger.Debug().Str("entry", entry.RemoteID).Msg("server ignored range, restarting transfer")
		if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard stale partial: %w", err)
		}
		offset = 0
		digest = sha256.New()
	}

	if err := o.markActive(ctx, task, total, offset); err != nil {
		return err
	}

	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}

	written, copyErr := o.copyBody(ctx, task, entry, file, body, digest, offset, total)
	if closeErr := file.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return copyErr
	}

	if offset+written != total {
		return o.failIntegrity(ctx, task, entry, fmt.Errorf("%w: got %d bytes, expected %d", errIntegrity, offset+written, total))
	}
	return o.complete(ctx, task, entry, total, hex.EncodeToString(digest.Sum(nil)))
}

// resumeState sizes an existing partial file and rehashes its bytes so the
// digest can continue where the transfer left off.
func resumeState(partPath string) (int64, hash.Hash, error) {
	digest := sha256.New()
	info, err := os.Stat(partPath)
	if os.IsNotExist(err) {
		return 0, digest, nil
	}
	if err != nil {
		return 0, nil, err
	}
	if info.Size() == 0 {
		return 0, digest, nil
	}
	file, err := os.Open(partPath)
	if err != nil {
		return 0, nil, err
	}
	defer file.Close()
	if _, err := io.Copy(digest, file); err != nil {
		return 0, nil, err
	}
	return info.Size(), digest, nil
}

func (o *Orchestrator) copyBody(ctx context.Context, task *models.DownloadTask, entry *models.CatalogEntry, file *os.File, body io.Reader, digest hash.Hash, offset, total int64) (int64, error) {
	sink := io.MultiWriter(file, digest)
	buf := make([]byte, 256<<10)
	var written, sinceUpdate int64

	for {
		if err := ctx.Err(); err != nil {
			o.persistProgress(task, offset+written)
			return written, err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write cache file: %w", werr)
			}
			written += int64(n)
			sinceUpdate += int64(n)
			telemetry.DownloadBytesTotal.Add(float64(n))
			if sinceUpdate >= progressChunk {
				sinceUpdate = 0
				o.persistProgress(task, offset+written)
				o.publishProgress(entry, offset+written, total)
			}
		}
		if err == io.EOF {
			o.persistProgress(task, offset+written)
			return written, nil
		}
		if err != nil {
			o.persistProgress(task, offset+written)
			return written, fmt.Errorf("read transfer body: %w", err)
		}
	}
}

func (o *Orchestrator) markActive(ctx context.Context, task *models.DownloadTask, total, offset int64) error {
	task.Status = models.TaskActive
	task.ExpectedSize = total
	task.BytesDone = offset
	return o.db.WithContext(ctx).Model(&models.DownloadTask{}).
		Where("id = ?", task.ID).
		Updates(map[string]any{
			"status":        models.TaskActive,
			"expected_size": total,
			"bytes_done":    offset,
		}).Error
}

func (o *Orchestrator) persistProgress(task *models.DownloadTask, bytesDone int64) {
	task.BytesDone = bytesDone
	if err := o.db.Model(&models.DownloadTask{}).
		Where("id = ?", task.ID).
		Update("bytes_done", bytesDone).Error; err != nil {
		o.logger.Warn().Err(err).Str("task", task.ID).Msg("failed to persist transfer progress")
	}
}

func (o *Orchestrator) publishProgress(entry *models.CatalogEntry, done, total int64) {
	o.bus.Publish(events.EventDownloadProgress, events.Payload{
		"entry_id": entry.RemoteID,
		"done":     done,
		"total":    total,
	})
}

// complete promotes the partial file to its final name and records the
// verified local copy on the catalog entry.
func (o *Orchestrator) complete(ctx context.Context, task *models.DownloadTask, entry *models.CatalogEntry, size int64, checksum string) error {
	finalPath := o.finalPath(entry)
	if err := os.Rename(o.partPath(entry), finalPath); err != nil {
		return fmt.Errorf("promote cache file: %w", err)
	}

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.CatalogEntry{}).
			Where("remote_id = ? AND user_scope = ?", entry.RemoteID, entry.UserScope).
			Updates(map[string]any{
				"local_path": finalPath,
				"local_size": size,
				"progress":   1.0,
				"checksum":   checksum,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.DownloadTask{}).
			Where("id = ?", task.ID).
			Updates(map[string]any{
				"status":     models.TaskCompleted,
				"bytes_done": size,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}

	o.logger.Info().Str("entry", entry.RemoteID).Int64("size", size).Msg("download completed")
	o.bus.Publish(events.EventDownloadCompleted, events.Payload{
		"entry_id": entry.RemoteID,
		"size":     size,
	})
	return nil
}

// failIntegrity discards the corrupt partial and requeues a fresh task so
// the next pass starts the transfer from scratch.
func (o *Orchestrator) failIntegrity(ctx context.Context, task *models.DownloadTask, entry *models.CatalogEntry, cause error) error {
	telemetry.DownloadFailuresTotal.WithLabelValues("integrity").Inc()
	o.logger.Warn().Err(cause).Str("entry", entry.RemoteID).Msg("discarding corrupt transfer")

	if err := os.Remove(o.partPath(entry)); err != nil && !os.IsNotExist(err) {
		o.logger.Warn().Err(err).Msg("failed to remove corrupt partial")
	}

	if err := o.db.WithContext(ctx).Model(&models.DownloadTask{}).
		Where("id = ?", task.ID).
		Updates(map[string]any{
			"status":     models.TaskFailed,
			"terminal":   true,
			"last_error": cause.Error(),
		}).Error; err != nil {
		return err
	}

	fresh := models.DownloadTask{
		ID:        uuid.NewString(),
		EntryID:   task.EntryID,
		UserScope: task.UserScope,
		Status:    models.TaskQueued,
		Priority:  task.Priority,
	}
	return o.db.WithContext(ctx).Create(&fresh).Error
}
