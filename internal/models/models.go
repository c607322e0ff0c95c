package models

import (
	"time"
)

// TicksPerSecond is the Jellyfin tick resolution (100ns ticks).
const TicksPerSecond = 10_000_000

// CatalogEntry is the locally cached metadata for one remote video.
//
// Writer roles: the catalog synchronizer owns the server-sourced metadata
// fields, the download orchestrator owns LocalPath/Progress/LocalSize/Checksum,
// and the playback manager owns Watched/LastWatchedAt/ResumePositionTicks.
type CatalogEntry struct {
	RemoteID  string `gorm:"primaryKey"`
	UserScope string `gorm:"primaryKey"` // cache isolation across re-login with a different account
	LibraryID string `gorm:"index"`
	Title     string `gorm:"index"`
	ImageTag  string

	RunTimeTicks int64
	AddedAt      time.Time
	ModifiedAt   time.Time

	Watched       bool `gorm:"index"`
	LastWatchedAt *time.Time

	LocalPath string // empty means no local copy
	ImagePath string // prefetched artwork so the grid renders offline
	Progress  float64
	LocalSize int64
	Checksum  string // sha256 recorded at download completion

	ResumePositionTicks int64
	MissingPasses       int // consecutive sync passes the remote item was absent
	PriorityRank        int // parent-configured download priority override

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Downloaded reports whether the entry has a verified local copy.
func (e CatalogEntry) Downloaded() bool {
	return e.LocalPath != "" && e.Progress >= 1.0
}

// Duration returns the runtime as a time.Duration.
func (e CatalogEntry) Duration() time.Duration {
	return TicksToDuration(e.RunTimeTicks)
}

// TicksToDuration converts Jellyfin 100ns ticks to a duration.
func TicksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks * 100)
}

// DurationToTicks converts a duration to Jellyfin 100ns ticks.
func DurationToTicks(d time.Duration) int64 {
	return int64(d / 100)
}

// TaskStatus enumerates download task states.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// DownloadTask is one queued or active transfer of a video's bytes.
type DownloadTask struct {
	ID        string `gorm:"primaryKey"`
	EntryID   string `gorm:"index"`
	UserScope string `gorm:"index"`

	Status   TaskStatus `gorm:"type:varchar(16);index"`
	Terminal bool       // failed and out of retries

	Priority     int
	ExpectedSize int64
	BytesDone    int64
	Retries      int
	NextRetryAt  *time.Time
	LastError    string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Retryable reports whether a failed task is still eligible for retry.
func (t DownloadTask) Retryable() bool {
	return t.Status == TaskFailed && !t.Terminal
}

// ScreenTimeState is the persisted daily screen-time budget.
// Singleton pattern with a fixed ID=1 row.
type ScreenTimeState struct {
	ID                int `gorm:"primaryKey"`
	UsedSeconds       int
	DailyLimitMinutes int
	Enabled           bool
	LastReset         time.Time
	ExtensionMinutes  int
	UpdatedAt         time.Time
}

// TableName returns the table name for GORM.
func (ScreenTimeState) TableName() string {
	return "screen_time_state"
}

// LimitReached reports whether the budget including extensions is spent.
func (s ScreenTimeState) LimitReached() bool {
	if !s.Enabled {
		return false
	}
	return s.UsedSeconds >= (s.DailyLimitMinutes+s.ExtensionMinutes)*60
}

// RemainingMinutes returns whole minutes left in today's budget, or -1 when
// no limit is enabled. Callers render a negative value as unrestricted.
func (s ScreenTimeState) RemainingMinutes() int {
	if !s.Enabled {
		return -1
	}
	remaining := (s.DailyLimitMinutes+s.ExtensionMinutes)*60 - s.UsedSeconds
	if remaining < 0 {
		remaining = 0
	}
	return remaining / 60
}

// Setting is a small key/value row for engine state that does not warrant
// its own table (last sync timestamp, storage limit, PIN hash, pinned
// certificate fingerprint).
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Well-known setting keys.
const (
	SettingLastSync          = "last_sync_at"
	SettingStorageLimit      = "storage_limit_bytes"
	SettingPINHash           = "pin_hash"
	SettingPinnedFingerprint = "server_cert_fingerprint"
	SettingUserScope         = "user_scope"
	SettingLibraries         = "enabled_libraries"
)
