package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"gorm.io/gorm"
)

// SyncLogEntry is an append-only record of one sync action, kept for the
// operator-facing log view. Rows are purged after the retention window.
type SyncLogEntry struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	ConfigId      uint      `gorm:"index;not null" json:"config_id"`
	RunId         *uint     `gorm:"index" json:"run_id"`
	EventId       string    `gorm:"size:120;index" json:"event_id"`
	EntityType    string    `gorm:"size:20;index" json:"entity_type"`
	ExternalId    string    `gorm:"size:64" json:"external_id"`
	InternalId    uint      `json:"internal_id"`
	Operation     string    `gorm:"size:40" json:"operation"`
	Status        string    `gorm:"size:10;index" json:"status"`
	Detail        string    `gorm:"size:2000" json:"detail"`
	CorrelationId string    `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// RecordSyncLog is best effort. A failed log write must never fail the sync
// action it describes, so the error is logged and swallowed.
func RecordSyncLog(ctx context.Context, db *gorm.DB, entry *SyncLogEntry) {
	if err := db.WithContext(ctx).Create(entry).Error; err != nil {
		logger := config.GetLogger()
		config.LogError(logger, "models", "RecordSyncLog", entry.EventId, entry, err)
	}
}

type SyncLogFilter struct {
	Status     string
	EntityType string
	Since      *time.Time
	Limit      int
}

func ListSyncLogs(ctx context.Context, db *gorm.DB, configId uint, filter SyncLogFilter) ([]SyncLogEntry, error) {
	q := db.WithContext(ctx).Where("config_id = ?", configId)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.EntityType != "" {
		q = q.Where("entity_type = ?", filter.EntityType)
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", *filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []SyncLogEntry
	err := q.Order("id desc").Limit(limit).Find(&entries).Error
	return entries, err
}

// PurgeSyncLogs deletes entries older than the cutoff. Used by the nightly
// retention job.
func PurgeSyncLogs(ctx context.Context, db *gorm.DB, olderThan time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("created_at < ?", olderThan).Delete(&SyncLogEntry{})
	return res.RowsAffected, res.Error
}
