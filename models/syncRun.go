package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// SyncRun is one poll cycle, queued either by the cron schedule or by an
// operator's "sync now". Webhook events do not create runs.
type SyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	ConfigId      uint       `gorm:"index;not null" json:"config_id"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	WindowFrom    *time.Time `json:"window_from"`
	WindowTo      *time.Time `json:"window_to"`
	EventsCreated int        `json:"events_created"`
	EventsApplied int        `json:"events_applied"`
	ErrorCount    int        `json:"error_count"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetSyncRun(ctx context.Context, db *gorm.DB, configId uint, runId uint) (*SyncRun, error) {
	var run SyncRun
	if err := db.WithContext(ctx).Where("id = ? AND config_id = ?", runId, configId).Take(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func ListSyncRuns(ctx context.Context, db *gorm.DB, configId uint, limit int) ([]SyncRun, error) {
	var runs []SyncRun
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	err := db.WithContext(ctx).
		Where("config_id = ?", configId).
		Order("id desc").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
