package workflow

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrEventInProgress = errors.New("event in progress")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// ClaimEvent inserts the event as processing, or takes over an existing row.
// Returns (skip=true, nil) when the event already reached a terminal state,
// so callers can acknowledge duplicates without reprocessing. A fresh
// processing row owned by another worker yields ErrEventInProgress; stale
// processing rows are reclaimed.
func ClaimEvent(tx *gorm.DB, event *models.SyncEvent) (skip bool, err error) {
	event.State = models.EventStateProcessing
	event.Attempts = 1
	if err := tx.Create(event).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.SyncEvent
	if err := tx.Where("config_id = ? AND event_id = ?", event.ConfigId, event.EventId).
		First(&existing).Error; err != nil {
		return false, err
	}

	if existing.IsTerminal() {
		*event = existing
		return true, nil
	}
	if existing.State == models.EventStateProcessing && time.Since(existing.UpdatedAt) < 5*time.Minute {
		return false, ErrEventInProgress
	}

	// pending, failed, or stale processing: take over the existing row.
	err = tx.Model(&models.SyncEvent{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"state":        models.EventStateProcessing,
			"attempts":     existing.Attempts + 1,
			"failed_stage": "",
			"error_detail": "",
		}).Error
	if err != nil {
		return false, err
	}
	existing.State = models.EventStateProcessing
	existing.Attempts = existing.Attempts + 1
	existing.FailedStage = ""
	existing.ErrorDetail = ""
	*event = existing
	return false, nil
}
