package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncEvent is one provider-side change notification, whether pushed by
// webhook or synthesized by the poller. The row doubles as the durable
// idempotency record: the unique (config_id, event_id) index means a
// redelivered webhook or a re-polled window lands on the existing row.
type SyncEvent struct {
	ID         uint   `gorm:"primary_key" json:"id"`
	ConfigId   uint   `gorm:"uniqueIndex:idx_sync_event,priority:1;not null" json:"config_id"`
	EventId    string `gorm:"uniqueIndex:idx_sync_event,priority:2;size:191;not null" json:"event_id"`
	EventType  string `gorm:"size:20;not null" json:"event_type"`
	EntityType string `gorm:"size:50;not null" json:"entity_type"`
	ExternalId string `gorm:"index;size:128;not null" json:"external_id"`
	Payload    []byte `gorm:"type:json" json:"payload"`
	Source     string `gorm:"size:20;not null" json:"source"`

	// Provider-side timestamp, used for last-writer-wins conflict resolution
	// between webhook and poll deliveries of the same order.
	ProviderTimestamp *time.Time `json:"provider_timestamp"`

	ReceivedAt  time.Time `gorm:"not null" json:"received_at"`
	State       string    `gorm:"index;size:20;not null;default:pending" json:"state"`
	FailedStage string    `gorm:"size:50" json:"failed_stage"`
	ErrorDetail string    `gorm:"type:text" json:"error_detail"`
	Attempts    int       `gorm:"default:0" json:"attempts"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e *SyncEvent) IsTerminal() bool {
	switch e.State {
	case EventStateApplied, EventStateFilteredOut:
		return true
	}
	return false
}

func FindEvent(ctx context.Context, db *gorm.DB, configId uint, eventId string) (*SyncEvent, error) {
	var event SyncEvent
	err := db.WithContext(ctx).
		Where("config_id = ? AND event_id = ?", configId, eventId).
		Take(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func ListFailedEvents(ctx context.Context, db *gorm.DB, configId uint, limit int) ([]SyncEvent, error) {
	var events []SyncEvent
	q := db.WithContext(ctx).Where("state = ?", EventStateFailed)
	if configId != 0 {
		q = q.Where("config_id = ?", configId)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("id").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func MarkEventApplied(ctx context.Context, db *gorm.DB, eventId uint) error {
	now := time.Now()
	return db.WithContext(ctx).Model(&SyncEvent{}).
		Where("id = ?", eventId).
		Updates(map[string]interface{}{
			"state":        EventStateApplied,
			"failed_stage": "",
			"error_detail": "",
			"completed_at": now,
		}).Error
}

func MarkEventFilteredOut(ctx context.Context, db *gorm.DB, eventId uint) error {
	now := time.Now()
	return db.WithContext(ctx).Model(&SyncEvent{}).
		Where("id = ?", eventId).
		Updates(map[string]interface{}{
			"state":        EventStateFilteredOut,
			"completed_at": now,
		}).Error
}

func MarkEventFailed(ctx context.Context, db *gorm.DB, eventId uint, stage string, detail string) error {
	return db.WithContext(ctx).Model(&SyncEvent{}).
		Where("id = ?", eventId).
		Updates(map[string]interface{}{
			"state":        EventStateFailed,
			"failed_stage": stage,
			"error_detail": detail,
		}).Error
}
