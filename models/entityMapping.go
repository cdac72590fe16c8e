package models

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"gorm.io/gorm"
)

// EntityMapping links one external record to its internal counterpart.
// The unique (config_id, entity_type, external_id) index is the idempotency
// anchor: a replayed event finds the row and updates instead of duplicating.
type EntityMapping struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	ConfigId          uint       `gorm:"uniqueIndex:idx_entity_mapping,priority:1;not null" json:"config_id"`
	EntityType        string     `gorm:"uniqueIndex:idx_entity_mapping,priority:2;size:50;not null" json:"entity_type"`
	ExternalId        string     `gorm:"uniqueIndex:idx_entity_mapping,priority:3;size:128;not null" json:"external_id"`
	InternalId        string     `gorm:"size:128;not null" json:"internal_id"`
	LastSyncedAt      *time.Time `json:"last_synced_at"`
	ProviderUpdatedAt *time.Time `json:"provider_updated_at"`
	MetadataJSON      []byte     `gorm:"type:json" json:"metadata"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func FindMapping(ctx context.Context, db *gorm.DB, configId uint, entityType string, externalId string) (*EntityMapping, error) {
	var mapping EntityMapping
	err := db.WithContext(ctx).
		Where("config_id = ? AND entity_type = ? AND external_id = ?", configId, entityType, externalId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func CreateMapping(ctx context.Context, db *gorm.DB, configId uint, entityType string, externalId string, internalId string) (*EntityMapping, error) {
	mapping := EntityMapping{
		ConfigId:   configId,
		EntityType: entityType,
		ExternalId: externalId,
		InternalId: internalId,
	}
	if err := db.WithContext(ctx).Create(&mapping).Error; err != nil {
		return nil, err
	}
	return &mapping, nil
}

// TouchMapping records a successful sync pass and the provider's own updated
// timestamp, which the orchestrator uses for last-writer-wins staleness checks.
func TouchMapping(ctx context.Context, db *gorm.DB, configId uint, entityType string, externalId string, internalId string, providerUpdatedAt string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"internal_id":    internalId,
		"last_synced_at": now,
	}
	if strings.TrimSpace(providerUpdatedAt) != "" {
		if t, ok := utils.ParseProviderTime(providerUpdatedAt); ok {
			updates["provider_updated_at"] = t
		}
	}
	return db.WithContext(ctx).
		Model(&EntityMapping{}).
		Where("config_id = ? AND entity_type = ? AND external_id = ?", configId, entityType, externalId).
		Updates(updates).Error
}

func (m *EntityMapping) SetMetadata(meta map[string]string) {
	if len(meta) == 0 {
		m.MetadataJSON = nil
		return
	}
	b, _ := json.Marshal(meta)
	m.MetadataJSON = b
}

func (m *EntityMapping) Metadata() map[string]string {
	if len(m.MetadataJSON) == 0 {
		return map[string]string{}
	}
	var meta map[string]string
	if err := json.Unmarshal(m.MetadataJSON, &meta); err != nil {
		return map[string]string{}
	}
	return meta
}
