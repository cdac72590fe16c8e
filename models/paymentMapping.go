package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// PaymentMethodMapping routes one Dotypos payment method (cash, card, wolt,
// uber_eats, ...) to an ERP journal. A method with no mapping and no default
// leaves the payment flagged for manual follow-up.
type PaymentMethodMapping struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	ConfigId    uint      `gorm:"uniqueIndex:idx_payment_method_mapping,priority:1;not null" json:"config_id"`
	Method      string    `gorm:"uniqueIndex:idx_payment_method_mapping,priority:2;size:50;not null" json:"method"`
	JournalId   int       `gorm:"not null" json:"journal_id"`
	JournalName string    `gorm:"size:255" json:"journal_name"`
	IsDefault   *bool     `gorm:"default:false" json:"is_default"`
	Active      *bool     `gorm:"default:true" json:"active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPaymentMethodMapping struct {
	Method      string `json:"method" binding:"required"`
	JournalId   int    `json:"journal_id" binding:"required"`
	JournalName string `json:"journal_name"`
	IsDefault   *bool  `json:"is_default"`
}

// GetJournalForMethod resolves the journal for a payment method, falling back
// to the config's default mapping. Returns nil when neither exists.
func GetJournalForMethod(ctx context.Context, db *gorm.DB, configId uint, method string) (*PaymentMethodMapping, error) {
	var mapping PaymentMethodMapping
	err := db.WithContext(ctx).
		Where("config_id = ? AND method = ? AND active = ?", configId, method, true).
		Take(&mapping).Error
	if err == nil {
		return &mapping, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = db.WithContext(ctx).
		Where("config_id = ? AND is_default = ? AND active = ?", configId, true, true).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}
