package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// OAuthToken is one issued token pair. A config has at most one active row;
// rotation deactivates the old row instead of overwriting it so the refresh
// history stays auditable.
type OAuthToken struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	ConfigId      uint       `gorm:"index;not null" json:"config_id"`
	AccessToken   string     `gorm:"type:text;not null" json:"-"`
	RefreshToken  string     `gorm:"type:text" json:"-"`
	TokenType     string     `gorm:"size:20;default:Bearer" json:"token_type"`
	Scope         string     `gorm:"size:255" json:"scope"`
	ExpiresAt     time.Time  `gorm:"not null" json:"expires_at"`
	ObtainedAt    time.Time  `gorm:"not null" json:"obtained_at"`
	LastRefreshAt *time.Time `json:"last_refresh_at"`
	RefreshCount  int        `gorm:"default:0" json:"refresh_count"`
	Active        *bool      `gorm:"default:true;index" json:"active"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetActiveToken(ctx context.Context, db *gorm.DB, configId uint) (*OAuthToken, error) {
	var token OAuthToken
	err := db.WithContext(ctx).
		Where("config_id = ? AND active = ?", configId, true).
		Order("id desc").
		Take(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

// ReplaceActiveToken deactivates prior tokens for the config and inserts the
// new one inside a single transaction.
func ReplaceActiveToken(ctx context.Context, db *gorm.DB, token *OAuthToken) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&OAuthToken{}).
			Where("config_id = ? AND active = ?", token.ConfigId, true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Create(token).Error
	})
}

// PurgeInactiveTokens drops deactivated rows older than the retention window.
func PurgeInactiveTokens(ctx context.Context, db *gorm.DB, olderThan time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("active = ? AND updated_at < ?", false, olderThan).
		Delete(&OAuthToken{})
	return res.RowsAffected, res.Error
}
