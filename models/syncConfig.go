package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncConfig is one connected Dotypos cloud. Everything the engine does is
// scoped to a SyncConfig: credentials, feature toggles, journal mappings,
// rate budget and the poll watermark all hang off this row.
type SyncConfig struct {
	ID          uint   `gorm:"primary_key" json:"id"`
	CloudId     string `gorm:"uniqueIndex;size:100;not null" json:"cloud_id"`
	CompanyName string `gorm:"size:255" json:"company_name"`

	// OAuth client credentials issued by Dotypos.
	ClientId     string `gorm:"size:255;not null" json:"client_id"`
	ClientSecret string `gorm:"size:255;not null" json:"-"`
	APIBaseURL   string `gorm:"size:255;not null" json:"api_base_url"`
	RedirectURI  string `gorm:"size:255" json:"redirect_uri"`

	// Webhook push settings.
	WebhookSecret string `gorm:"size:255" json:"-"`
	WebhookActive *bool  `gorm:"default:true" json:"webhook_active"`

	// Feature toggles.
	SyncCustomers *bool `gorm:"default:true" json:"sync_customers"`
	SyncProducts  *bool `gorm:"default:true" json:"sync_products"`
	SyncOrders    *bool `gorm:"default:true" json:"sync_orders"`

	// Takeaway orders are handled by a different channel; on_site keeps them out.
	OrderStatusFilter string `gorm:"size:20;default:on_site" json:"order_status_filter"`

	AutoCreateInvoice     *bool `gorm:"default:true" json:"auto_create_invoice"`
	AutoValidateInvoice   *bool `gorm:"default:true" json:"auto_validate_invoice"`
	AutoReconcilePayments *bool `gorm:"default:true" json:"auto_reconcile_payments"`

	// Client-side admission control budget (Dotypos allows ~150 req/30min).
	RateLimitRequests      int `gorm:"default:150" json:"rate_limit_requests"`
	RateLimitPeriodSeconds int `gorm:"default:1800" json:"rate_limit_period_seconds"`

	Status string `gorm:"size:30;not null;default:active" json:"status"`

	// Poll cursor: everything updated before the watermark has reached a
	// terminal state. Advanced only after a full batch settles.
	PollWatermark *time.Time `json:"poll_watermark"`

	LastSyncAt     *time.Time `json:"last_sync_at"`
	LastSyncStatus string     `gorm:"size:20" json:"last_sync_status"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSyncConfig struct {
	CloudId           string `json:"cloud_id" binding:"required"`
	CompanyName       string `json:"company_name"`
	ClientId          string `json:"client_id" binding:"required"`
	ClientSecret      string `json:"client_secret" binding:"required"`
	APIBaseURL        string `json:"api_base_url"`
	RedirectURI       string `json:"redirect_uri"`
	WebhookSecret     string `json:"webhook_secret"`
	OrderStatusFilter string `json:"order_status_filter"`
}

func GetSyncConfig(ctx context.Context, db *gorm.DB, configId uint) (*SyncConfig, error) {
	var cfg SyncConfig
	if err := db.WithContext(ctx).Where("id = ?", configId).Take(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

func GetSyncConfigByCloudId(ctx context.Context, db *gorm.DB, cloudId string) (*SyncConfig, error) {
	var cfg SyncConfig
	err := db.WithContext(ctx).Where("cloud_id = ?", cloudId).Take(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// MarkNeedsReauthorization flips the config out of active sync until an
// operator completes the OAuth flow again. Idempotent.
func MarkNeedsReauthorization(ctx context.Context, db *gorm.DB, configId uint) error {
	return db.WithContext(ctx).
		Model(&SyncConfig{}).
		Where("id = ? AND status <> ?", configId, ConfigStatusNeedsReauth).
		Update("status", ConfigStatusNeedsReauth).Error
}

func (c *SyncConfig) IsActive() bool {
	return c.Status == ConfigStatusActive
}

func (c *SyncConfig) RateLimitPeriod() time.Duration {
	if c.RateLimitPeriodSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.RateLimitPeriodSeconds) * time.Second
}
