package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	ConfigId      uint            `gorm:"index;not null" json:"config_id"`
	Name          string          `gorm:"size:200;not null" json:"name"`
	SKU           string          `gorm:"size:64;index" json:"sku"`
	Barcode       string          `gorm:"size:64;index" json:"barcode"`
	Description   string          `gorm:"type:text" json:"description"`
	SalesPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	PurchasePrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	IsActive      *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetProduct(ctx context.Context, db *gorm.DB, configId uint, id uint) (*Product, error) {
	var product Product
	if err := db.WithContext(ctx).Where("id = ? AND config_id = ?", id, configId).Take(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// FindProductByNaturalKey matches by SKU first, then barcode. Returns nil
// without error when nothing matches.
func FindProductByNaturalKey(ctx context.Context, db *gorm.DB, configId uint, sku string, barcode string) (*Product, error) {
	if sku != "" {
		var product Product
		err := db.WithContext(ctx).
			Where("config_id = ? AND sku = ?", configId, sku).
			Take(&product).Error
		if err == nil {
			return &product, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}
	if barcode != "" {
		var product Product
		err := db.WithContext(ctx).
			Where("config_id = ? AND barcode = ?", configId, barcode).
			Take(&product).Error
		if err == nil {
			return &product, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}
	return nil, nil
}
