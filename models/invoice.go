package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Invoice struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	ConfigId      uint            `gorm:"index;not null" json:"config_id"`
	SalesOrderId  uint            `gorm:"uniqueIndex;not null" json:"sales_order_id"`
	CustomerId    uint            `gorm:"index;not null" json:"customer_id"`
	InvoiceNumber string          `gorm:"size:64" json:"invoice_number"`
	State         string          `gorm:"size:20;not null" json:"state"`
	InvoiceDate   time.Time       `json:"invoice_date"`
	Total         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	Balance       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
	ValidatedAt   *time.Time      `json:"validated_at"`
	ReversedAt    *time.Time      `json:"reversed_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsPosted reports whether the invoice has been validated and may no longer
// be hard-deleted. Posted invoices can only be reversed.
func (inv *Invoice) IsPosted() bool {
	return inv.State == InvoiceStateValidated || inv.State == InvoiceStateReversed
}

// GetInvoiceForOrder returns nil without error when the order has no invoice
// yet.
func GetInvoiceForOrder(ctx context.Context, db *gorm.DB, configId uint, orderId uint) (*Invoice, error) {
	var invoice Invoice
	err := db.WithContext(ctx).
		Where("config_id = ? AND sales_order_id = ?", configId, orderId).
		Take(&invoice).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}
