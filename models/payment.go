package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Payment struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	ConfigId          uint            `gorm:"index;not null" json:"config_id"`
	InvoiceId         uint            `gorm:"index;not null" json:"invoice_id"`
	ExternalPaymentId string          `gorm:"size:64;index" json:"external_payment_id"`
	Method            string          `gorm:"size:64" json:"method"`
	JournalId         int             `json:"journal_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	ReconciledAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reconciled_amount"`
	State             string          `gorm:"size:20;not null" json:"state"`
	FlagReason        string          `gorm:"size:500" json:"flag_reason"`
	PaymentDate       time.Time       `json:"payment_date"`
	CancelledAt       *time.Time      `json:"cancelled_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListPaymentsForInvoice(ctx context.Context, db *gorm.DB, configId uint, invoiceId uint) ([]Payment, error) {
	var payments []Payment
	err := db.WithContext(ctx).
		Where("config_id = ? AND invoice_id = ?", configId, invoiceId).
		Order("id asc").
		Find(&payments).Error
	return payments, err
}

// FindPaymentByExternalId returns nil without error when no payment exists
// for the provider's payment line id.
func FindPaymentByExternalId(ctx context.Context, db *gorm.DB, configId uint, externalPaymentId string) (*Payment, error) {
	var payment Payment
	err := db.WithContext(ctx).
		Where("config_id = ? AND external_payment_id = ?", configId, externalPaymentId).
		Take(&payment).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
