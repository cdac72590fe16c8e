package workflow

import (
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CreateInvoiceForOrder creates the draft invoice for a confirmed order.
// Idempotent: the unique sales_order_id index means a second call finds and
// returns the existing invoice instead of creating a duplicate.
func CreateInvoiceForOrder(tx *gorm.DB, logger *logrus.Logger, order *models.SalesOrder) (*models.Invoice, error) {
	var existing models.Invoice
	err := tx.Where("config_id = ? AND sales_order_id = ?", order.ConfigId, order.ID).
		Take(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	total := order.RecomputeTotal()
	invoice := models.Invoice{
		ConfigId:      order.ConfigId,
		SalesOrderId:  order.ID,
		CustomerId:    order.CustomerId,
		InvoiceNumber: fmt.Sprintf("POS-%s", order.OrderNumber),
		State:         models.InvoiceStateDraft,
		InvoiceDate:   order.OrderDate,
		Total:         total,
		Balance:       total,
	}
	if err := tx.Create(&invoice).Error; err != nil {
		if isDuplicateKeyErr(err) {
			// lost the race to a concurrent worker, reuse its row
			err = tx.Where("config_id = ? AND sales_order_id = ?", order.ConfigId, order.ID).
				Take(&invoice).Error
			if err != nil {
				return nil, err
			}
			return &invoice, nil
		}
		config.LogError(logger, "invoiceWorkflow.go", "CreateInvoiceForOrder", "Create", order.ExternalId, err)
		return nil, err
	}
	return &invoice, nil
}

// ValidateInvoice posts a draft invoice. Already-validated invoices are left
// untouched.
func ValidateInvoice(tx *gorm.DB, logger *logrus.Logger, invoice *models.Invoice) error {
	switch invoice.State {
	case models.InvoiceStateValidated:
		return nil
	case models.InvoiceStateDraft:
	default:
		return fmt.Errorf("cannot validate invoice %d in state %s", invoice.ID, invoice.State)
	}
	now := time.Now()
	err := tx.Model(&models.Invoice{}).
		Where("id = ? AND state = ?", invoice.ID, models.InvoiceStateDraft).
		Updates(map[string]interface{}{"state": models.InvoiceStateValidated, "validated_at": now}).Error
	if err != nil {
		config.LogError(logger, "invoiceWorkflow.go", "ValidateInvoice", "Updates", invoice.ID, err)
		return err
	}
	invoice.State = models.InvoiceStateValidated
	invoice.ValidatedAt = &now
	return nil
}

// RemoveInvoice removes the invoice for a cancelled order. Draft invoices are
// hard-deleted; posted invoices are never deleted, they are reversed so the
// audit trail survives. Idempotent for already-reversed or already-cancelled
// invoices.
func RemoveInvoice(tx *gorm.DB, logger *logrus.Logger, invoice *models.Invoice) error {
	switch invoice.State {
	case models.InvoiceStateReversed, models.InvoiceStateCancelled:
		return nil
	case models.InvoiceStateDraft:
		if err := tx.Model(&models.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]interface{}{"state": models.InvoiceStateCancelled, "balance": decimal.Zero}).Error; err != nil {
			config.LogError(logger, "invoiceWorkflow.go", "RemoveInvoice", "cancel draft", invoice.ID, err)
			return err
		}
		invoice.State = models.InvoiceStateCancelled
		return nil
	case models.InvoiceStateValidated:
		now := time.Now()
		if err := tx.Model(&models.Invoice{}).
			Where("id = ? AND state = ?", invoice.ID, models.InvoiceStateValidated).
			Updates(map[string]interface{}{
				"state":       models.InvoiceStateReversed,
				"balance":     decimal.Zero,
				"reversed_at": now,
			}).Error; err != nil {
			config.LogError(logger, "invoiceWorkflow.go", "RemoveInvoice", "reverse", invoice.ID, err)
			return err
		}
		invoice.State = models.InvoiceStateReversed
		invoice.ReversedAt = &now
		return nil
	default:
		return fmt.Errorf("cannot remove invoice %d in state %s", invoice.ID, invoice.State)
	}
}
