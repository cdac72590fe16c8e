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

// UpsertPayment records one provider payment line against the invoice.
// Idempotent on external_payment_id: re-sent lines update in place instead
// of duplicating. A payment with no journal mapping is stored flagged so the
// amount is not lost, and the caller decides whether to fail the stage.
func UpsertPayment(tx *gorm.DB, logger *logrus.Logger, invoice *models.Invoice, externalPaymentId string, method string, amount decimal.Decimal, journal *models.PaymentMethodMapping, paymentDate time.Time) (*models.Payment, error) {
	var existing models.Payment
	err := tx.Where("config_id = ? AND external_payment_id = ?", invoice.ConfigId, externalPaymentId).
		Take(&existing).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}

	payment := models.Payment{
		ConfigId:          invoice.ConfigId,
		InvoiceId:         invoice.ID,
		ExternalPaymentId: externalPaymentId,
		Method:            method,
		Amount:            amount,
		State:             models.PaymentStatePending,
		PaymentDate:       paymentDate,
	}
	if journal != nil {
		payment.JournalId = journal.JournalId
	} else {
		payment.State = models.PaymentStateFlagged
		payment.FlagReason = fmt.Sprintf("no journal mapping for payment method %q", method)
	}

	if err == gorm.ErrRecordNotFound {
		if createErr := tx.Create(&payment).Error; createErr != nil {
			config.LogError(logger, "paymentWorkflow.go", "UpsertPayment", "Create", externalPaymentId, createErr)
			return nil, createErr
		}
		return &payment, nil
	}

	if existing.State == models.PaymentStateCancelled {
		return &existing, nil
	}
	updates := map[string]interface{}{
		"invoice_id":   invoice.ID,
		"method":       method,
		"amount":       amount,
		"journal_id":   payment.JournalId,
		"payment_date": paymentDate,
	}
	if journal != nil && existing.State == models.PaymentStateFlagged {
		// mapping was added after the payment was first seen, unflag it
		updates["state"] = models.PaymentStatePending
		updates["flag_reason"] = ""
		existing.State = models.PaymentStatePending
		existing.FlagReason = ""
	}
	if journal == nil && existing.State == models.PaymentStatePending {
		updates["state"] = models.PaymentStateFlagged
		updates["flag_reason"] = payment.FlagReason
		existing.State = models.PaymentStateFlagged
		existing.FlagReason = payment.FlagReason
	}
	if err := tx.Model(&models.Payment{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		config.LogError(logger, "paymentWorkflow.go", "UpsertPayment", "Updates", externalPaymentId, err)
		return nil, err
	}
	existing.InvoiceId = invoice.ID
	existing.Method = method
	existing.Amount = amount
	existing.JournalId = payment.JournalId
	existing.PaymentDate = paymentDate
	return &existing, nil
}

// ReconcilePayment applies the payment's unreconciled amount against the
// invoice balance. The applied amount is capped at both sides, so repeating
// the call never over-reconciles.
func ReconcilePayment(tx *gorm.DB, logger *logrus.Logger, invoice *models.Invoice, payment *models.Payment) error {
	if payment.State == models.PaymentStateFlagged || payment.State == models.PaymentStateCancelled {
		return nil
	}
	available := payment.Amount.Sub(payment.ReconciledAmount)
	apply := decimal.Min(available, invoice.Balance)
	if apply.LessThanOrEqual(decimal.Zero) {
		if payment.State == models.PaymentStatePending && payment.ReconciledAmount.GreaterThan(decimal.Zero) {
			return tx.Model(&models.Payment{}).Where("id = ?", payment.ID).
				Update("state", models.PaymentStatePosted).Error
		}
		return nil
	}

	newBalance := invoice.Balance.Sub(apply)
	if err := tx.Model(&models.Invoice{}).Where("id = ?", invoice.ID).
		Update("balance", newBalance).Error; err != nil {
		config.LogError(logger, "paymentWorkflow.go", "ReconcilePayment", "invoice balance", invoice.ID, err)
		return err
	}
	newReconciled := payment.ReconciledAmount.Add(apply)
	if err := tx.Model(&models.Payment{}).Where("id = ?", payment.ID).
		Updates(map[string]interface{}{
			"reconciled_amount": newReconciled,
			"state":             models.PaymentStatePosted,
		}).Error; err != nil {
		config.LogError(logger, "paymentWorkflow.go", "ReconcilePayment", "payment", payment.ID, err)
		return err
	}
	invoice.Balance = newBalance
	payment.ReconciledAmount = newReconciled
	payment.State = models.PaymentStatePosted
	return nil
}

// UnreconcilePayment returns the payment's reconciled amount to the invoice
// balance. Used when the order is cancelled after reconciliation.
func UnreconcilePayment(tx *gorm.DB, logger *logrus.Logger, invoice *models.Invoice, payment *models.Payment) error {
	if payment.ReconciledAmount.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	newBalance := invoice.Balance.Add(payment.ReconciledAmount)
	if err := tx.Model(&models.Invoice{}).Where("id = ?", invoice.ID).
		Update("balance", newBalance).Error; err != nil {
		config.LogError(logger, "paymentWorkflow.go", "UnreconcilePayment", "invoice balance", invoice.ID, err)
		return err
	}
	if err := tx.Model(&models.Payment{}).Where("id = ?", payment.ID).
		Update("reconciled_amount", decimal.Zero).Error; err != nil {
		config.LogError(logger, "paymentWorkflow.go", "UnreconcilePayment", "payment", payment.ID, err)
		return err
	}
	invoice.Balance = newBalance
	payment.ReconciledAmount = decimal.Zero
	return nil
}

// CancelPayment unreconciles and cancels one payment. Idempotent.
func CancelPayment(tx *gorm.DB, logger *logrus.Logger, invoice *models.Invoice, payment *models.Payment) error {
	if payment.State == models.PaymentStateCancelled {
		return nil
	}
	if err := UnreconcilePayment(tx, logger, invoice, payment); err != nil {
		return err
	}
	now := time.Now()
	if err := tx.Model(&models.Payment{}).Where("id = ?", payment.ID).
		Updates(map[string]interface{}{
			"state":        models.PaymentStateCancelled,
			"cancelled_at": now,
		}).Error; err != nil {
		config.LogError(logger, "paymentWorkflow.go", "CancelPayment", "Updates", payment.ID, err)
		return err
	}
	payment.State = models.PaymentStateCancelled
	payment.CancelledAt = &now
	return nil
}
