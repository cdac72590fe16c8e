package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/utils"
	"gorm.io/gorm"
)

type Customer struct {
	ID                    uint      `gorm:"primary_key" json:"id"`
	ConfigId              uint      `gorm:"index;not null" json:"config_id"`
	Name                  string    `gorm:"size:200;not null" json:"name"`
	CompanyName           string    `gorm:"size:200" json:"company_name"`
	Email                 string    `gorm:"size:100;index" json:"email"`
	Phone                 string    `gorm:"size:30;index" json:"phone"`
	Mobile                string    `gorm:"size:30" json:"mobile"`
	Street                string    `gorm:"size:200" json:"street"`
	City                  string    `gorm:"size:100" json:"city"`
	Zip                   string    `gorm:"size:20" json:"zip"`
	CountryCode           string    `gorm:"size:2" json:"country_code"`
	TaxId                 string    `gorm:"size:40" json:"tax_id"`
	Notes                 string    `gorm:"type:text" json:"notes"`
	ReceivableAccountCode string    `gorm:"size:20" json:"receivable_account_code"`
	IsWalkIn              *bool     `gorm:"not null;default:false" json:"is_walk_in"`
	IsActive              *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetCustomer(ctx context.Context, db *gorm.DB, configId uint, id uint) (*Customer, error) {
	var customer Customer
	if err := db.WithContext(ctx).Where("id = ? AND config_id = ?", id, configId).Take(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// FindCustomerByNaturalKey matches by email first, then by normalized phone.
// Returns nil without error when nothing matches.
func FindCustomerByNaturalKey(ctx context.Context, db *gorm.DB, configId uint, email string, phone string) (*Customer, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email != "" {
		var customer Customer
		err := db.WithContext(ctx).
			Where("config_id = ? AND LOWER(email) = ?", configId, email).
			Take(&customer).Error
		if err == nil {
			return &customer, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}
	phone = utils.NormalizePhone(phone)
	if phone != "" {
		var customer Customer
		err := db.WithContext(ctx).
			Where("config_id = ? AND (phone = ? OR mobile = ?)", configId, phone, phone).
			Take(&customer).Error
		if err == nil {
			return &customer, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}
	return nil, nil
}

// GetWalkInCustomer returns the per-config fallback customer used for orders
// that carry no customer reference, creating it on first use.
func GetWalkInCustomer(ctx context.Context, db *gorm.DB, configId uint) (*Customer, error) {
	var customer Customer
	err := db.WithContext(ctx).
		Where("config_id = ? AND is_walk_in = ?", configId, true).
		Take(&customer).Error
	if err == nil {
		return &customer, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	customer = Customer{
		ConfigId: configId,
		Name:     "Walk-in Customer",
		IsWalkIn: utils.NewTrue(),
		IsActive: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}
