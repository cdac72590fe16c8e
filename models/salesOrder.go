package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SalesOrder struct {
	ID            uint             `gorm:"primary_key" json:"id"`
	ConfigId      uint             `gorm:"index;not null" json:"config_id"`
	OrderNumber   string           `gorm:"size:64;index" json:"order_number"`
	ExternalId    string           `gorm:"size:64;index" json:"external_id"`
	CustomerId    uint             `gorm:"index;not null" json:"customer_id"`
	Fulfillment   string           `gorm:"size:20;not null" json:"fulfillment"`
	OrderDate     time.Time        `json:"order_date"`
	State         string           `gorm:"size:20;not null" json:"state"`
	Notes         string           `gorm:"type:text" json:"notes"`
	Total         decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total"`
	Items         []SalesOrderItem `gorm:"foreignKey:OrderId" json:"items"`
	CancelledAt   *time.Time       `json:"cancelled_at"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalesOrderItem struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	OrderId         uint            `gorm:"index;not null" json:"order_id"`
	ProductId       uint            `gorm:"not null" json:"product_id"`
	Name            string          `gorm:"size:200" json:"name"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	DiscountPercent decimal.Decimal `gorm:"type:decimal(8,4);default:0" json:"discount_percent"`
	LineTotal       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"line_total"`
}

// ComputeLineTotal applies the percentage discount to quantity times unit
// price.
func (i *SalesOrderItem) ComputeLineTotal() decimal.Decimal {
	gross := i.Quantity.Mul(i.UnitPrice)
	if i.DiscountPercent.IsZero() {
		return gross
	}
	factor := decimal.NewFromInt(100).Sub(i.DiscountPercent).Div(decimal.NewFromInt(100))
	return gross.Mul(factor)
}

// RecomputeTotal rebuilds the order total from its lines. Callers compare the
// result against the provider's reported total and log discrepancies.
func (o *SalesOrder) RecomputeTotal() decimal.Decimal {
	total := decimal.Zero
	for idx := range o.Items {
		total = total.Add(o.Items[idx].ComputeLineTotal())
	}
	return total
}

func GetSalesOrder(ctx context.Context, db *gorm.DB, configId uint, id uint) (*SalesOrder, error) {
	var order SalesOrder
	err := db.WithContext(ctx).
		Preload("Items").
		Where("id = ? AND config_id = ?", id, configId).
		Take(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}
