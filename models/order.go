package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusVoided    OrderStatus = "voided"
)

type OrderLine struct {
	// ItemId references a POSItem / MenuItem id.
	ItemId    string          `json:"item_id" validate:"required"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type Order struct {
	ID             string          `gorm:"primaryKey;size:64" json:"id" validate:"required"`
	TenantId       string          `gorm:"primaryKey;size:64;uniqueIndex:uniq_order_idem,priority:1" json:"tenant_id" validate:"required"`
	LocationId     string          `gorm:"size:80;not null;uniqueIndex:uniq_order_idem,priority:2" json:"location_id" validate:"required,startswith=loc_"`
	IdempotencyKey string          `gorm:"size:128;not null;uniqueIndex:uniq_order_idem,priority:3" json:"idempotency_key" validate:"required"`
	Lines          []OrderLine     `gorm:"serializer:json;type:text" json:"lines" validate:"required,min=1,dive"`
	Total          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	Status         OrderStatus     `gorm:"size:20;not null" json:"status" validate:"oneof=open completed voided"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
}

// ComputeTotals fills line totals and the order total from unit prices.
func (o *Order) ComputeTotals() {
	total := decimal.Zero
	for i := range o.Lines {
		o.Lines[i].LineTotal = o.Lines[i].UnitPrice.Mul(decimal.NewFromInt(int64(o.Lines[i].Quantity)))
		total = total.Add(o.Lines[i].LineTotal)
	}
	o.Total = total
}

func (o *Order) Path() string {
	return DocumentPath(CollectionOrders, o.TenantId, o.ID)
}
