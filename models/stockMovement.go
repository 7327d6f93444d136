package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MovementReason string

const (
	MovementReasonSale       MovementReason = "sale"
	MovementReasonReceiving  MovementReason = "receiving"
	MovementReasonWaste      MovementReason = "waste"
	MovementReasonAdjustment MovementReason = "adjustment"
)

// StockMovement is the append-only audit row for one quantity change.
// Unique: (tenant_id, location_id, idempotency_key, inventory_item_id), which is
// what makes a replayed operation a no-op.
type StockMovement struct {
	ID              string          `gorm:"primaryKey;size:64" json:"id" validate:"required"`
	TenantId        string          `gorm:"primaryKey;size:64;uniqueIndex:uniq_movement_idem,priority:1" json:"tenant_id" validate:"required"`
	LocationId      string          `gorm:"size:80;not null;uniqueIndex:uniq_movement_idem,priority:2" json:"location_id" validate:"required,startswith=loc_"`
	IdempotencyKey  string          `gorm:"size:128;not null;uniqueIndex:uniq_movement_idem,priority:3" json:"idempotency_key" validate:"required"`
	InventoryItemId string          `gorm:"size:64;not null;uniqueIndex:uniq_movement_idem,priority:4;index" json:"inventory_item_id" validate:"required"`
	OrderId         string          `gorm:"size:64;index" json:"order_id"`
	Reason          MovementReason  `gorm:"size:20;not null" json:"reason" validate:"oneof=sale receiving waste adjustment"`
	Delta           decimal.Decimal `gorm:"type:decimal(20,4)" json:"delta"`
	RequestedDelta  decimal.Decimal `gorm:"type:decimal(20,4)" json:"requested_delta"`
	PreviousQty     decimal.Decimal `gorm:"type:decimal(20,4)" json:"previous_qty"`
	NewQty          decimal.Decimal `gorm:"type:decimal(20,4)" json:"new_qty"`
	// Clamped is set when the requested deduction was floored at zero.
	Clamped   bool      `gorm:"not null;default:false" json:"clamped"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *StockMovement) Path() string {
	return DocumentPath(CollectionStockMovements, m.TenantId, m.ID)
}

// StockDelta is the result of one atomic quantity change.
type StockDelta struct {
	Item        *InventoryItem
	PreviousQty decimal.Decimal
	NewQty      decimal.Decimal
	Applied     decimal.Decimal
	Clamped     bool
}
