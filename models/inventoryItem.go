package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type StockStatus string

const (
	StockStatusOutOfStock StockStatus = "out-of-stock"
	StockStatusLowStock   StockStatus = "low-stock"
	StockStatusWarning    StockStatus = "warning"
	StockStatusGood       StockStatus = "good"
)

var warningFactor = decimal.RequireFromString("1.5")

// DeriveStockStatus is the only source of InventoryItem.Status.
func DeriveStockStatus(quantity, minThreshold decimal.Decimal) StockStatus {
	switch {
	case quantity.LessThanOrEqual(decimal.Zero):
		return StockStatusOutOfStock
	case quantity.LessThanOrEqual(minThreshold):
		return StockStatusLowStock
	case quantity.LessThanOrEqual(minThreshold.Mul(warningFactor)):
		return StockStatusWarning
	default:
		return StockStatusGood
	}
}

type InventoryItem struct {
	ID         string `gorm:"primaryKey;size:64" json:"id" validate:"required"`
	TenantId   string `gorm:"primaryKey;size:64;index:idx_inventory_scope,priority:1" json:"tenant_id" validate:"required"`
	LocationId string `gorm:"size:80;not null;index:idx_inventory_scope,priority:2" json:"location_id" validate:"required,startswith=loc_"`
	Name       string `gorm:"size:150;not null" json:"name" validate:"required"`
	// NameKey is FoldName(Name), the lookup key for name-based ingredient matching.
	NameKey      string          `gorm:"size:150;not null;index" json:"-"`
	Unit         string          `gorm:"size:20" json:"unit"`
	Quantity     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity" validate:"gte=0"`
	MinThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"min_threshold" validate:"gte=0"`
	CostPerUnit  decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"cost_per_unit" validate:"gte=0"`
	Status       StockStatus     `gorm:"size:20;not null" json:"status"`
	// NeedsReview is set on records auto-created during fulfillment.
	NeedsReview bool      `gorm:"not null;default:false" json:"needs_review"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RefreshStatus re-derives Status from the current quantity.
func (i *InventoryItem) RefreshStatus() {
	i.Status = DeriveStockStatus(i.Quantity, i.MinThreshold)
}

// BeforeSave keeps the stored status consistent with the stored quantity.
func (i *InventoryItem) BeforeSave(tx *gorm.DB) error {
	i.NameKey = FoldName(i.Name)
	i.RefreshStatus()
	return nil
}

func (i *InventoryItem) Path() string {
	return DocumentPath(CollectionInventory, i.TenantId, i.ID)
}

type NewInventoryItem struct {
	Name         string          `json:"name" binding:"required"`
	Unit         string          `json:"unit"`
	Quantity     decimal.Decimal `json:"quantity"`
	MinThreshold decimal.Decimal `json:"min_threshold"`
	CostPerUnit  decimal.Decimal `json:"cost_per_unit"`
}
