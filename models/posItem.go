package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// POSItem is a read-optimized copy of a MenuItem for point-of-sale lookup.
// It is a cache: regenerated from the MenuItem on every change notification.
type POSItem struct {
	ID          string          `gorm:"primaryKey;size:64" json:"id" validate:"required"`
	TenantId    string          `gorm:"primaryKey;size:64;index:idx_pos_scope,priority:1" json:"tenant_id" validate:"required"`
	LocationId  string          `gorm:"size:80;not null;index:idx_pos_scope,priority:2" json:"location_id" validate:"required,startswith=loc_"`
	Name        string          `gorm:"size:150;not null" json:"name" validate:"required"`
	Category    string          `gorm:"size:50" json:"category"`
	Price       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	Cost        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cost"`
	Recipe      []RecipeLine    `gorm:"serializer:json;type:text" json:"recipe"`
	ProjectedAt time.Time       `json:"projected_at"`
}

func ProjectPOSItem(m *MenuItem, now time.Time) *POSItem {
	return &POSItem{
		ID:          m.ID,
		TenantId:    m.TenantId,
		LocationId:  m.LocationId,
		Name:        m.Name,
		Category:    m.Category,
		Price:       m.Price,
		Cost:        m.Cost,
		Recipe:      CloneRecipe(m.Recipe),
		ProjectedAt: now,
	}
}

func (p *POSItem) Path() string {
	return DocumentPath(CollectionPOSItems, p.TenantId, p.ID)
}
