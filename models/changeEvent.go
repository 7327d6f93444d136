package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChangeKind string

const (
	ChangeKindCostChanged ChangeKind = "menu_item.cost_changed"
	ChangeKindMenuUpdated ChangeKind = "menu_item.updated"
	ChangeKindMenuDeleted ChangeKind = "menu_item.deleted"
)

// ChangeEvent is the notification dependent projections refresh on.
// JSON field names are the external wire format.
type ChangeEvent struct {
	Kind       ChangeKind      `json:"kind"`
	TenantId   string          `json:"tenantId"`
	LocationId string          `json:"locationId"`
	MenuItemId string          `json:"menuItemId"`
	OldCost    decimal.Decimal `json:"oldCost"`
	NewCost    decimal.Decimal `json:"newCost"`
	OccurredAt time.Time       `json:"occurredAt"`
}
