// Package docstore is the scoped document store the engine reads and writes
// through. Every accessor takes a models.Scope; there is no unscoped read.
package docstore

import (
	"context"
	"time"

	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/shopspring/decimal"
)

// InventoryWriter is the set of inventory operations that must run inside one
// atomic unit when an order or adjustment touches several ingredients.
type InventoryWriter interface {
	GetInventoryItem(ctx context.Context, scope models.Scope, id string) (*models.InventoryItem, error)
	// FindInventoryItemByName matches FoldName(name); the lowest id wins on ties.
	FindInventoryItemByName(ctx context.Context, scope models.Scope, name string) (*models.InventoryItem, error)
	// CreateInventoryItem returns ErrAlreadyApplied when the id exists in this
	// scope and a CrossScopeViolation when another location of the tenant owns it.
	CreateInventoryItem(ctx context.Context, scope models.Scope, item *models.InventoryItem) error
	// ApplyStockDelta is the only way quantity changes. The status is
	// re-derived in the same write.
	ApplyStockDelta(ctx context.Context, scope models.Scope, itemId string, delta decimal.Decimal, policy config.NegativeStockPolicy) (*models.StockDelta, error)
	// MovementsApplied reports whether any movement carries idempotencyKey.
	MovementsApplied(ctx context.Context, scope models.Scope, idempotencyKey string) (bool, error)
	// AppendMovement returns ErrAlreadyApplied on a duplicate (key, item).
	AppendMovement(ctx context.Context, scope models.Scope, m *models.StockMovement) error
}

// Tx is an open atomic unit. It is only valid inside RunTransaction's callback.
type Tx interface {
	InventoryWriter
}

type CostUpdate struct {
	Cost      decimal.Decimal
	Margin    decimal.Decimal
	Stale     bool
	UpdatedAt time.Time
}

type MovementFilter struct {
	OrderId         string
	InventoryItemId string
	IdempotencyKey  string
}

type Store interface {
	InventoryWriter

	ListInventoryItems(ctx context.Context, scope models.Scope) ([]*models.InventoryItem, error)
	// GetInventoryItems returns the items that exist among ids, keyed by id.
	GetInventoryItems(ctx context.Context, scope models.Scope, ids []string) (map[string]*models.InventoryItem, error)
	// SetInventoryCost replaces costPerUnit and returns the previous value.
	SetInventoryCost(ctx context.Context, scope models.Scope, id string, cost decimal.Decimal) (decimal.Decimal, error)

	GetMenuItem(ctx context.Context, scope models.Scope, id string) (*models.MenuItem, error)
	ListMenuItems(ctx context.Context, scope models.Scope) ([]*models.MenuItem, error)
	// SaveMenuItem creates or replaces the authored fields of a menu item.
	// Derived cost fields are kept from the stored row.
	SaveMenuItem(ctx context.Context, scope models.Scope, item *models.MenuItem) error
	UpdateMenuItemCost(ctx context.Context, scope models.Scope, id string, u CostUpdate) error
	MarkMenuItemCostStale(ctx context.Context, scope models.Scope, id string) error
	DeleteMenuItem(ctx context.Context, scope models.Scope, id string) error

	GetPOSItem(ctx context.Context, scope models.Scope, id string) (*models.POSItem, error)
	SavePOSItem(ctx context.Context, scope models.Scope, item *models.POSItem) error
	DeletePOSItem(ctx context.Context, scope models.Scope, id string) error

	GetOrder(ctx context.Context, scope models.Scope, id string) (*models.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, scope models.Scope, key string) (*models.Order, error)
	// SaveOrder inserts the order; a second order with the same idempotency
	// key returns ErrAlreadyApplied.
	SaveOrder(ctx context.Context, scope models.Scope, order *models.Order) error

	ListStockMovements(ctx context.Context, scope models.Scope, filter MovementFilter) ([]*models.StockMovement, error)

	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// nextQuantity applies the negative-stock policy to one delta.
func nextQuantity(prev, delta decimal.Decimal, policy config.NegativeStockPolicy) (next decimal.Decimal, clamped bool, err error) {
	next = prev.Add(delta)
	if !next.IsNegative() {
		return next, false, nil
	}
	if policy == config.NegativeStockReject {
		return prev, false, models.ErrInsufficientStock
	}
	return decimal.Zero, true, nil
}

// checkDocument validates doc and pins it to scope.
func checkDocument(scope models.Scope, collection models.Collection, op, tenantId, locationId string, doc any) error {
	if err := scope.Check(collection, op, tenantId, locationId); err != nil {
		return err
	}
	return models.ValidateDocument(doc)
}
