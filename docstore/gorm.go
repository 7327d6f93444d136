package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/stock_engine/appctx"
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the MySQL-backed Store. Install NewScopeGuardPlugin on the
// connection; every statement issued here pins tenant_id and location_id.
type GormStore struct {
	gormWriter
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{gormWriter{db: db}}
}

// gormWriter carries the operations shared by the store and an open transaction.
type gormWriter struct {
	db *gorm.DB
}

// scoped returns a session bound to ctx with both scope columns pinned.
func (w gormWriter) scoped(ctx context.Context, scope models.Scope) *gorm.DB {
	ctx = appctx.Set(ctx, appctx.ContextKeyTenantId, scope.TenantId())
	ctx = appctx.Set(ctx, appctx.ContextKeyLocationId, scope.LocationId())
	return w.db.WithContext(ctx).Where("tenant_id = ? AND location_id = ?", scope.TenantId(), scope.LocationId())
}

func (w gormWriter) session(ctx context.Context, scope models.Scope) *gorm.DB {
	ctx = appctx.Set(ctx, appctx.ContextKeyTenantId, scope.TenantId())
	ctx = appctx.Set(ctx, appctx.ContextKeyLocationId, scope.LocationId())
	return w.db.WithContext(ctx)
}

func (w gormWriter) GetInventoryItem(ctx context.Context, scope models.Scope, id string) (*models.InventoryItem, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionInventory, "read", "", "")
	}
	var item models.InventoryItem
	if err := w.scoped(ctx, scope).Where("id = ?", id).Take(&item).Error; err != nil {
		return nil, translateError(err)
	}
	return &item, nil
}

func (w gormWriter) FindInventoryItemByName(ctx context.Context, scope models.Scope, name string) (*models.InventoryItem, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionInventory, "read", "", "")
	}
	key := models.FoldName(name)
	if key == "" {
		return nil, models.ErrNotFound
	}
	var item models.InventoryItem
	if err := w.scoped(ctx, scope).Where("name_key = ?", key).Order("id").Take(&item).Error; err != nil {
		return nil, translateError(err)
	}
	return &item, nil
}

func (w gormWriter) CreateInventoryItem(ctx context.Context, scope models.Scope, item *models.InventoryItem) error {
	item.NameKey = models.FoldName(item.Name)
	item.RefreshStatus()
	if err := checkDocument(scope, models.CollectionInventory, "create", item.TenantId, item.LocationId, item); err != nil {
		return err
	}
	err := w.session(ctx, scope).Create(item).Error
	if !isDuplicateKey(err) {
		return translateError(err)
	}
	// Ids are unique per tenant; tell a replay apart from another location's row.
	var count int64
	if cerr := w.scoped(ctx, scope).Model(&models.InventoryItem{}).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("id = ?", item.ID).Count(&count).Error; cerr != nil {
		return translateError(cerr)
	}
	if count == 0 {
		return &models.CrossScopeViolation{Collection: models.CollectionInventory, Op: "create", Detail: "id belongs to another location"}
	}
	return translateError(err)
}

func (w gormWriter) ApplyStockDelta(ctx context.Context, scope models.Scope, itemId string, delta decimal.Decimal, policy config.NegativeStockPolicy) (*models.StockDelta, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionInventory, "update", "", "")
	}
	var item models.InventoryItem
	err := w.scoped(ctx, scope).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", itemId).
		Take(&item).Error
	if err != nil {
		return nil, translateError(err)
	}

	prev := item.Quantity
	next, clamped, err := nextQuantity(prev, delta, policy)
	if err != nil {
		return nil, err
	}
	applied := next.Sub(prev)
	status := models.DeriveStockStatus(next, item.MinThreshold)
	now := time.Now().UTC()

	// Increment rather than overwrite; the row lock above makes prev exact.
	res := w.scoped(ctx, scope).
		Model(&models.InventoryItem{}).
		Where("id = ?", itemId).
		UpdateColumns(map[string]interface{}{
			"quantity":   gorm.Expr("quantity + ?", applied),
			"status":     status,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, translateError(res.Error)
	}

	item.Quantity = next
	item.Status = status
	item.UpdatedAt = now
	return &models.StockDelta{
		Item:        &item,
		PreviousQty: prev,
		NewQty:      next,
		Applied:     applied,
		Clamped:     clamped,
	}, nil
}

func (w gormWriter) MovementsApplied(ctx context.Context, scope models.Scope, key string) (bool, error) {
	if scope.IsZero() {
		return false, scope.Check(models.CollectionStockMovements, "read", "", "")
	}
	var count int64
	err := w.scoped(ctx, scope).Model(&models.StockMovement{}).Where("idempotency_key = ?", key).Count(&count).Error
	if err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

func (w gormWriter) AppendMovement(ctx context.Context, scope models.Scope, m *models.StockMovement) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := checkDocument(scope, models.CollectionStockMovements, "create", m.TenantId, m.LocationId, m); err != nil {
		return err
	}
	return translateError(w.session(ctx, scope).Create(m).Error)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return translateError(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return errors.Join(models.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *GormStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormWriter{db: tx})
	})
	return translateError(err)
}

// ApplyStockDelta outside a caller's transaction still needs one for the row lock.
func (s *GormStore) ApplyStockDelta(ctx context.Context, scope models.Scope, itemId string, delta decimal.Decimal, policy config.NegativeStockPolicy) (*models.StockDelta, error) {
	var out *models.StockDelta
	err := s.RunTransaction(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ApplyStockDelta(ctx, scope, itemId, delta, policy)
		return err
	})
	return out, err
}

func (s *GormStore) ListInventoryItems(ctx context.Context, scope models.Scope) ([]*models.InventoryItem, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionInventory, "read", "", "")
	}
	var items []*models.InventoryItem
	if err := s.scoped(ctx, scope).Order("id").Find(&items).Error; err != nil {
		return nil, translateError(err)
	}
	return items, nil
}

func (s *GormStore) GetInventoryItems(ctx context.Context, scope models.Scope, ids []string) (map[string]*models.InventoryItem, error) {
	out := make(map[string]*models.InventoryItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionInventory, "read", "", "")
	}
	var items []*models.InventoryItem
	if err := s.scoped(ctx, scope).Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, translateError(err)
	}
	for _, item := range items {
		out[item.ID] = item
	}
	return out, nil
}

func (s *GormStore) SetInventoryCost(ctx context.Context, scope models.Scope, id string, cost decimal.Decimal) (decimal.Decimal, error) {
	if cost.IsNegative() {
		return decimal.Zero, models.ErrInvalidDocument
	}
	var old decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w := gormWriter{db: tx}
		var item models.InventoryItem
		if err := w.scoped(ctx, scope).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&item).Error; err != nil {
			return err
		}
		old = item.CostPerUnit
		return w.scoped(ctx, scope).Model(&models.InventoryItem{}).Where("id = ?", id).
			UpdateColumns(map[string]interface{}{"cost_per_unit": cost, "updated_at": time.Now().UTC()}).Error
	})
	if err != nil {
		return decimal.Zero, translateError(err)
	}
	return old, nil
}

func (s *GormStore) GetMenuItem(ctx context.Context, scope models.Scope, id string) (*models.MenuItem, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionMenuItems, "read", "", "")
	}
	var item models.MenuItem
	if err := s.scoped(ctx, scope).Where("id = ?", id).Take(&item).Error; err != nil {
		return nil, translateError(err)
	}
	return &item, nil
}

func (s *GormStore) ListMenuItems(ctx context.Context, scope models.Scope) ([]*models.MenuItem, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionMenuItems, "read", "", "")
	}
	var items []*models.MenuItem
	if err := s.scoped(ctx, scope).Order("id").Find(&items).Error; err != nil {
		return nil, translateError(err)
	}
	return items, nil
}

func (s *GormStore) SaveMenuItem(ctx context.Context, scope models.Scope, item *models.MenuItem) error {
	if err := checkDocument(scope, models.CollectionMenuItems, "save", item.TenantId, item.LocationId, item); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w := gormWriter{db: tx}
		var existing models.MenuItem
		err := w.scoped(ctx, scope).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", item.ID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := w.session(ctx, scope).Create(item).Error; err != nil {
				if isDuplicateKey(err) {
					return &models.CrossScopeViolation{Collection: models.CollectionMenuItems, Op: "save", Detail: "id belongs to another location"}
				}
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}
		item.Cost, item.Margin = existing.Cost, existing.Margin
		item.CostUpdatedAt, item.CostStale = existing.CostUpdatedAt, existing.CostStale
		item.CreatedAt = existing.CreatedAt
		item.UpdatedAt = time.Now().UTC()
		return w.scoped(ctx, scope).Model(&models.MenuItem{}).Where("id = ?", item.ID).
			Select("name", "category", "price", "recipe", "updated_at").
			Updates(item).Error
	})
	return translateError(err)
}

func (s *GormStore) UpdateMenuItemCost(ctx context.Context, scope models.Scope, id string, u CostUpdate) error {
	if scope.IsZero() {
		return scope.Check(models.CollectionMenuItems, "update", "", "")
	}
	at := u.UpdatedAt
	res := s.scoped(ctx, scope).Model(&models.MenuItem{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"cost":            u.Cost,
			"margin":          u.Margin,
			"cost_stale":      u.Stale,
			"cost_updated_at": &at,
		})
	return translateError(res.Error)
}

func (s *GormStore) MarkMenuItemCostStale(ctx context.Context, scope models.Scope, id string) error {
	if scope.IsZero() {
		return scope.Check(models.CollectionMenuItems, "update", "", "")
	}
	res := s.scoped(ctx, scope).Model(&models.MenuItem{}).Where("id = ?", id).UpdateColumn("cost_stale", true)
	return translateError(res.Error)
}

func (s *GormStore) DeleteMenuItem(ctx context.Context, scope models.Scope, id string) error {
	if scope.IsZero() {
		return scope.Check(models.CollectionMenuItems, "delete", "", "")
	}
	res := s.scoped(ctx, scope).Where("id = ?", id).Delete(&models.MenuItem{})
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *GormStore) GetPOSItem(ctx context.Context, scope models.Scope, id string) (*models.POSItem, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionPOSItems, "read", "", "")
	}
	var item models.POSItem
	if err := s.scoped(ctx, scope).Where("id = ?", id).Take(&item).Error; err != nil {
		return nil, translateError(err)
	}
	return &item, nil
}

func (s *GormStore) SavePOSItem(ctx context.Context, scope models.Scope, item *models.POSItem) error {
	if err := checkDocument(scope, models.CollectionPOSItems, "save", item.TenantId, item.LocationId, item); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w := gormWriter{db: tx}
		res := w.scoped(ctx, scope).Where("id = ?", item.ID).Delete(&models.POSItem{})
		if res.Error != nil {
			return res.Error
		}
		if err := w.session(ctx, scope).Create(item).Error; err != nil {
			if isDuplicateKey(err) {
				return &models.CrossScopeViolation{Collection: models.CollectionPOSItems, Op: "save", Detail: "id belongs to another location"}
			}
			return err
		}
		return nil
	})
	return translateError(err)
}

func (s *GormStore) DeletePOSItem(ctx context.Context, scope models.Scope, id string) error {
	if scope.IsZero() {
		return scope.Check(models.CollectionPOSItems, "delete", "", "")
	}
	return translateError(s.scoped(ctx, scope).Where("id = ?", id).Delete(&models.POSItem{}).Error)
}

func (s *GormStore) GetOrder(ctx context.Context, scope models.Scope, id string) (*models.Order, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionOrders, "read", "", "")
	}
	var order models.Order
	if err := s.scoped(ctx, scope).Where("id = ?", id).Take(&order).Error; err != nil {
		return nil, translateError(err)
	}
	return &order, nil
}

func (s *GormStore) FindOrderByIdempotencyKey(ctx context.Context, scope models.Scope, key string) (*models.Order, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionOrders, "read", "", "")
	}
	var order models.Order
	if err := s.scoped(ctx, scope).Where("idempotency_key = ?", key).Take(&order).Error; err != nil {
		return nil, translateError(err)
	}
	return &order, nil
}

func (s *GormStore) SaveOrder(ctx context.Context, scope models.Scope, order *models.Order) error {
	if err := checkDocument(scope, models.CollectionOrders, "create", order.TenantId, order.LocationId, order); err != nil {
		return err
	}
	return translateError(s.session(ctx, scope).Create(order).Error)
}

func (s *GormStore) ListStockMovements(ctx context.Context, scope models.Scope, filter MovementFilter) ([]*models.StockMovement, error) {
	if scope.IsZero() {
		return nil, scope.Check(models.CollectionStockMovements, "read", "", "")
	}
	q := s.scoped(ctx, scope)
	if filter.OrderId != "" {
		q = q.Where("order_id = ?", filter.OrderId)
	}
	if filter.InventoryItemId != "" {
		q = q.Where("inventory_item_id = ?", filter.InventoryItemId)
	}
	if filter.IdempotencyKey != "" {
		q = q.Where("idempotency_key = ?", filter.IdempotencyKey)
	}
	var out []*models.StockMovement
	if err := q.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Tx    = gormWriter{}
	_ Tx    = (*memoryTx)(nil)
)
