package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/shopspring/decimal"
)

// FaultFunc is consulted before every operation of a MemoryStore; a non-nil
// return fails that operation. op is the method name.
type FaultFunc func(op string) error

type memoryData struct {
	inventory map[string]*models.InventoryItem
	menu      map[string]*models.MenuItem
	pos       map[string]*models.POSItem
	orders    map[string]*models.Order
	movements []*models.StockMovement
}

// MemoryStore is an in-process Store for tests and local development.
// One mutex serializes every operation; RunTransaction snapshots the data
// and restores it when the callback fails.
type MemoryStore struct {
	mu      sync.Mutex
	data    memoryData
	offline bool
	fault   FaultFunc
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: memoryData{
			inventory: map[string]*models.InventoryItem{},
			menu:      map[string]*models.MenuItem{},
			pos:       map[string]*models.POSItem{},
			orders:    map[string]*models.Order{},
		},
		now: time.Now,
	}
}

// SetOffline makes every operation fail with ErrStoreUnavailable.
func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *MemoryStore) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// docKey scopes every map key by tenant so ids are unique per tenant,
// matching the (id, tenant_id) primary keys of the SQL tables.
func docKey(tenantId, id string) string {
	return tenantId + "\x00" + id
}

func (s *MemoryStore) check(op string) error {
	if s.offline {
		return models.ErrStoreUnavailable
	}
	if s.fault != nil {
		return s.fault(op)
	}
	return nil
}

func (s *MemoryStore) do(op string, fn func(d *memoryData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(op); err != nil {
		return err
	}
	return fn(&s.data)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.do("Ping", func(*memoryData) error { return ctx.Err() })
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("RunTransaction"); err != nil {
		return err
	}
	snapshot := s.data.clone()
	tx := &memoryTx{store: s, data: &s.data}
	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (d *memoryData) clone() memoryData {
	c := memoryData{
		inventory: make(map[string]*models.InventoryItem, len(d.inventory)),
		menu:      make(map[string]*models.MenuItem, len(d.menu)),
		pos:       make(map[string]*models.POSItem, len(d.pos)),
		orders:    make(map[string]*models.Order, len(d.orders)),
		movements: make([]*models.StockMovement, len(d.movements)),
	}
	for k, v := range d.inventory {
		item := *v
		c.inventory[k] = &item
	}
	for k, v := range d.menu {
		c.menu[k] = cloneMenuItem(v)
	}
	for k, v := range d.pos {
		p := *v
		p.Recipe = models.CloneRecipe(v.Recipe)
		c.pos[k] = &p
	}
	for k, v := range d.orders {
		c.orders[k] = cloneOrder(v)
	}
	copy(c.movements, d.movements)
	return c
}

func cloneMenuItem(m *models.MenuItem) *models.MenuItem {
	c := *m
	c.Recipe = models.CloneRecipe(m.Recipe)
	if m.CostUpdatedAt != nil {
		t := *m.CostUpdatedAt
		c.CostUpdatedAt = &t
	}
	return &c
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Lines = append([]models.OrderLine(nil), o.Lines...)
	return &c
}

// memoryTx runs with the store mutex already held.
type memoryTx struct {
	store *MemoryStore
	data  *memoryData
}

func (t *memoryTx) run(op string, fn func(d *memoryData) error) error {
	if err := t.store.check(op); err != nil {
		return err
	}
	return fn(t.data)
}

func (t *memoryTx) GetInventoryItem(ctx context.Context, scope models.Scope, id string) (out *models.InventoryItem, err error) {
	err = t.run("GetInventoryItem", func(d *memoryData) error {
		out, err = d.getInventory(scope, id)
		return err
	})
	return out, err
}

func (t *memoryTx) FindInventoryItemByName(ctx context.Context, scope models.Scope, name string) (out *models.InventoryItem, err error) {
	err = t.run("FindInventoryItemByName", func(d *memoryData) error {
		out, err = d.findInventoryByName(scope, name)
		return err
	})
	return out, err
}

func (t *memoryTx) CreateInventoryItem(ctx context.Context, scope models.Scope, item *models.InventoryItem) error {
	return t.run("CreateInventoryItem", func(d *memoryData) error {
		return d.createInventory(scope, item, t.store.now())
	})
}

func (t *memoryTx) ApplyStockDelta(ctx context.Context, scope models.Scope, itemId string, delta decimal.Decimal, policy config.NegativeStockPolicy) (out *models.StockDelta, err error) {
	err = t.run("ApplyStockDelta", func(d *memoryData) error {
		out, err = d.applyStockDelta(scope, itemId, delta, policy, t.store.now())
		return err
	})
	return out, err
}

func (t *memoryTx) MovementsApplied(ctx context.Context, scope models.Scope, key string) (applied bool, err error) {
	err = t.run("MovementsApplied", func(d *memoryData) error {
		applied = d.movementsApplied(scope, key)
		return nil
	})
	return applied, err
}

func (t *memoryTx) AppendMovement(ctx context.Context, scope models.Scope, m *models.StockMovement) error {
	return t.run("AppendMovement", func(d *memoryData) error {
		return d.appendMovement(scope, m, t.store.now())
	})
}

func (d *memoryData) getInventory(scope models.Scope, id string) (*models.InventoryItem, error) {
	item, ok := d.inventory[docKey(scope.TenantId(), id)]
	if !ok || !scope.Owns(item.TenantId, item.LocationId) {
		return nil, models.ErrNotFound
	}
	c := *item
	return &c, nil
}

func (d *memoryData) findInventoryByName(scope models.Scope, name string) (*models.InventoryItem, error) {
	key := models.FoldName(name)
	if key == "" {
		return nil, models.ErrNotFound
	}
	var best *models.InventoryItem
	for _, item := range d.inventory {
		if !scope.Owns(item.TenantId, item.LocationId) || models.FoldName(item.Name) != key {
			continue
		}
		if best == nil || item.ID < best.ID {
			best = item
		}
	}
	if best == nil {
		return nil, models.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (d *memoryData) createInventory(scope models.Scope, item *models.InventoryItem, now time.Time) error {
	item.NameKey = models.FoldName(item.Name)
	item.RefreshStatus()
	if err := checkDocument(scope, models.CollectionInventory, "create", item.TenantId, item.LocationId, item); err != nil {
		return err
	}
	k := docKey(item.TenantId, item.ID)
	if existing, exists := d.inventory[k]; exists {
		if !scope.Owns(existing.TenantId, existing.LocationId) {
			return &models.CrossScopeViolation{Collection: models.CollectionInventory, Op: "create", Detail: "id belongs to another location"}
		}
		return models.ErrAlreadyApplied
	}
	item.CreatedAt, item.UpdatedAt = now, now
	c := *item
	d.inventory[k] = &c
	return nil
}

func (d *memoryData) applyStockDelta(scope models.Scope, itemId string, delta decimal.Decimal, policy config.NegativeStockPolicy, now time.Time) (*models.StockDelta, error) {
	item, ok := d.inventory[docKey(scope.TenantId(), itemId)]
	if !ok || !scope.Owns(item.TenantId, item.LocationId) {
		return nil, models.ErrNotFound
	}
	prev := item.Quantity
	next, clamped, err := nextQuantity(prev, delta, policy)
	if err != nil {
		return nil, err
	}
	item.Quantity = next
	item.RefreshStatus()
	item.UpdatedAt = now
	c := *item
	return &models.StockDelta{
		Item:        &c,
		PreviousQty: prev,
		NewQty:      next,
		Applied:     next.Sub(prev),
		Clamped:     clamped,
	}, nil
}

func (d *memoryData) movementsApplied(scope models.Scope, key string) bool {
	for _, m := range d.movements {
		if scope.Owns(m.TenantId, m.LocationId) && m.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func (d *memoryData) appendMovement(scope models.Scope, m *models.StockMovement, now time.Time) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if err := checkDocument(scope, models.CollectionStockMovements, "create", m.TenantId, m.LocationId, m); err != nil {
		return err
	}
	for _, existing := range d.movements {
		if existing.TenantId == m.TenantId && existing.LocationId == m.LocationId &&
			existing.IdempotencyKey == m.IdempotencyKey && existing.InventoryItemId == m.InventoryItemId {
			return models.ErrAlreadyApplied
		}
	}
	c := *m
	d.movements = append(d.movements, &c)
	return nil
}

func (s *MemoryStore) GetInventoryItem(ctx context.Context, scope models.Scope, id string) (out *models.InventoryItem, err error) {
	err = s.do("GetInventoryItem", func(d *memoryData) error {
		out, err = d.getInventory(scope, id)
		return err
	})
	return out, err
}

func (s *MemoryStore) FindInventoryItemByName(ctx context.Context, scope models.Scope, name string) (out *models.InventoryItem, err error) {
	err = s.do("FindInventoryItemByName", func(d *memoryData) error {
		out, err = d.findInventoryByName(scope, name)
		return err
	})
	return out, err
}

func (s *MemoryStore) CreateInventoryItem(ctx context.Context, scope models.Scope, item *models.InventoryItem) error {
	return s.do("CreateInventoryItem", func(d *memoryData) error {
		return d.createInventory(scope, item, s.now())
	})
}

func (s *MemoryStore) ApplyStockDelta(ctx context.Context, scope models.Scope, itemId string, delta decimal.Decimal, policy config.NegativeStockPolicy) (out *models.StockDelta, err error) {
	err = s.do("ApplyStockDelta", func(d *memoryData) error {
		out, err = d.applyStockDelta(scope, itemId, delta, policy, s.now())
		return err
	})
	return out, err
}

func (s *MemoryStore) MovementsApplied(ctx context.Context, scope models.Scope, key string) (applied bool, err error) {
	err = s.do("MovementsApplied", func(d *memoryData) error {
		applied = d.movementsApplied(scope, key)
		return nil
	})
	return applied, err
}

func (s *MemoryStore) AppendMovement(ctx context.Context, scope models.Scope, m *models.StockMovement) error {
	return s.do("AppendMovement", func(d *memoryData) error {
		return d.appendMovement(scope, m, s.now())
	})
}

func (s *MemoryStore) ListInventoryItems(ctx context.Context, scope models.Scope) ([]*models.InventoryItem, error) {
	var out []*models.InventoryItem
	err := s.do("ListInventoryItems", func(d *memoryData) error {
		for _, item := range d.inventory {
			if scope.Owns(item.TenantId, item.LocationId) {
				c := *item
				out = append(out, &c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *MemoryStore) GetInventoryItems(ctx context.Context, scope models.Scope, ids []string) (map[string]*models.InventoryItem, error) {
	out := make(map[string]*models.InventoryItem, len(ids))
	err := s.do("GetInventoryItems", func(d *memoryData) error {
		for _, id := range ids {
			if item, err := d.getInventory(scope, id); err == nil {
				out[id] = item
			}
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) SetInventoryCost(ctx context.Context, scope models.Scope, id string, cost decimal.Decimal) (old decimal.Decimal, err error) {
	err = s.do("SetInventoryCost", func(d *memoryData) error {
		item, ok := d.inventory[docKey(scope.TenantId(), id)]
		if !ok || !scope.Owns(item.TenantId, item.LocationId) {
			return models.ErrNotFound
		}
		if cost.IsNegative() {
			return models.ErrInvalidDocument
		}
		old = item.CostPerUnit
		item.CostPerUnit = cost
		item.UpdatedAt = s.now()
		return nil
	})
	return old, err
}

func (s *MemoryStore) GetMenuItem(ctx context.Context, scope models.Scope, id string) (out *models.MenuItem, err error) {
	err = s.do("GetMenuItem", func(d *memoryData) error {
		m, ok := d.menu[docKey(scope.TenantId(), id)]
		if !ok || !scope.Owns(m.TenantId, m.LocationId) {
			return models.ErrNotFound
		}
		out = cloneMenuItem(m)
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListMenuItems(ctx context.Context, scope models.Scope) ([]*models.MenuItem, error) {
	var out []*models.MenuItem
	err := s.do("ListMenuItems", func(d *memoryData) error {
		for _, m := range d.menu {
			if scope.Owns(m.TenantId, m.LocationId) {
				out = append(out, cloneMenuItem(m))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *MemoryStore) SaveMenuItem(ctx context.Context, scope models.Scope, item *models.MenuItem) error {
	return s.do("SaveMenuItem", func(d *memoryData) error {
		if err := checkDocument(scope, models.CollectionMenuItems, "save", item.TenantId, item.LocationId, item); err != nil {
			return err
		}
		k := docKey(item.TenantId, item.ID)
		now := s.now()
		if existing, ok := d.menu[k]; ok {
			if !scope.Owns(existing.TenantId, existing.LocationId) {
				return &models.CrossScopeViolation{Collection: models.CollectionMenuItems, Op: "save", Detail: "id belongs to another location"}
			}
			item.Cost, item.Margin = existing.Cost, existing.Margin
			item.CostUpdatedAt, item.CostStale = existing.CostUpdatedAt, existing.CostStale
			item.CreatedAt = existing.CreatedAt
		} else {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		d.menu[k] = cloneMenuItem(item)
		return nil
	})
}

func (s *MemoryStore) UpdateMenuItemCost(ctx context.Context, scope models.Scope, id string, u CostUpdate) error {
	return s.do("UpdateMenuItemCost", func(d *memoryData) error {
		m, ok := d.menu[docKey(scope.TenantId(), id)]
		if !ok || !scope.Owns(m.TenantId, m.LocationId) {
			return models.ErrNotFound
		}
		at := u.UpdatedAt
		m.Cost, m.Margin, m.CostStale, m.CostUpdatedAt = u.Cost, u.Margin, u.Stale, &at
		return nil
	})
}

func (s *MemoryStore) MarkMenuItemCostStale(ctx context.Context, scope models.Scope, id string) error {
	return s.do("MarkMenuItemCostStale", func(d *memoryData) error {
		m, ok := d.menu[docKey(scope.TenantId(), id)]
		if !ok || !scope.Owns(m.TenantId, m.LocationId) {
			return models.ErrNotFound
		}
		m.CostStale = true
		return nil
	})
}

func (s *MemoryStore) DeleteMenuItem(ctx context.Context, scope models.Scope, id string) error {
	return s.do("DeleteMenuItem", func(d *memoryData) error {
		k := docKey(scope.TenantId(), id)
		m, ok := d.menu[k]
		if !ok || !scope.Owns(m.TenantId, m.LocationId) {
			return models.ErrNotFound
		}
		delete(d.menu, k)
		return nil
	})
}

func (s *MemoryStore) GetPOSItem(ctx context.Context, scope models.Scope, id string) (out *models.POSItem, err error) {
	err = s.do("GetPOSItem", func(d *memoryData) error {
		p, ok := d.pos[docKey(scope.TenantId(), id)]
		if !ok || !scope.Owns(p.TenantId, p.LocationId) {
			return models.ErrNotFound
		}
		c := *p
		c.Recipe = models.CloneRecipe(p.Recipe)
		out = &c
		return nil
	})
	return out, err
}

func (s *MemoryStore) SavePOSItem(ctx context.Context, scope models.Scope, item *models.POSItem) error {
	return s.do("SavePOSItem", func(d *memoryData) error {
		if err := checkDocument(scope, models.CollectionPOSItems, "save", item.TenantId, item.LocationId, item); err != nil {
			return err
		}
		k := docKey(item.TenantId, item.ID)
		if existing, ok := d.pos[k]; ok && !scope.Owns(existing.TenantId, existing.LocationId) {
			return &models.CrossScopeViolation{Collection: models.CollectionPOSItems, Op: "save", Detail: "id belongs to another location"}
		}
		c := *item
		c.Recipe = models.CloneRecipe(item.Recipe)
		d.pos[k] = &c
		return nil
	})
}

func (s *MemoryStore) DeletePOSItem(ctx context.Context, scope models.Scope, id string) error {
	return s.do("DeletePOSItem", func(d *memoryData) error {
		k := docKey(scope.TenantId(), id)
		if p, ok := d.pos[k]; ok && scope.Owns(p.TenantId, p.LocationId) {
			delete(d.pos, k)
		}
		return nil
	})
}

func (s *MemoryStore) GetOrder(ctx context.Context, scope models.Scope, id string) (out *models.Order, err error) {
	err = s.do("GetOrder", func(d *memoryData) error {
		o, ok := d.orders[docKey(scope.TenantId(), id)]
		if !ok || !scope.Owns(o.TenantId, o.LocationId) {
			return models.ErrNotFound
		}
		out = cloneOrder(o)
		return nil
	})
	return out, err
}

func (s *MemoryStore) FindOrderByIdempotencyKey(ctx context.Context, scope models.Scope, key string) (out *models.Order, err error) {
	err = s.do("FindOrderByIdempotencyKey", func(d *memoryData) error {
		for _, o := range d.orders {
			if scope.Owns(o.TenantId, o.LocationId) && o.IdempotencyKey == key {
				out = cloneOrder(o)
				return nil
			}
		}
		return models.ErrNotFound
	})
	return out, err
}

func (s *MemoryStore) SaveOrder(ctx context.Context, scope models.Scope, order *models.Order) error {
	return s.do("SaveOrder", func(d *memoryData) error {
		if err := checkDocument(scope, models.CollectionOrders, "create", order.TenantId, order.LocationId, order); err != nil {
			return err
		}
		for _, o := range d.orders {
			if o.TenantId == order.TenantId && o.LocationId == order.LocationId && o.IdempotencyKey == order.IdempotencyKey {
				return models.ErrAlreadyApplied
			}
		}
		k := docKey(order.TenantId, order.ID)
		if _, exists := d.orders[k]; exists {
			return models.ErrAlreadyApplied
		}
		d.orders[k] = cloneOrder(order)
		return nil
	})
}

func (s *MemoryStore) ListStockMovements(ctx context.Context, scope models.Scope, filter MovementFilter) ([]*models.StockMovement, error) {
	var out []*models.StockMovement
	err := s.do("ListStockMovements", func(d *memoryData) error {
		for _, m := range d.movements {
			if !scope.Owns(m.TenantId, m.LocationId) {
				continue
			}
			if filter.OrderId != "" && m.OrderId != filter.OrderId {
				continue
			}
			if filter.InventoryItemId != "" && m.InventoryItemId != filter.InventoryItemId {
				continue
			}
			if filter.IdempotencyKey != "" && m.IdempotencyKey != filter.IdempotencyKey {
				continue
			}
			c := *m
			out = append(out, &c)
		}
		return nil
	})
	return out, err
}
