package workflow

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	// Tests flush the cost synchronizer by hand unless they test the timer.
	cfg.CostSyncDelay = time.Hour
	cfg.ConflictMaxRetries = 3
	cfg.SyncBaseBackoff = time.Millisecond
	cfg.SyncMaxBackoff = 10 * time.Millisecond
	cfg.SyncMaxRetries = 3
	return cfg
}

type fixture struct {
	store  *docstore.MemoryStore
	engine *Engine
	scope  models.Scope
}

func newFixture(t *testing.T, cfg config.EngineConfig) *fixture {
	t.Helper()
	store := docstore.NewMemoryStore()
	e := NewEngine(store, nil, nil, quietLogger(), cfg)
	t.Cleanup(e.Close)
	noSleep := func(context.Context, time.Duration) error { return nil }
	e.Deductor.sleep = noSleep
	e.Inventory.sleep = noSleep
	return &fixture{store: store, engine: e, scope: mustScope(t, "tenant-1", "B1")}
}

func mustScope(t *testing.T, tenantId, branchId string) models.Scope {
	t.Helper()
	s, err := models.ResolveScope(tenantId, branchId)
	if err != nil {
		t.Fatalf("ResolveScope(%q, %q): %v", tenantId, branchId, err)
	}
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func byId(id, qty string) models.RecipeLine {
	return models.RecipeLine{IngredientId: id, Quantity: dec(qty)}
}

func byName(name, qty string) models.RecipeLine {
	return models.RecipeLine{IngredientName: name, Quantity: dec(qty)}
}

func (f *fixture) seedInventory(t *testing.T, id, name, qty, cost string) {
	t.Helper()
	item := &models.InventoryItem{
		ID:          id,
		TenantId:    f.scope.TenantId(),
		LocationId:  f.scope.LocationId(),
		Name:        name,
		Unit:        "unit",
		Quantity:    dec(qty),
		CostPerUnit: dec(cost),
	}
	if err := f.store.CreateInventoryItem(context.Background(), f.scope, item); err != nil {
		t.Fatalf("seed inventory %s: %v", id, err)
	}
}

func (f *fixture) seedMenu(t *testing.T, id, price string, recipe ...models.RecipeLine) *models.MenuItem {
	t.Helper()
	res, err := f.engine.Menu.Upsert(context.Background(), f.scope, id, models.NewMenuItem{
		Name:   id,
		Price:  dec(price),
		Recipe: recipe,
	})
	if err != nil {
		t.Fatalf("seed menu %s: %v", id, err)
	}
	if err := f.engine.Index.Verify(f.scope); err != nil {
		t.Fatalf("index inconsistent after upsert of %s: %v", id, err)
	}
	return res.Item
}

func (f *fixture) quantity(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	item, err := f.store.GetInventoryItem(context.Background(), f.scope, id)
	if err != nil {
		t.Fatalf("get inventory %s: %v", id, err)
	}
	return item.Quantity
}

func (f *fixture) menuItem(t *testing.T, id string) *models.MenuItem {
	t.Helper()
	m, err := f.store.GetMenuItem(context.Background(), f.scope, id)
	if err != nil {
		t.Fatalf("get menu item %s: %v", id, err)
	}
	return m
}

func completedOrder(scope models.Scope, key string, lines ...models.OrderLine) *models.Order {
	now := time.Now().UTC()
	return &models.Order{
		ID:             "order-" + key,
		TenantId:       scope.TenantId(),
		LocationId:     scope.LocationId(),
		IdempotencyKey: key,
		Lines:          lines,
		Status:         models.OrderStatusCompleted,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
}

func sold(itemId string, qty int) models.OrderLine {
	return models.OrderLine{ItemId: itemId, Quantity: qty, UnitPrice: dec("1")}
}

type queuedWrite struct {
	id, entryType string
	payload any
}

// recordingQueue stands in for the sync queue where only the handoff matters.
type recordingQueue struct {
	mu      sync.Mutex
	entries []queuedWrite
}

func (q *recordingQueue) EnqueueWithID(ctx context.Context, id, entryType string, payload any, maxRetries int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.id == id {
			return false, nil
		}
	}
	q.entries = append(q.entries, queuedWrite{id: id, entryType: entryType, payload: payload})
	return true, nil
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// captureEvents subscribes to bus and returns the events seen so far on each call.
func captureEvents(bus *ChangeBus, kind models.ChangeKind) func() []models.ChangeEvent {
	var mu sync.Mutex
	var seen []models.ChangeEvent
	bus.Subscribe(func(ctx context.Context, ev models.ChangeEvent) {
		if ev.Kind != kind {
			return
		}
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})
	return func() []models.ChangeEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]models.ChangeEvent(nil), seen...)
	}
}
