package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/shopspring/decimal"
)

func mustScope(t *testing.T, tenant, branch string) models.Scope {
	t.Helper()
	s, err := models.ResolveScope(tenant, branch)
	if err != nil {
		t.Fatalf("ResolveScope(%q, %q): %v", tenant, branch, err)
	}
	return s
}

func seedItem(t *testing.T, st *MemoryStore, scope models.Scope, id, name, qty string) {
	t.Helper()
	err := st.CreateInventoryItem(context.Background(), scope, &models.InventoryItem{
		ID:           id,
		TenantId:     scope.TenantId(),
		LocationId:   scope.LocationId(),
		Name:         name,
		Quantity:     decimal.RequireFromString(qty),
		MinThreshold: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestMemoryStore_ApplyStockDeltaClamp(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	scope := mustScope(t, "t1", "B1")
	seedItem(t, st, scope, "milk", "Milk", "0.5")

	d, err := st.ApplyStockDelta(ctx, scope, "milk", decimal.RequireFromString("-2"), config.NegativeStockClamp)
	if err != nil {
		t.Fatalf("ApplyStockDelta: %v", err)
	}
	if !d.Clamped || !d.NewQty.IsZero() || !d.Applied.Equal(decimal.RequireFromString("-0.5")) {
		t.Fatalf("unexpected delta %+v", d)
	}
	item, _ := st.GetInventoryItem(ctx, scope, "milk")
	if item.Status != models.StockStatusOutOfStock {
		t.Fatalf("status = %s, want out-of-stock", item.Status)
	}
}

func TestMemoryStore_ApplyStockDeltaReject(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	scope := mustScope(t, "t1", "B1")
	seedItem(t, st, scope, "milk", "Milk", "0.5")

	_, err := st.ApplyStockDelta(ctx, scope, "milk", decimal.RequireFromString("-2"), config.NegativeStockReject)
	if !errors.Is(err, models.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	item, _ := st.GetInventoryItem(ctx, scope, "milk")
	if !item.Quantity.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("quantity changed to %s", item.Quantity)
	}
}

func TestMemoryStore_TransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	scope := mustScope(t, "t1", "B1")
	seedItem(t, st, scope, "milk", "Milk", "5")
	seedItem(t, st, scope, "coffee", "Coffee", "1")

	boom := errors.New("boom")
	err := st.RunTransaction(ctx, func(tx Tx) error {
		if _, err := tx.ApplyStockDelta(ctx, scope, "milk", decimal.NewFromInt(-1), config.NegativeStockClamp); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	item, _ := st.GetInventoryItem(ctx, scope, "milk")
	if !item.Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("partial write survived rollback: %s", item.Quantity)
	}
}

func TestMemoryStore_IsolatesLocations(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	b1 := mustScope(t, "t1", "B1")
	b2 := mustScope(t, "t1", "B2")
	seedItem(t, st, b1, "milk", "Milk", "5")

	if _, err := st.GetInventoryItem(ctx, b2, "milk"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("cross-branch read returned %v", err)
	}
	if _, err := st.FindInventoryItemByName(ctx, b2, "milk"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("cross-branch name lookup returned %v", err)
	}
	items, _ := st.ListInventoryItems(ctx, b2)
	if len(items) != 0 {
		t.Fatalf("cross-branch list returned %d items", len(items))
	}

	wrong := &models.InventoryItem{ID: "x", TenantId: "t1", LocationId: b1.LocationId(), Name: "X"}
	err := st.CreateInventoryItem(ctx, b2, wrong)
	var cross *models.CrossScopeViolation
	if !errors.As(err, &cross) {
		t.Fatalf("expected CrossScopeViolation, got %v", err)
	}
}

func TestMemoryStore_FindByNameIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	scope := mustScope(t, "t1", "B1")
	seedItem(t, st, scope, "b", "Whole Milk", "5")
	seedItem(t, st, scope, "a", "whole milk", "5")

	item, err := st.FindInventoryItemByName(ctx, scope, "  WHOLE MILK ")
	if err != nil {
		t.Fatalf("FindInventoryItemByName: %v", err)
	}
	if item.ID != "a" {
		t.Fatalf("expected lowest id to win, got %s", item.ID)
	}
}

func TestMemoryStore_DuplicateMovement(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	scope := mustScope(t, "t1", "B1")
	m := &models.StockMovement{
		ID: "m1", TenantId: "t1", LocationId: "loc_B1", IdempotencyKey: "k1",
		InventoryItemId: "milk", Reason: models.MovementReasonSale, Delta: decimal.NewFromInt(-1),
	}
	if err := st.AppendMovement(ctx, scope, m); err != nil {
		t.Fatalf("AppendMovement: %v", err)
	}
	dup := *m
	dup.ID = "m2"
	if err := st.AppendMovement(ctx, scope, &dup); !errors.Is(err, models.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	applied, _ := st.MovementsApplied(ctx, scope, "k1")
	if !applied {
		t.Fatalf("MovementsApplied = false")
	}
}

func TestMemoryStore_SaveMenuItemKeepsDerivedCost(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	scope := mustScope(t, "t1", "B1")
	item := &models.MenuItem{ID: "latte", TenantId: "t1", LocationId: "loc_B1", Name: "Latte", Price: decimal.NewFromInt(4)}
	if err := st.SaveMenuItem(ctx, scope, item); err != nil {
		t.Fatalf("SaveMenuItem: %v", err)
	}
	if err := st.UpdateMenuItemCost(ctx, scope, "latte", CostUpdate{Cost: decimal.NewFromInt(1), Margin: decimal.RequireFromString("0.75")}); err != nil {
		t.Fatalf("UpdateMenuItemCost: %v", err)
	}

	edit := &models.MenuItem{ID: "latte", TenantId: "t1", LocationId: "loc_B1", Name: "Latte L", Price: decimal.NewFromInt(5), Cost: decimal.NewFromInt(99)}
	if err := st.SaveMenuItem(ctx, scope, edit); err != nil {
		t.Fatalf("SaveMenuItem: %v", err)
	}
	got, _ := st.GetMenuItem(ctx, scope, "latte")
	if !got.Cost.Equal(decimal.NewFromInt(1)) || got.Name != "Latte L" {
		t.Fatalf("unexpected menu item %+v", got)
	}
}

func TestMemoryStore_Offline(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	st.SetOffline(true)
	if err := st.Ping(ctx); !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !models.IsTransient(st.Ping(ctx)) {
		t.Fatalf("offline error must be transient")
	}
	st.SetOffline(false)
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMemoryStore_SaveOrderIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	scope := mustScope(t, "t1", "B1")
	order := &models.Order{
		ID: "o1", TenantId: "t1", LocationId: "loc_B1", IdempotencyKey: "k1",
		Lines:  []models.OrderLine{{ItemId: "latte", Quantity: 1}},
		Status: models.OrderStatusCompleted,
	}
	if err := st.SaveOrder(ctx, scope, order); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	again := *order
	again.ID = "o2"
	if err := st.SaveOrder(ctx, scope, &again); !errors.Is(err, models.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
}

func TestMemoryStore_CreateInventoryItemIdOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	b1 := mustScope(t, "t1", "B1")
	b2 := mustScope(t, "t1", "B2")
	seedItem(t, st, b1, "milk", "Milk", "5")

	again := &models.InventoryItem{ID: "milk", TenantId: "t1", LocationId: b1.LocationId(), Name: "Milk"}
	if err := st.CreateInventoryItem(ctx, b1, again); !errors.Is(err, models.ErrAlreadyApplied) {
		t.Fatalf("same-location duplicate returned %v", err)
	}

	other := &models.InventoryItem{ID: "milk", TenantId: "t1", LocationId: b2.LocationId(), Name: "Milk"}
	err := st.CreateInventoryItem(ctx, b2, other)
	var cross *models.CrossScopeViolation
	if !errors.As(err, &cross) || errors.Is(err, models.ErrAlreadyApplied) {
		t.Fatalf("expected CrossScopeViolation for an id owned by B1, got %v", err)
	}
}
