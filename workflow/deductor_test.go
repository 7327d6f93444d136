package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
)

func TestFulfill_LatteDeductsMilkAndCoffee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0")
	f.seedInventory(t, "coffee", "Coffee", "1", "0")
	f.seedMenu(t, "latte", "4.50", byId("milk", "0.2"), byId("coffee", "0.02"))

	res, err := f.engine.Orders.Complete(ctx, f.scope, CompleteOrderRequest{
		IdempotencyKey: "ord-1",
		Lines:          []models.OrderLine{{ItemId: "latte", Quantity: 2, UnitPrice: dec("4.50")}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Status != FulfillmentApplied || len(res.Movements) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.quantity(t, "milk"); !got.Equal(dec("4.6")) {
		t.Fatalf("milk = %s, want 4.6", got)
	}
	if got := f.quantity(t, "coffee"); !got.Equal(dec("0.96")) {
		t.Fatalf("coffee = %s, want 0.96", got)
	}

	movements, err := f.store.ListStockMovements(ctx, f.scope, docstore.MovementFilter{OrderId: res.OrderId})
	if err != nil {
		t.Fatalf("ListStockMovements: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("movements = %d, want 2", len(movements))
	}
	for _, m := range movements {
		if m.Reason != models.MovementReasonSale || m.IdempotencyKey != "sale:ord-1" || m.Clamped {
			t.Fatalf("unexpected movement %+v", m)
		}
	}

	order, err := f.store.FindOrderByIdempotencyKey(ctx, f.scope, "ord-1")
	if err != nil {
		t.Fatalf("order not recorded: %v", err)
	}
	if !order.Total.Equal(dec("9")) {
		t.Fatalf("order total = %s, want 9", order.Total)
	}
}

func TestFulfill_ReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0")
	f.seedMenu(t, "latte", "4.50", byId("milk", "0.2"))

	req := CompleteOrderRequest{IdempotencyKey: "ord-1", Lines: []models.OrderLine{sold("latte", 1)}}
	first, err := f.engine.Orders.Complete(ctx, f.scope, req)
	if err != nil || first.Status != FulfillmentApplied {
		t.Fatalf("first: %+v %v", first, err)
	}
	// Same key, different lines: the stored order wins.
	req.Lines = []models.OrderLine{sold("latte", 10)}
	second, err := f.engine.Orders.Complete(ctx, f.scope, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Status != FulfillmentAlreadyApplied || second.OrderId != first.OrderId {
		t.Fatalf("replay result %+v", second)
	}
	if got := f.quantity(t, "milk"); !got.Equal(dec("4.8")) {
		t.Fatalf("milk = %s after replay, want 4.8", got)
	}

	order := completedOrder(f.scope, "ord-2", sold("latte", 1))
	for i := 0; i < 3; i++ {
		if _, err := f.engine.Deductor.Apply(ctx, f.scope, order); err != nil {
			t.Fatalf("Apply #%d: %v", i, err)
		}
	}
	if got := f.quantity(t, "milk"); !got.Equal(dec("4.6")) {
		t.Fatalf("milk = %s after repeated Apply, want 4.6", got)
	}
}

func TestComplete_OrderIdReusedUnderNewKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0")
	f.seedMenu(t, "latte", "4.50", byId("milk", "0.2"))

	if _, err := f.engine.Orders.Complete(ctx, f.scope, CompleteOrderRequest{ID: "o-7", IdempotencyKey: "till-a", Lines: []models.OrderLine{sold("latte", 1)}}); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := f.engine.Orders.Complete(ctx, f.scope, CompleteOrderRequest{ID: "o-7", IdempotencyKey: "till-b", Lines: []models.OrderLine{sold("latte", 1)}})
	if !errors.Is(err, models.ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
	if got := f.quantity(t, "milk"); !got.Equal(dec("4.8")) {
		t.Fatalf("milk = %s, want 4.8", got)
	}
}

func TestFulfill_ClampPolicyFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "0.3", "0")
	f.seedMenu(t, "latte", "4.50", byId("milk", "0.2"))

	res, err := f.engine.Deductor.Apply(ctx, f.scope, completedOrder(f.scope, "k1", sold("latte", 2)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	m := res.Movements[0]
	if !m.Clamped || !m.Delta.Equal(dec("-0.3")) || !m.RequestedDelta.Equal(dec("-0.4")) || !m.NewQty.IsZero() {
		t.Fatalf("unexpected movement %+v", m)
	}
	item, _ := f.store.GetInventoryItem(ctx, f.scope, "milk")
	if !item.Quantity.IsZero() || item.Status != models.StockStatusOutOfStock {
		t.Fatalf("milk = %s (%s)", item.Quantity, item.Status)
	}
}

func TestFulfill_RejectPolicyRollsBackWholeOrder(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.NegativeStockPolicy = config.NegativeStockReject
	f := newFixture(t, cfg)
	f.seedInventory(t, "coffee", "Coffee", "1", "0")
	f.seedInventory(t, "milk", "Milk", "0.3", "0")
	f.seedMenu(t, "latte", "4.50", byId("coffee", "0.02"), byId("milk", "0.2"))

	_, err := f.engine.Deductor.Apply(ctx, f.scope, completedOrder(f.scope, "k1", sold("latte", 2)))
	if !errors.Is(err, models.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := f.quantity(t, "coffee"); !got.Equal(dec("1")) {
		t.Fatalf("coffee = %s, partial deduction leaked", got)
	}
	if got := f.quantity(t, "milk"); !got.Equal(dec("0.3")) {
		t.Fatalf("milk = %s", got)
	}
	movements, _ := f.store.ListStockMovements(ctx, f.scope, docstore.MovementFilter{})
	if len(movements) != 0 {
		t.Fatalf("movements written for a rejected order: %d", len(movements))
	}
}

func TestFulfill_AggregatesPerIngredient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0")
	// One line by id, one by name: both resolve to the same record.
	f.seedMenu(t, "latte", "4.50", byId("milk", "0.2"), byName("  MILK ", "0.1"))
	f.seedMenu(t, "flat-white", "4.00", byId("milk", "0.15"))

	res, err := f.engine.Deductor.Apply(ctx, f.scope, completedOrder(f.scope, "k1",
		sold("latte", 1), sold("latte", 2), sold("flat-white", 2)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Movements) != 1 {
		t.Fatalf("movements = %d, want one per ingredient", len(res.Movements))
	}
	// 3 * (0.2 + 0.1) + 2 * 0.15
	if !res.Movements[0].Delta.Equal(dec("-1.2")) {
		t.Fatalf("delta = %s, want -1.2", res.Movements[0].Delta)
	}
	if got := f.quantity(t, "milk"); !got.Equal(dec("3.8")) {
		t.Fatalf("milk = %s, want 3.8", got)
	}
}

func TestFulfill_NameFallbackAndAutoCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "inv-sugar", "Sugar", "10", "0")
	f.seedMenu(t, "tea", "2.00",
		models.RecipeLine{IngredientId: "sugar", IngredientName: "sugar", Quantity: dec("0.5")},
		models.RecipeLine{IngredientId: "vanilla", IngredientName: "Vanilla Syrup", Quantity: dec("0.01")},
	)

	res, err := f.engine.Deductor.Apply(ctx, f.scope, completedOrder(f.scope, "k1", sold("tea", 1)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := f.quantity(t, "inv-sugar"); !got.Equal(dec("9.5")) {
		t.Fatalf("sugar = %s, want 9.5 via name match", got)
	}
	if len(res.AutoCreated) != 1 || res.AutoCreated[0] != "vanilla" {
		t.Fatalf("auto created = %v", res.AutoCreated)
	}
	vanilla, err := f.store.GetInventoryItem(ctx, f.scope, "vanilla")
	if err != nil {
		t.Fatalf("auto-created ingredient missing: %v", err)
	}
	if !vanilla.NeedsReview || vanilla.Name != "Vanilla Syrup" || !vanilla.Quantity.Equal(dec("99.99")) {
		t.Fatalf("unexpected auto-created item %+v", vanilla)
	}
}

func TestFulfill_IngredientIdOwnedByAnotherBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0.5")
	b2 := mustScope(t, "tenant-1", "B2")
	if _, err := f.engine.Menu.Upsert(ctx, b2, "latte", models.NewMenuItem{
		Name: "Latte", Price: dec("4.50"), Recipe: []models.RecipeLine{byId("milk", "0.2")},
	}); err != nil {
		t.Fatalf("Upsert in B2: %v", err)
	}

	res, err := f.engine.Deductor.Fulfill(ctx, b2, completedOrder(b2, "b2-sale-1", sold("latte", 2)))
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if res.Status != FulfillmentApplied || len(res.Movements) != 1 {
		t.Fatalf("status=%s movements=%d, want applied with one movement", res.Status, len(res.Movements))
	}
	if len(res.AutoCreated) != 1 || res.AutoCreated[0] == "milk" {
		t.Fatalf("auto created = %v, want one record under a new id", res.AutoCreated)
	}
	created, err := f.store.GetInventoryItem(ctx, b2, res.AutoCreated[0])
	if err != nil {
		t.Fatalf("auto-created record missing: %v", err)
	}
	if !created.NeedsReview || created.Name != "milk" || !created.Quantity.Equal(dec("99.6")) {
		t.Fatalf("unexpected auto-created record %+v", created)
	}
	if got := f.quantity(t, "milk"); !got.Equal(dec("5")) {
		t.Fatalf("B1 milk = %s, must be untouched", got)
	}

	// The next sale finds the record created for B2 instead of creating another.
	res, err = f.engine.Deductor.Fulfill(ctx, b2, completedOrder(b2, "b2-sale-2", sold("latte", 1)))
	if err != nil || res.Status != FulfillmentApplied || len(res.AutoCreated) != 0 {
		t.Fatalf("second sale: %+v %v", res, err)
	}
	movements, err := f.store.ListStockMovements(ctx, b2, docstore.MovementFilter{})
	if err != nil || len(movements) != 2 {
		t.Fatalf("B2 movements = %d (%v), want 2", len(movements), err)
	}
	if m := movements[1]; m.InventoryItemId != created.ID || !m.NewQty.Equal(dec("99.4")) {
		t.Fatalf("unexpected second movement %+v", m)
	}
}

func TestFulfill_LineWithoutRecipeIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0")
	f.seedMenu(t, "latte", "4.50", byId("milk", "0.2"))
	f.seedMenu(t, "water", "1.00")

	res, err := f.engine.Deductor.Apply(ctx, f.scope, completedOrder(f.scope, "k1",
		sold("latte", 1), sold("water", 1), sold("ghost", 1)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.SkippedItems) != 2 || res.SkippedItems[0] != "water" || res.SkippedItems[1] != "ghost" {
		t.Fatalf("skipped = %v", res.SkippedItems)
	}
	if got := f.quantity(t, "milk"); !got.Equal(dec("4.8")) {
		t.Fatalf("milk = %s", got)
	}
}

func TestFulfill_FallsBackToPOSRecipe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0")
	pos := &models.POSItem{
		ID:         "legacy-latte",
		TenantId:   f.scope.TenantId(),
		LocationId: f.scope.LocationId(),
		Name:       "Legacy Latte",
		Recipe:     []models.RecipeLine{byId("milk", "0.25")},
	}
	if err := f.store.SavePOSItem(ctx, f.scope, pos); err != nil {
		t.Fatalf("SavePOSItem: %v", err)
	}

	if _, err := f.engine.Deductor.Apply(ctx, f.scope, completedOrder(f.scope, "k1", sold("legacy-latte", 2))); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := f.quantity(t, "milk"); !got.Equal(dec("4.5")) {
		t.Fatalf("milk = %s, want 4.5", got)
	}
}

func TestFulfill_RefusesForeignOrUnfinishedOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	other := mustScope(t, "tenant-1", "B2")
	_, err := f.engine.Deductor.Apply(ctx, f.scope, completedOrder(other, "k1", sold("latte", 1)))
	if !models.IsScopeError(err) {
		t.Fatalf("expected scope error, got %v", err)
	}

	open := completedOrder(f.scope, "k2", sold("latte", 1))
	open.Status = models.OrderStatusOpen
	if _, err := f.engine.Deductor.Apply(ctx, f.scope, open); !errors.Is(err, models.ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument for open order, got %v", err)
	}
}

func TestFulfill_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0")
	f.seedMenu(t, "latte", "4.50", byId("milk", "0.2"))

	conflicts := 2
	f.store.SetFault(func(op string) error {
		if op == "RunTransaction" && conflicts > 0 {
			conflicts--
			return models.ErrConcurrencyConflict
		}
		return nil
	})
	res, err := f.engine.Deductor.Apply(ctx, f.scope, completedOrder(f.scope, "k1", sold("latte", 1)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Status != FulfillmentApplied || conflicts != 0 {
		t.Fatalf("status=%s conflicts left=%d", res.Status, conflicts)
	}
}

func TestFulfill_QueuesWhenStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0")
	f.seedMenu(t, "latte", "4.50", byId("milk", "0.2"))
	q := &recordingQueue{}
	f.engine.Deductor.Queue = q

	f.store.SetOffline(true)
	req := CompleteOrderRequest{ID: "o-1", IdempotencyKey: "ord-1", Lines: []models.OrderLine{sold("latte", 1)}}
	for i := 0; i < 2; i++ {
		res, err := f.engine.Orders.Complete(ctx, f.scope, req)
		if err != nil {
			t.Fatalf("Complete while offline: %v", err)
		}
		if res.Status != FulfillmentQueued || res.QueueEntryId == "" {
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if q.len() != 1 {
		t.Fatalf("queued %d entries for one order, want 1", q.len())
	}
	entry := q.entries[0]
	payload, ok := entry.payload.(OrderPayload)
	if entry.entryType != EntryTypeOrderFulfill || !ok || payload.Order.IdempotencyKey != "ord-1" || payload.LocationId != "loc_B1" {
		t.Fatalf("unexpected queued entry %+v", entry)
	}

	f.store.SetOffline(false)
	if got := f.quantity(t, "milk"); !got.Equal(dec("5")) {
		t.Fatalf("milk = %s, nothing should be applied yet", got)
	}
}

func TestFulfill_ExhaustedConflictsAreQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.seedInventory(t, "milk", "Milk", "5", "0")
	f.seedMenu(t, "latte", "4.50", byId("milk", "0.2"))
	q := &recordingQueue{}
	f.engine.Deductor.Queue = q

	f.store.SetFault(func(op string) error {
		if op == "RunTransaction" {
			return models.ErrConcurrencyConflict
		}
		return nil
	})
	res, err := f.engine.Deductor.Fulfill(ctx, f.scope, completedOrder(f.scope, "k1", sold("latte", 1)))
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if res.Status != FulfillmentQueued || q.len() != 1 {
		t.Fatalf("status=%s queued=%d", res.Status, q.len())
	}
}
