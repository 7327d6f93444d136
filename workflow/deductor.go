package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const EntryTypeOrderFulfill = "order.fulfill"

type FulfillmentStatus string

const (
	FulfillmentApplied        FulfillmentStatus = "applied"
	FulfillmentAlreadyApplied FulfillmentStatus = "already_applied"
	FulfillmentQueued         FulfillmentStatus = "queued"
)

type FulfillmentResult struct {
	OrderId        string                  `json:"orderId"`
	IdempotencyKey string                  `json:"idempotencyKey"`
	Status         FulfillmentStatus       `json:"status"`
	Movements      []*models.StockMovement `json:"movements,omitempty"`
	// SkippedItems are order line item ids that had no recipe anywhere.
	SkippedItems []string `json:"skippedItems,omitempty"`
	// AutoCreated are inventory ids created because a recipe referenced an
	// ingredient with no record.
	AutoCreated  []string `json:"autoCreated,omitempty"`
	QueueEntryId string   `json:"queueEntryId,omitempty"`
}

// OrderPayload is the queued form of an order write.
type OrderPayload struct {
	TenantId   string       `json:"tenantId"`
	LocationId string       `json:"locationId"`
	Order      models.Order `json:"order"`
}

type plannedDelta struct {
	line  models.RecipeLine
	delta decimal.Decimal
}

type resolvedDelta struct {
	itemId string
	delta  decimal.Decimal
}

// Deductor turns a completed order into one atomic set of ingredient stock
// deductions plus their movement records.
type Deductor struct {
	Store           docstore.Store
	Index           *RecipeIndex
	Queue           Enqueuer
	Logger          *logrus.Logger
	Policy          config.NegativeStockPolicy
	AutoCreateStock decimal.Decimal
	Retry           config.RetryPolicy
	QueueMaxRetries int

	now   func() time.Time
	sleep sleepFunc
}

func NewDeductor(store docstore.Store, index *RecipeIndex, queue Enqueuer, logger *logrus.Logger, cfg config.EngineConfig) *Deductor {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Deductor{
		Store:           store,
		Index:           index,
		Queue:           queue,
		Logger:          logger,
		Policy:          cfg.Policy(),
		AutoCreateStock: cfg.DefaultAutoCreateStock(),
		Retry:           cfg.RetryPolicy(),
		QueueMaxRetries: cfg.SyncMaxRetries,
		now:             time.Now,
		sleep:           sleepContext,
	}
}

func orderIdempotencyKey(o *models.Order) string {
	if o.IdempotencyKey != "" {
		return o.IdempotencyKey
	}
	return o.ID
}

// Fulfill applies order online. When the store is unreachable, or the write
// keeps conflicting, the order is handed to the sync queue and the result
// reports FulfillmentQueued.
func (d *Deductor) Fulfill(ctx context.Context, scope models.Scope, order *models.Order) (*FulfillmentResult, error) {
	res, err := d.Apply(ctx, scope, order)
	if err == nil || d.Queue == nil || !models.IsTransient(err) {
		return res, err
	}
	return d.enqueue(ctx, scope, order, err)
}

func (d *Deductor) enqueue(ctx context.Context, scope models.Scope, order *models.Order, cause error) (*FulfillmentResult, error) {
	key := orderIdempotencyKey(order)
	id := queueEntryID(EntryTypeOrderFulfill, scope, key)
	payload := OrderPayload{TenantId: scope.TenantId(), LocationId: scope.LocationId(), Order: *order}
	if _, err := d.Queue.EnqueueWithID(context.WithoutCancel(ctx), id, EntryTypeOrderFulfill, payload, d.QueueMaxRetries); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("queue order %s: %w", order.ID, err))
	}
	fields := scopeFields("Deductor", scope)
	fields["order_id"] = order.ID
	fields["queue_entry_id"] = id
	d.Logger.WithFields(fields).Warn("order fulfillment queued for replay: " + cause.Error())
	return &FulfillmentResult{
		OrderId:        order.ID,
		IdempotencyKey: key,
		Status:         FulfillmentQueued,
		QueueEntryId:   id,
	}, nil
}

// Apply is the strict path: every failure is returned, nothing is queued.
// Queue replay calls it directly.
func (d *Deductor) Apply(ctx context.Context, scope models.Scope, order *models.Order) (res *FulfillmentResult, err error) {
	ctx, span := tracer.Start(ctx, "Deductor.Apply", scopeAttributes(scope))
	span.SetAttributes(attribute.String("order_id", order.ID))
	defer func() { endSpan(span, err) }()

	if err := scope.Check(models.CollectionOrders, "fulfill", order.TenantId, order.LocationId); err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusCompleted {
		return nil, fmt.Errorf("%w: order %s is %s, only completed orders are fulfilled", models.ErrInvalidDocument, order.ID, order.Status)
	}

	key := orderIdempotencyKey(order)
	res = &FulfillmentResult{OrderId: order.ID, IdempotencyKey: key}
	plan, err := d.plan(ctx, scope, order, res)
	if err != nil {
		return nil, err
	}
	err = retryConflicts(ctx, d.Retry, d.sleep, func() error {
		return d.commit(ctx, scope, order, key, plan, res)
	})
	if err != nil {
		return nil, err
	}

	fields := scopeFields("Deductor", scope)
	fields["order_id"] = order.ID
	fields["idempotency_key"] = key
	fields["status"] = res.Status
	fields["movements"] = len(res.Movements)
	d.Logger.WithFields(fields).Info("order fulfillment finished")
	return res, nil
}

// plan aggregates the recipe deltas of every order line per ingredient key.
func (d *Deductor) plan(ctx context.Context, scope models.Scope, order *models.Order, res *FulfillmentResult) ([]plannedDelta, error) {
	byKey := map[string]int{}
	var plan []plannedDelta
	for _, ol := range order.Lines {
		recipe, err := d.recipeFor(ctx, scope, ol.ItemId)
		if err != nil {
			return nil, err
		}
		if len(recipe) == 0 {
			res.SkippedItems = append(res.SkippedItems, ol.ItemId)
			fields := scopeFields("Deductor", scope)
			fields["order_id"] = order.ID
			fields["item_id"] = ol.ItemId
			d.Logger.WithFields(fields).Warn("order line has no recipe; nothing deducted")
			continue
		}
		qty := decimal.NewFromInt(int64(ol.Quantity))
		for _, rl := range recipe {
			delta := rl.Quantity.Mul(qty).Neg()
			k := rl.Key()
			if i, ok := byKey[k]; ok {
				plan[i].delta = plan[i].delta.Add(delta)
				continue
			}
			byKey[k] = len(plan)
			plan = append(plan, plannedDelta{line: rl, delta: delta})
		}
	}
	return plan, nil
}

// recipeFor reads the recipe index and falls back to the POS item's copy of
// the recipe only when the index lookup fails.
func (d *Deductor) recipeFor(ctx context.Context, scope models.Scope, itemId string) ([]models.RecipeLine, error) {
	recipe, err := d.Index.GetRecipe(ctx, itemId, scope)
	if err == nil {
		return recipe, nil
	}
	pos, perr := d.Store.GetPOSItem(ctx, scope, itemId)
	if perr == nil && len(pos.Recipe) > 0 {
		fields := scopeFields("Deductor", scope)
		fields["item_id"] = itemId
		d.Logger.WithFields(fields).Warn("recipe index lookup failed, using POS item recipe: " + err.Error())
		return pos.Recipe, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if perr != nil && !errors.Is(perr, models.ErrNotFound) {
		return nil, perr
	}
	return nil, nil
}

func (d *Deductor) commit(ctx context.Context, scope models.Scope, order *models.Order, key string, plan []plannedDelta, res *FulfillmentResult) error {
	res.Movements, res.AutoCreated, res.Status = nil, nil, ""
	var missing []*models.IngredientNotFoundError
	mkey := movementKey(models.MovementReasonSale, key)

	err := d.Store.RunTransaction(ctx, func(tx docstore.Tx) error {
		missing = missing[:0]
		applied, err := tx.MovementsApplied(ctx, scope, mkey)
		if err != nil {
			return err
		}
		if applied {
			res.Status = FulfillmentAlreadyApplied
			return nil
		}

		// Two recipe keys can resolve to the same record (an id on one line,
		// the ingredient's name on another); deduct it once.
		byItem := map[string]int{}
		var deltas []resolvedDelta
		for _, p := range plan {
			item, created, err := d.resolve(ctx, tx, scope, p.line)
			if err != nil {
				return err
			}
			if created {
				res.AutoCreated = append(res.AutoCreated, item.ID)
				missing = append(missing, &models.IngredientNotFoundError{
					Scope:          scope,
					IngredientId:   p.line.IngredientId,
					IngredientName: p.line.IngredientName,
				})
			}
			if i, ok := byItem[item.ID]; ok {
				deltas[i].delta = deltas[i].delta.Add(p.delta)
				continue
			}
			byItem[item.ID] = len(deltas)
			deltas = append(deltas, resolvedDelta{itemId: item.ID, delta: p.delta})
		}

		now := d.now().UTC()
		for _, r := range deltas {
			sd, err := tx.ApplyStockDelta(ctx, scope, r.itemId, r.delta, d.Policy)
			if err != nil {
				return fmt.Errorf("deduct %s for order %s: %w", r.itemId, order.ID, err)
			}
			m := &models.StockMovement{
				ID:              uuid.NewString(),
				TenantId:        scope.TenantId(),
				LocationId:      scope.LocationId(),
				IdempotencyKey:  mkey,
				InventoryItemId: r.itemId,
				OrderId:         order.ID,
				Reason:          models.MovementReasonSale,
				Delta:           sd.Applied,
				RequestedDelta:  r.delta,
				PreviousQty:     sd.PreviousQty,
				NewQty:          sd.NewQty,
				Clamped:         sd.Clamped,
				CreatedAt:       now,
			}
			if err := appendMovement(ctx, tx, scope, m); err != nil {
				return err
			}
			res.Movements = append(res.Movements, m)
		}
		res.Status = FulfillmentApplied
		return nil
	})
	if errors.Is(err, errMovementRace) {
		// Lost the race to a concurrent replay of the same order.
		res.Movements, res.AutoCreated = nil, nil
		res.Status = FulfillmentAlreadyApplied
		return nil
	}
	if err != nil {
		return err
	}

	for _, nf := range missing {
		fields := scopeFields("Deductor", scope)
		fields["order_id"] = order.ID
		d.Logger.WithFields(fields).Warn("data quality: " + nf.Error() + "; auto-created with needs_review")
	}
	for _, m := range res.Movements {
		if m.Clamped {
			fields := scopeFields("Deductor", scope)
			fields["order_id"] = order.ID
			fields["inventory_item_id"] = m.InventoryItemId
			fields["requested_delta"] = m.RequestedDelta.String()
			fields["applied_delta"] = m.Delta.String()
			d.Logger.WithFields(fields).Warn("stock deduction clamped at zero")
		}
	}
	return nil
}

// resolve finds the inventory record a recipe line refers to: by id, then by
// case-insensitive name, and finally by creating it for review.
func (d *Deductor) resolve(ctx context.Context, tx docstore.Tx, scope models.Scope, line models.RecipeLine) (*models.InventoryItem, bool, error) {
	if line.IngredientId != "" {
		item, err := tx.GetInventoryItem(ctx, scope, line.IngredientId)
		if err == nil {
			return item, false, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, false, err
		}
	}
	// An id-only line also matches a record named after the id, which is how
	// a record auto-created under a fresh id is found again.
	name := strings.TrimSpace(line.IngredientName)
	if name == "" {
		name = strings.TrimSpace(line.IngredientId)
	}
	if name != "" {
		item, err := tx.FindInventoryItemByName(ctx, scope, name)
		if err == nil {
			return item, false, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, false, err
		}
	}

	item := &models.InventoryItem{
		ID:          line.IngredientId,
		TenantId:    scope.TenantId(),
		LocationId:  scope.LocationId(),
		Name:        name,
		Unit:        line.Unit,
		Quantity:    d.AutoCreateStock,
		NeedsReview: true,
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Name == "" {
		item.Name = item.ID
	}
	err := tx.CreateInventoryItem(ctx, scope, item)
	var cross *models.CrossScopeViolation
	if errors.As(err, &cross) {
		// Inventory ids are unique per tenant and another location owns this one.
		fields := scopeFields("Deductor", scope)
		fields["ingredient_id"] = line.IngredientId
		d.Logger.WithFields(fields).Warn("data quality: ingredient id belongs to another location; auto-creating under a new id")
		item.ID = uuid.NewString()
		err = tx.CreateInventoryItem(ctx, scope, item)
	}
	if err != nil {
		return nil, false, fmt.Errorf("auto-create ingredient %q: %w", item.Name, err)
	}
	return item, true, nil
}
