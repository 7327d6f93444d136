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
)

const (
	EntryTypeInventoryCreate  = "inventory.create"
	EntryTypeInventoryReceive = "inventory.receive"
	EntryTypeInventoryAdjust  = "inventory.adjust"
	EntryTypeInventorySetCost = "inventory.set_cost"
)

type ReceiveRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	// UnitCost, when set, replaces the ingredient's cost per unit.
	UnitCost       *decimal.Decimal `json:"unit_cost"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type AdjustRequest struct {
	Delta          decimal.Decimal       `json:"delta"`
	Reason         models.MovementReason `json:"reason"`
	IdempotencyKey string                `json:"idempotency_key"`
}

type SetCostRequest struct {
	CostPerUnit decimal.Decimal `json:"cost_per_unit"`
}

// StockChangeResult reports one receiving or adjustment write.
type StockChangeResult struct {
	Item           *models.InventoryItem `json:"item,omitempty"`
	Movement       *models.StockMovement `json:"movement,omitempty"`
	AlreadyApplied bool                  `json:"alreadyApplied,omitempty"`
	Queued         bool                  `json:"queued,omitempty"`
	QueueEntryId   string                `json:"queueEntryId,omitempty"`
}

// InventoryPayload is the queued form of every inventory write.
type InventoryPayload struct {
	TenantId   string                `json:"tenantId"`
	LocationId string                `json:"locationId"`
	ItemId     string                `json:"itemId"`
	Create     *models.InventoryItem `json:"create,omitempty"`
	Receive    *ReceiveRequest       `json:"receive,omitempty"`
	Adjust     *AdjustRequest        `json:"adjust,omitempty"`
	SetCost    *SetCostRequest       `json:"setCost,omitempty"`
}

// InventoryService runs receiving, waste, manual adjustment and cost edits.
// Quantity changes use the same atomic delta primitive as order fulfillment.
type InventoryService struct {
	Store           docstore.Store
	Queue           Enqueuer
	Costs           *CostSynchronizer
	Logger          *logrus.Logger
	Policy          config.NegativeStockPolicy
	Retry           config.RetryPolicy
	QueueMaxRetries int

	now   func() time.Time
	sleep sleepFunc
}

func NewInventoryService(store docstore.Store, queue Enqueuer, costs *CostSynchronizer, logger *logrus.Logger, cfg config.EngineConfig) *InventoryService {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &InventoryService{
		Store:           store,
		Queue:           queue,
		Costs:           costs,
		Logger:          logger,
		Policy:          cfg.Policy(),
		Retry:           cfg.RetryPolicy(),
		QueueMaxRetries: cfg.SyncMaxRetries,
		now:             time.Now,
		sleep:           sleepContext,
	}
}

// CreateItem adds an inventory record. A missing id is generated.
func (s *InventoryService) CreateItem(ctx context.Context, scope models.Scope, id string, in models.NewInventoryItem) (*models.InventoryItem, bool, error) {
	if id == "" {
		id = uuid.NewString()
	}
	item := &models.InventoryItem{
		ID:           id,
		TenantId:     scope.TenantId(),
		LocationId:   scope.LocationId(),
		Name:         strings.TrimSpace(in.Name),
		Unit:         in.Unit,
		Quantity:     in.Quantity,
		MinThreshold: in.MinThreshold,
		CostPerUnit:  in.CostPerUnit,
	}
	err := s.Store.CreateInventoryItem(ctx, scope, item)
	if err == nil || !s.queueable(err) {
		return item, false, err
	}
	payload := InventoryPayload{TenantId: scope.TenantId(), LocationId: scope.LocationId(), ItemId: id, Create: item}
	if _, qerr := s.enqueue(ctx, scope, EntryTypeInventoryCreate, id, payload, err); qerr != nil {
		return nil, false, qerr
	}
	return item, true, nil
}

func (s *InventoryService) applyCreate(ctx context.Context, scope models.Scope, item *models.InventoryItem) error {
	err := s.Store.CreateInventoryItem(ctx, scope, item)
	if errors.Is(err, models.ErrAlreadyApplied) {
		return nil
	}
	return err
}

// Receive adds stock and, when the delivery carries a unit cost, updates the
// ingredient cost.
func (s *InventoryService) Receive(ctx context.Context, scope models.Scope, itemId string, req ReceiveRequest) (*StockChangeResult, error) {
	if err := validateReceive(req); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	res, err := s.applyReceive(ctx, scope, itemId, req)
	if err == nil || !s.queueable(err) {
		return res, err
	}
	payload := InventoryPayload{TenantId: scope.TenantId(), LocationId: scope.LocationId(), ItemId: itemId, Receive: &req}
	return s.enqueue(ctx, scope, EntryTypeInventoryReceive, req.IdempotencyKey, payload, err)
}

func validateReceive(req ReceiveRequest) error {
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: received quantity must be positive", models.ErrInvalidDocument)
	}
	if req.UnitCost != nil && req.UnitCost.IsNegative() {
		return fmt.Errorf("%w: unit cost must not be negative", models.ErrInvalidDocument)
	}
	return nil
}

func (s *InventoryService) applyReceive(ctx context.Context, scope models.Scope, itemId string, req ReceiveRequest) (*StockChangeResult, error) {
	res, err := s.applyMovement(ctx, scope, itemId, req.Quantity, models.MovementReasonReceiving, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	// The cost write is idempotent, so a replayed receipt repeats it.
	if req.UnitCost != nil {
		if err := s.applySetCost(ctx, scope, itemId, *req.UnitCost); err != nil {
			return nil, err
		}
		if res.Item != nil {
			res.Item.CostPerUnit = *req.UnitCost
		}
	}
	return res, nil
}

// Adjust applies a manual correction (either sign) or waste (negative).
func (s *InventoryService) Adjust(ctx context.Context, scope models.Scope, itemId string, req AdjustRequest) (*StockChangeResult, error) {
	if err := validateAdjust(&req); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	res, err := s.applyMovement(ctx, scope, itemId, req.Delta, req.Reason, req.IdempotencyKey)
	if err == nil || !s.queueable(err) {
		return res, err
	}
	payload := InventoryPayload{TenantId: scope.TenantId(), LocationId: scope.LocationId(), ItemId: itemId, Adjust: &req}
	return s.enqueue(ctx, scope, EntryTypeInventoryAdjust, req.IdempotencyKey, payload, err)
}

func validateAdjust(req *AdjustRequest) error {
	if req.Reason == "" {
		req.Reason = models.MovementReasonAdjustment
	}
	switch req.Reason {
	case models.MovementReasonAdjustment:
		if req.Delta.IsZero() {
			return fmt.Errorf("%w: adjustment delta must not be zero", models.ErrInvalidDocument)
		}
	case models.MovementReasonWaste:
		if !req.Delta.IsNegative() {
			return fmt.Errorf("%w: waste must be recorded as a negative delta", models.ErrInvalidDocument)
		}
	default:
		return fmt.Errorf("%w: reason %q is not an adjustment", models.ErrInvalidDocument, req.Reason)
	}
	return nil
}

// applyMovement changes one item's quantity and records the movement in one
// transaction, keyed by idempotencyKey.
func (s *InventoryService) applyMovement(ctx context.Context, scope models.Scope, itemId string, delta decimal.Decimal, reason models.MovementReason, key string) (*StockChangeResult, error) {
	res := &StockChangeResult{}
	mkey := movementKey(reason, key)
	err := retryConflicts(ctx, s.Retry, s.sleep, func() error {
		*res = StockChangeResult{}
		err := s.Store.RunTransaction(ctx, func(tx docstore.Tx) error {
			applied, err := tx.MovementsApplied(ctx, scope, mkey)
			if err != nil {
				return err
			}
			if applied {
				res.AlreadyApplied = true
				res.Item, err = tx.GetInventoryItem(ctx, scope, itemId)
				return err
			}
			sd, err := tx.ApplyStockDelta(ctx, scope, itemId, delta, s.Policy)
			if err != nil {
				return err
			}
			m := &models.StockMovement{
				ID:              uuid.NewString(),
				TenantId:        scope.TenantId(),
				LocationId:      scope.LocationId(),
				IdempotencyKey:  mkey,
				InventoryItemId: itemId,
				Reason:          reason,
				Delta:           sd.Applied,
				RequestedDelta:  delta,
				PreviousQty:     sd.PreviousQty,
				NewQty:          sd.NewQty,
				Clamped:         sd.Clamped,
				CreatedAt:       s.now().UTC(),
			}
			if err := appendMovement(ctx, tx, scope, m); err != nil {
				return err
			}
			res.Item, res.Movement = sd.Item, m
			return nil
		})
		if errors.Is(err, errMovementRace) {
			*res = StockChangeResult{AlreadyApplied: true}
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Movement != nil {
		fields := scopeFields("InventoryService", scope)
		fields["inventory_item_id"] = itemId
		fields["reason"] = reason
		fields["delta"] = res.Movement.Delta.String()
		fields["new_qty"] = res.Movement.NewQty.String()
		fields["clamped"] = res.Movement.Clamped
		s.Logger.WithFields(fields).Info("stock changed")
	}
	return res, nil
}

// SetCost replaces an ingredient's cost per unit and schedules the cost sync
// of every menu item that uses it.
func (s *InventoryService) SetCost(ctx context.Context, scope models.Scope, itemId string, req SetCostRequest) (*StockChangeResult, error) {
	if req.CostPerUnit.IsNegative() {
		return nil, fmt.Errorf("%w: cost must not be negative", models.ErrInvalidDocument)
	}
	err := s.applySetCost(ctx, scope, itemId, req.CostPerUnit)
	if err == nil || !s.queueable(err) {
		if err != nil {
			return nil, err
		}
		item, err := s.Store.GetInventoryItem(ctx, scope, itemId)
		if err != nil {
			return nil, err
		}
		return &StockChangeResult{Item: item}, nil
	}
	payload := InventoryPayload{TenantId: scope.TenantId(), LocationId: scope.LocationId(), ItemId: itemId, SetCost: &req}
	return s.enqueue(ctx, scope, EntryTypeInventorySetCost, uuid.NewString(), payload, err)
}

func (s *InventoryService) applySetCost(ctx context.Context, scope models.Scope, itemId string, cost decimal.Decimal) error {
	old, err := s.Store.SetInventoryCost(ctx, scope, itemId, cost)
	if err != nil {
		return err
	}
	if old.Equal(cost) {
		return nil
	}
	fields := scopeFields("InventoryService", scope)
	fields["inventory_item_id"] = itemId
	fields["old_cost"] = old.String()
	fields["new_cost"] = cost.String()
	s.Logger.WithFields(fields).Info("ingredient cost changed")
	if s.Costs != nil {
		s.Costs.IngredientCostChanged(scope, itemId)
	}
	return nil
}

func (s *InventoryService) queueable(err error) bool {
	return s.Queue != nil && models.IsTransient(err)
}

func (s *InventoryService) enqueue(ctx context.Context, scope models.Scope, entryType, key string, payload InventoryPayload, cause error) (*StockChangeResult, error) {
	id := queueEntryID(entryType, scope, key)
	if _, err := s.Queue.EnqueueWithID(context.WithoutCancel(ctx), id, entryType, payload, s.QueueMaxRetries); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("queue %s: %w", entryType, err))
	}
	fields := scopeFields("InventoryService", scope)
	fields["inventory_item_id"] = payload.ItemId
	fields["queue_entry_id"] = id
	s.Logger.WithFields(fields).Warn(entryType + " queued for replay: " + cause.Error())
	return &StockChangeResult{Queued: true, QueueEntryId: id}, nil
}
