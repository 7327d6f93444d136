package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/stock_engine/models"
	"github.com/mmdatafocus/stock_engine/syncqueue"
)

// Registrar is the handler registry of the offline sync queue.
type Registrar interface {
	Register(entryType string, h syncqueue.Handler)
}

// replayError decides whether a failed replay is worth another attempt.
// Store trouble and insufficient stock may clear up later; anything else
// fails the entry at once.
func replayError(err error) error {
	switch {
	case err == nil:
		return nil
	case models.IsTransient(err), errors.Is(err, models.ErrInsufficientStock):
		return err
	default:
		return syncqueue.Permanent(err)
	}
}

func decodeScoped(e syncqueue.Entry, v any, scopeOf func() (string, string)) (models.Scope, error) {
	if err := e.Decode(v); err != nil {
		return models.Scope{}, syncqueue.Permanent(fmt.Errorf("decode %s payload: %w", e.Type, err))
	}
	tenantId, locationId := scopeOf()
	scope, err := models.ScopeFromDocument(tenantId, locationId)
	if err != nil {
		return models.Scope{}, syncqueue.Permanent(err)
	}
	return scope, nil
}

// RegisterReplayHandlers wires every queued write type to its strict apply
// path.
func (e *Engine) RegisterReplayHandlers(r Registrar) {
	r.Register(EntryTypeOrderFulfill, func(ctx context.Context, entry syncqueue.Entry) error {
		var p OrderPayload
		scope, err := decodeScoped(entry, &p, func() (string, string) { return p.TenantId, p.LocationId })
		if err != nil {
			return err
		}
		return replayError(e.Orders.replay(ctx, scope, &p.Order))
	})

	r.Register(EntryTypeInventoryCreate, func(ctx context.Context, entry syncqueue.Entry) error {
		var p InventoryPayload
		scope, err := decodeScoped(entry, &p, func() (string, string) { return p.TenantId, p.LocationId })
		if err != nil {
			return err
		}
		if p.Create == nil {
			return syncqueue.Permanent(fmt.Errorf("%w: inventory.create without item", models.ErrInvalidDocument))
		}
		return replayError(e.Inventory.applyCreate(ctx, scope, p.Create))
	})

	r.Register(EntryTypeInventoryReceive, func(ctx context.Context, entry syncqueue.Entry) error {
		var p InventoryPayload
		scope, err := decodeScoped(entry, &p, func() (string, string) { return p.TenantId, p.LocationId })
		if err != nil {
			return err
		}
		if p.Receive == nil {
			return syncqueue.Permanent(fmt.Errorf("%w: inventory.receive without request", models.ErrInvalidDocument))
		}
		_, err = e.Inventory.applyReceive(ctx, scope, p.ItemId, *p.Receive)
		return replayError(err)
	})

	r.Register(EntryTypeInventoryAdjust, func(ctx context.Context, entry syncqueue.Entry) error {
		var p InventoryPayload
		scope, err := decodeScoped(entry, &p, func() (string, string) { return p.TenantId, p.LocationId })
		if err != nil {
			return err
		}
		if p.Adjust == nil {
			return syncqueue.Permanent(fmt.Errorf("%w: inventory.adjust without request", models.ErrInvalidDocument))
		}
		_, err = e.Inventory.applyMovement(ctx, scope, p.ItemId, p.Adjust.Delta, p.Adjust.Reason, p.Adjust.IdempotencyKey)
		return replayError(err)
	})

	r.Register(EntryTypeInventorySetCost, func(ctx context.Context, entry syncqueue.Entry) error {
		var p InventoryPayload
		scope, err := decodeScoped(entry, &p, func() (string, string) { return p.TenantId, p.LocationId })
		if err != nil {
			return err
		}
		if p.SetCost == nil {
			return syncqueue.Permanent(fmt.Errorf("%w: inventory.set_cost without request", models.ErrInvalidDocument))
		}
		return replayError(e.Inventory.applySetCost(ctx, scope, p.ItemId, p.SetCost.CostPerUnit))
	})

	r.Register(EntryTypeMenuUpsert, func(ctx context.Context, entry syncqueue.Entry) error {
		var p MenuPayload
		scope, err := decodeScoped(entry, &p, func() (string, string) { return p.TenantId, p.LocationId })
		if err != nil {
			return err
		}
		if p.Item == nil {
			return syncqueue.Permanent(fmt.Errorf("%w: menu.upsert without item", models.ErrInvalidDocument))
		}
		_, err = e.Menu.applyUpsert(ctx, scope, p.Item)
		return replayError(err)
	})

	r.Register(EntryTypeMenuDelete, func(ctx context.Context, entry syncqueue.Entry) error {
		var p MenuPayload
		scope, err := decodeScoped(entry, &p, func() (string, string) { return p.TenantId, p.LocationId })
		if err != nil {
			return err
		}
		return replayError(e.Menu.replayDelete(ctx, scope, p.MenuItemId))
	})
}
