package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/sirupsen/logrus"
)

// POSProjector regenerates POS items from menu items whenever a change
// notification names them. POS items are never edited directly.
type POSProjector struct {
	Store    docstore.Store
	Logger   *logrus.Logger
	CacheTTL time.Duration

	now func() time.Time
}

func NewPOSProjector(store docstore.Store, logger *logrus.Logger) *POSProjector {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &POSProjector{Store: store, Logger: logger, CacheTTL: 10 * time.Minute, now: time.Now}
}

// Attach subscribes the projector to bus.
func (p *POSProjector) Attach(bus *ChangeBus) {
	bus.Subscribe(p.Handle)
}

func posCacheKey(scope models.Scope, id string) string {
	return fmt.Sprintf("pos:%s:%s:%s", scope.TenantId(), scope.LocationId(), id)
}

func (p *POSProjector) Handle(ctx context.Context, ev models.ChangeEvent) {
	scope, err := models.ScopeFromDocument(ev.TenantId, ev.LocationId)
	if err != nil {
		config.LogError(p.Logger, "workflow", "POSProjector.Handle", "change event with invalid scope", ev, err)
		return
	}
	if ev.Kind == models.ChangeKindMenuDeleted {
		err = p.Remove(ctx, scope, ev.MenuItemId)
	} else {
		_, err = p.Refresh(ctx, scope, ev.MenuItemId)
	}
	if err != nil {
		config.LogError(p.Logger, "workflow", "POSProjector.Handle", "projection refresh failed", map[string]interface{}{
			"kind":         ev.Kind,
			"tenant_id":    ev.TenantId,
			"location_id":  ev.LocationId,
			"menu_item_id": ev.MenuItemId,
		}, err)
	}
}

// Refresh rebuilds the POS item of menuItemId from the stored menu item.
func (p *POSProjector) Refresh(ctx context.Context, scope models.Scope, menuItemId string) (*models.POSItem, error) {
	m, err := p.Store.GetMenuItem(ctx, scope, menuItemId)
	if errors.Is(err, models.ErrNotFound) {
		return nil, p.Remove(ctx, scope, menuItemId)
	}
	if err != nil {
		return nil, err
	}
	item := models.ProjectPOSItem(m, p.now().UTC())
	if err := p.Store.SavePOSItem(ctx, scope, item); err != nil {
		return nil, err
	}
	p.cache(ctx, scope, item)
	return item, nil
}

func (p *POSProjector) Remove(ctx context.Context, scope models.Scope, menuItemId string) error {
	if err := config.RemoveRedisKey(ctx, posCacheKey(scope, menuItemId)); err != nil {
		p.Logger.WithFields(scopeFields("POSProjector", scope)).Warn("pos cache delete failed: " + err.Error())
	}
	return p.Store.DeletePOSItem(ctx, scope, menuItemId)
}

// Get reads through the cache. The store stays authoritative: cache errors
// only cost a store read.
func (p *POSProjector) Get(ctx context.Context, scope models.Scope, id string) (*models.POSItem, error) {
	var cached models.POSItem
	ok, err := config.GetRedisObject(ctx, posCacheKey(scope, id), &cached)
	if err != nil {
		p.Logger.WithFields(scopeFields("POSProjector", scope)).Warn("pos cache read failed: " + err.Error())
	}
	if ok && scope.Owns(cached.TenantId, cached.LocationId) {
		return &cached, nil
	}
	item, err := p.Store.GetPOSItem(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	p.cache(ctx, scope, item)
	return item, nil
}

func (p *POSProjector) cache(ctx context.Context, scope models.Scope, item *models.POSItem) {
	if err := config.SetRedisObject(ctx, posCacheKey(scope, item.ID), item, p.CacheTTL); err != nil {
		p.Logger.WithFields(scopeFields("POSProjector", scope)).Warn("pos cache write failed: " + err.Error())
	}
}
