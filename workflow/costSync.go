package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type costOutcome int

const (
	costUnchanged costOutcome = iota
	costUpdated
	costSkipped
)

// SyncReport summarizes one cost synchronization pass.
type SyncReport struct {
	Checked int      `json:"checked"`
	Updated []string `json:"updated,omitempty"`
	// Stale are items whose cost could not be computed from every ingredient.
	Stale []string `json:"stale,omitempty"`
	// Skipped are items another instance was synchronizing at the same time.
	Skipped []string `json:"skipped,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

type inventoryLoader = dataloader.Loader[string, *models.InventoryItem]

// CostSynchronizer recomputes menu item cost and margin when ingredient costs
// change. Changes are collected for Delay after the first one and processed
// together.
type CostSynchronizer struct {
	Store   docstore.Store
	Index   *RecipeIndex
	Bus     *ChangeBus
	Logger  *logrus.Logger
	Scale   int32
	Delay   time.Duration
	LockTTL time.Duration

	now func() time.Time

	mu      sync.Mutex
	pending map[models.Scope]map[string]struct{}
	timer   *time.Timer
	closed  bool
}

func NewCostSynchronizer(store docstore.Store, index *RecipeIndex, bus *ChangeBus, logger *logrus.Logger, cfg config.EngineConfig) *CostSynchronizer {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &CostSynchronizer{
		Store:   store,
		Index:   index,
		Bus:     bus,
		Logger:  logger,
		Scale:   cfg.CurrencyScale,
		Delay:   cfg.CostSyncDelay,
		LockTTL: 30 * time.Second,
		now:     time.Now,
		pending: map[models.Scope]map[string]struct{}{},
	}
}

// IngredientCostChanged schedules a synchronization of every menu item that
// uses ingredientId.
func (s *CostSynchronizer) IngredientCostChanged(scope models.Scope, ingredientId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ids, ok := s.pending[scope]
	if !ok {
		ids = map[string]struct{}{}
		s.pending[scope] = ids
	}
	ids[ingredientId] = struct{}{}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.Delay, s.flushFromTimer)
	}
}

func (s *CostSynchronizer) flushFromTimer() {
	if err := s.Flush(context.Background()); err != nil {
		config.LogError(s.Logger, "workflow", "CostSynchronizer.Flush", "debounced cost sync failed", nil, err)
	}
}

// Pending reports how many scopes have changes waiting for the timer.
func (s *CostSynchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush processes every collected change now.
func (s *CostSynchronizer) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = map[models.Scope]map[string]struct{}{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	var errs []error
	for scope, set := range batch {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if _, err := s.SyncIngredients(ctx, scope, ids...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops pending changes and stops the timer.
func (s *CostSynchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = map[models.Scope]map[string]struct{}{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// SyncIngredients recomputes every menu item that uses one of ingredientIds,
// by id or by the ingredient's name.
func (s *CostSynchronizer) SyncIngredients(ctx context.Context, scope models.Scope, ingredientIds ...string) (report *SyncReport, err error) {
	ctx, span := tracer.Start(ctx, "CostSynchronizer.SyncIngredients", scopeAttributes(scope))
	defer func() { endSpan(span, err) }()

	items, err := s.Store.GetInventoryItems(ctx, scope, ingredientIds)
	if err != nil {
		return nil, err
	}
	keys := map[string]struct{}{}
	for _, id := range ingredientIds {
		keys[id] = struct{}{}
		if item, ok := items[id]; ok {
			keys[models.IngredientNameKey(item.Name)] = struct{}{}
		}
	}

	menu := map[string]struct{}{}
	for k := range keys {
		ids, err := s.Index.ItemsUsingIngredient(ctx, k, scope)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			menu[id] = struct{}{}
		}
	}
	menuIds := make([]string, 0, len(menu))
	for id := range menu {
		menuIds = append(menuIds, id)
	}
	sort.Strings(menuIds)
	return s.syncMenuItems(ctx, scope, menuIds)
}

// SyncScope rebuilds the recipe index of scope and recomputes every menu item
// in it.
func (s *CostSynchronizer) SyncScope(ctx context.Context, scope models.Scope) (report *SyncReport, err error) {
	ctx, span := tracer.Start(ctx, "CostSynchronizer.SyncScope", scopeAttributes(scope))
	defer func() { endSpan(span, err) }()

	if err := s.Index.Rebuild(ctx, scope); err != nil {
		return nil, err
	}
	items, err := s.Store.ListMenuItems(ctx, scope)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, m := range items {
		ids = append(ids, m.ID)
	}
	return s.syncMenuItems(ctx, scope, ids)
}

// SyncMenuItem recomputes one menu item and reports whether it was written.
func (s *CostSynchronizer) SyncMenuItem(ctx context.Context, scope models.Scope, menuItemId string) (bool, error) {
	outcome, _, err := s.syncItem(ctx, scope, s.newInventoryLoader(scope), menuItemId)
	return outcome == costUpdated, err
}

func (s *CostSynchronizer) syncMenuItems(ctx context.Context, scope models.Scope, ids []string) (*SyncReport, error) {
	report := &SyncReport{}
	loader := s.newInventoryLoader(scope)
	var errs []error
	for _, id := range ids {
		report.Checked++
		outcome, stale, err := s.syncItem(ctx, scope, loader, id)
		if err != nil {
			report.Failed = append(report.Failed, id)
			errs = append(errs, fmt.Errorf("sync cost of menu item %s: %w", id, err))
			continue
		}
		switch outcome {
		case costUpdated:
			report.Updated = append(report.Updated, id)
		case costSkipped:
			report.Skipped = append(report.Skipped, id)
		}
		if stale {
			report.Stale = append(report.Stale, id)
		}
	}

	fields := scopeFields("CostSynchronizer", scope)
	fields["checked"] = report.Checked
	fields["updated"] = len(report.Updated)
	fields["stale"] = len(report.Stale)
	fields["failed"] = len(report.Failed)
	s.Logger.WithFields(fields).Info("menu cost sync finished")
	return report, errors.Join(errs...)
}

func (s *CostSynchronizer) syncItem(ctx context.Context, scope models.Scope, loader *inventoryLoader, id string) (costOutcome, bool, error) {
	lockKey := fmt.Sprintf("menu-cost:%s:%s:%s", scope.TenantId(), scope.LocationId(), id)
	lock, ok, err := config.ObtainLock(ctx, lockKey, s.LockTTL)
	if err != nil {
		fields := scopeFields("CostSynchronizer", scope)
		fields["menu_item_id"] = id
		s.Logger.WithFields(fields).Warn("cost sync lock unavailable, continuing unlocked: " + err.Error())
	} else if !ok {
		return costSkipped, false, nil
	}
	defer config.ReleaseLock(ctx, lock)

	m, err := s.Store.GetMenuItem(ctx, scope, id)
	if errors.Is(err, models.ErrNotFound) {
		return costUnchanged, false, nil
	}
	if err != nil {
		return costUnchanged, false, err
	}

	costs, err := s.ingredientCosts(ctx, scope, loader, m.Recipe)
	if err != nil {
		s.markStale(ctx, scope, id)
		return costUnchanged, true, err
	}
	cost, complete := models.ComputeCost(m.Recipe, func(l models.RecipeLine) (decimal.Decimal, bool) {
		c, ok := costs[l.Key()]
		return c, ok
	}, s.Scale)
	margin := models.ComputeMargin(m.Price, cost)
	stale := !complete

	if m.CostUpdatedAt != nil && cost.Equal(m.Cost) && margin.Equal(m.Margin) && m.CostStale == stale {
		return costUnchanged, stale, nil
	}

	now := s.now().UTC()
	if err := s.Store.UpdateMenuItemCost(ctx, scope, id, docstore.CostUpdate{
		Cost:      cost,
		Margin:    margin,
		Stale:     stale,
		UpdatedAt: now,
	}); err != nil {
		s.markStale(ctx, scope, id)
		return costUnchanged, true, err
	}
	if stale {
		fields := scopeFields("CostSynchronizer", scope)
		fields["menu_item_id"] = id
		s.Logger.WithFields(fields).Warn("menu item cost is incomplete: an ingredient has no inventory record")
	}
	if !cost.Equal(m.Cost) {
		s.Bus.Publish(ctx, models.ChangeEvent{
			Kind:       models.ChangeKindCostChanged,
			TenantId:   scope.TenantId(),
			LocationId: scope.LocationId(),
			MenuItemId: id,
			OldCost:    m.Cost,
			NewCost:    cost,
			OccurredAt: now,
		})
	}
	return costUpdated, stale, nil
}

func (s *CostSynchronizer) markStale(ctx context.Context, scope models.Scope, id string) {
	if err := s.Store.MarkMenuItemCostStale(ctx, scope, id); err != nil {
		config.LogError(s.Logger, "workflow", "CostSynchronizer.markStale", "could not flag stale cost", map[string]interface{}{
			"tenant_id":    scope.TenantId(),
			"location_id":  scope.LocationId(),
			"menu_item_id": id,
		}, err)
	}
}

// ingredientCosts maps recipe line keys to the current cost per unit. Lines
// whose ingredient cannot be found are absent from the map.
func (s *CostSynchronizer) ingredientCosts(ctx context.Context, scope models.Scope, loader *inventoryLoader, recipe []models.RecipeLine) (map[string]decimal.Decimal, error) {
	var ids []string
	seen := map[string]struct{}{}
	for _, l := range recipe {
		if l.IngredientId == "" {
			continue
		}
		if _, ok := seen[l.IngredientId]; ok {
			continue
		}
		seen[l.IngredientId] = struct{}{}
		ids = append(ids, l.IngredientId)
	}

	found := map[string]*models.InventoryItem{}
	if len(ids) > 0 {
		items, errs := loader.LoadMany(ctx, ids)()
		for i, id := range ids {
			if errs != nil && errs[i] != nil {
				if errors.Is(errs[i], models.ErrNotFound) {
					continue
				}
				return nil, errs[i]
			}
			found[id] = items[i]
		}
	}

	costs := make(map[string]decimal.Decimal, len(recipe))
	for _, l := range recipe {
		if item, ok := found[l.IngredientId]; ok {
			costs[l.Key()] = item.CostPerUnit
			continue
		}
		name := strings.TrimSpace(l.IngredientName)
		if name == "" {
			continue
		}
		item, err := s.Store.FindInventoryItemByName(ctx, scope, name)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		costs[l.Key()] = item.CostPerUnit
	}
	return costs, nil
}

// newInventoryLoader batches the ingredient reads of one pass. The loader
// caches, so it must not outlive the pass.
func (s *CostSynchronizer) newInventoryLoader(scope models.Scope) *inventoryLoader {
	batch := func(ctx context.Context, ids []string) []*dataloader.Result[*models.InventoryItem] {
		items, err := s.Store.GetInventoryItems(ctx, scope, ids)
		results := make([]*dataloader.Result[*models.InventoryItem], len(ids))
		for i, id := range ids {
			item, ok := items[id]
			switch {
			case err != nil:
				results[i] = &dataloader.Result[*models.InventoryItem]{Error: err}
			case !ok:
				results[i] = &dataloader.Result[*models.InventoryItem]{Error: fmt.Errorf("%w: ingredient %s", models.ErrNotFound, id)}
			default:
				results[i] = &dataloader.Result[*models.InventoryItem]{Data: item}
			}
		}
		return results
	}
	return dataloader.NewBatchedLoader(batch, dataloader.WithWait[string, *models.InventoryItem](time.Millisecond))
}
