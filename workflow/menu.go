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
	"github.com/sirupsen/logrus"
)

const (
	EntryTypeMenuUpsert = "menu.upsert"
	EntryTypeMenuDelete = "menu.delete"
)

type MenuPayload struct {
	TenantId   string           `json:"tenantId"`
	LocationId string           `json:"locationId"`
	MenuItemId string           `json:"menuItemId"`
	Item       *models.MenuItem `json:"item,omitempty"`
}

type MenuResult struct {
	Item         *models.MenuItem `json:"item,omitempty"`
	Queued       bool             `json:"queued,omitempty"`
	QueueEntryId string           `json:"queueEntryId,omitempty"`
}

// MenuService authors menu items. Every saved change updates the recipe
// index, recomputes the cost and notifies the POS projection.
type MenuService struct {
	Store           docstore.Store
	Index           *RecipeIndex
	Costs           *CostSynchronizer
	Bus             *ChangeBus
	Queue           Enqueuer
	Logger          *logrus.Logger
	QueueMaxRetries int

	now func() time.Time
}

func NewMenuService(store docstore.Store, index *RecipeIndex, costs *CostSynchronizer, bus *ChangeBus, queue Enqueuer, logger *logrus.Logger, cfg config.EngineConfig) *MenuService {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &MenuService{
		Store:           store,
		Index:           index,
		Costs:           costs,
		Bus:             bus,
		Queue:           queue,
		Logger:          logger,
		QueueMaxRetries: cfg.SyncMaxRetries,
		now:             time.Now,
	}
}

// Upsert creates or replaces the authored fields of a menu item. Cost and
// margin are never taken from input.
func (s *MenuService) Upsert(ctx context.Context, scope models.Scope, id string, in models.NewMenuItem) (*MenuResult, error) {
	if id == "" {
		id = uuid.NewString()
	}
	item := &models.MenuItem{
		ID:         id,
		TenantId:   scope.TenantId(),
		LocationId: scope.LocationId(),
		Name:       strings.TrimSpace(in.Name),
		Category:   in.Category,
		Price:      in.Price,
		Recipe:     models.CloneRecipe(in.Recipe),
	}
	saved, err := s.applyUpsert(ctx, scope, item)
	if err == nil {
		return &MenuResult{Item: saved}, nil
	}
	if s.Queue == nil || !models.IsTransient(err) {
		return nil, err
	}
	payload := MenuPayload{TenantId: scope.TenantId(), LocationId: scope.LocationId(), MenuItemId: id, Item: item}
	return s.enqueue(ctx, scope, EntryTypeMenuUpsert, uuid.NewString(), payload, err)
}

func (s *MenuService) applyUpsert(ctx context.Context, scope models.Scope, item *models.MenuItem) (*models.MenuItem, error) {
	if err := s.Store.SaveMenuItem(ctx, scope, item); err != nil {
		return nil, err
	}
	if err := s.Index.Upsert(ctx, scope, item); err != nil {
		return nil, err
	}
	if _, err := s.Costs.SyncMenuItem(ctx, scope, item.ID); err != nil {
		// The item is saved; its cost is flagged stale and fixed on the next sync.
		fields := scopeFields("MenuService", scope)
		fields["menu_item_id"] = item.ID
		s.Logger.WithFields(fields).Warn("cost sync after menu change failed: " + err.Error())
	}
	s.Bus.Publish(ctx, models.ChangeEvent{
		Kind:       models.ChangeKindMenuUpdated,
		TenantId:   scope.TenantId(),
		LocationId: scope.LocationId(),
		MenuItemId: item.ID,
		OccurredAt: s.now().UTC(),
	})
	return s.Store.GetMenuItem(ctx, scope, item.ID)
}

func (s *MenuService) Delete(ctx context.Context, scope models.Scope, id string) (*MenuResult, error) {
	err := s.applyDelete(ctx, scope, id)
	if err == nil {
		return &MenuResult{}, nil
	}
	if s.Queue == nil || !models.IsTransient(err) {
		return nil, err
	}
	payload := MenuPayload{TenantId: scope.TenantId(), LocationId: scope.LocationId(), MenuItemId: id}
	return s.enqueue(ctx, scope, EntryTypeMenuDelete, id, payload, err)
}

func (s *MenuService) applyDelete(ctx context.Context, scope models.Scope, id string) error {
	if err := s.Store.DeleteMenuItem(ctx, scope, id); err != nil {
		return err
	}
	if err := s.Index.Remove(ctx, scope, id); err != nil {
		return err
	}
	s.Bus.Publish(ctx, models.ChangeEvent{
		Kind:       models.ChangeKindMenuDeleted,
		TenantId:   scope.TenantId(),
		LocationId: scope.LocationId(),
		MenuItemId: id,
		OccurredAt: s.now().UTC(),
	})
	return nil
}

func (s *MenuService) replayDelete(ctx context.Context, scope models.Scope, id string) error {
	err := s.applyDelete(ctx, scope, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

func (s *MenuService) enqueue(ctx context.Context, scope models.Scope, entryType, key string, payload MenuPayload, cause error) (*MenuResult, error) {
	id := queueEntryID(entryType, scope, key)
	if _, err := s.Queue.EnqueueWithID(context.WithoutCancel(ctx), id, entryType, payload, s.QueueMaxRetries); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("queue %s: %w", entryType, err))
	}
	fields := scopeFields("MenuService", scope)
	fields["menu_item_id"] = payload.MenuItemId
	fields["queue_entry_id"] = id
	s.Logger.WithFields(fields).Warn(entryType + " queued for replay: " + cause.Error())
	return &MenuResult{Item: payload.Item, Queued: true, QueueEntryId: id}, nil
}
